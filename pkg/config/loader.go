// pkg/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix    = "REPLICA_"
	configEnvVar = "CONFIG_PATH"
)

// Loader loads configuration from layered sources.
type Loader struct {
	k           *koanf.Koanf
	configPaths []string
	envPrefix   string
}

// NewLoader creates a new configuration loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		k: koanf.New("."),
		configPaths: []string{
			"config.yaml",
			"config/config.yaml",
			"/etc/replica/config.yaml",
		},
		envPrefix: envPrefix,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

type LoaderOption func(*Loader)

func WithConfigPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.configPaths = paths
	}
}

func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// Load applies defaults, then an optional config file, then environment
// variables, in increasing priority order.
func (l *Loader) Load() (*Config, error) {
	if err := l.loadDefaults(); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := l.loadConfigFile(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (l *Loader) loadDefaults() error {
	defaults := map[string]any{
		"app.name":        "replica-core",
		"app.version":     "1.0.0",
		"app.environment": "development",
		"app.debug":       false,

		"grpc.port":                               50051,
		"grpc.max_recv_msg_size":                  16 * 1024 * 1024,
		"grpc.max_send_msg_size":                  16 * 1024 * 1024,
		"grpc.max_concurrent_conn":                1000,
		"grpc.keepalive.max_connection_idle":      15 * time.Minute,
		"grpc.keepalive.max_connection_age":       30 * time.Minute,
		"grpc.keepalive.max_connection_age_grace": 5 * time.Minute,
		"grpc.keepalive.time":                     5 * time.Minute,
		"grpc.keepalive.timeout":                  20 * time.Second,
		"grpc.tls.enabled":                        false,

		"http.port":                   8000,
		"http.read_timeout":           30 * time.Second,
		"http.write_timeout":          0 * time.Second, // streaming responses must not be write-deadlined
		"http.shutdown_timeout":       10 * time.Second,
		"http.cors.enabled":           false,
		"http.cors.allowed_origins":   []string{"*"},
		"http.cors.allowed_methods":   []string{"GET", "POST", "OPTIONS"},
		"http.cors.allowed_headers":   []string{"*"},
		"http.cors.allow_credentials": false,
		"http.cors.max_age":           86400,

		"log.level":               "info",
		"log.format":              "json",
		"log.output":              "stdout",
		"log.max_size":            100,
		"log.max_backups":         3,
		"log.max_age":             7,
		"log.compress":            true,
		"log.request_buffer_size": 256,

		"metrics.enabled":            true,
		"metrics.port":               9090,
		"metrics.path":               "/metrics",
		"metrics.namespace":          "replica",
		"metrics.subsystem":          "",
		"metrics.export_interval_ms": 1000,
		"metrics.record_on_handle":   true,
		"metrics.record_period_s":    10,

		"tracing.enabled":      false,
		"tracing.endpoint":     "localhost:4317",
		"tracing.service_name": "replica-core",
		"tracing.sample_rate":  0.1,

		"replica.deployment_name":                 "default",
		"replica.app_name":                        "default",
		"replica.replica_tag":                     "",
		"replica.max_ongoing_requests":             100,
		"replica.graceful_shutdown_wait_loop_s":    2,
		"replica.graceful_shutdown_timeout_s":      30,
		"replica.run_sync_in_thread_pool":          true,
		"replica.run_user_code_in_separate_loop":   true,
		"replica.sync_pool_size":                   16,
		"replica.autoscaling_config.enabled":       false,
		"replica.autoscaling_config.metrics_interval_s": 10,
		"replica.autoscaling_config.look_back_period_s": 30,

		"controller.address":       "",
		"controller.timeout":       5 * time.Second,
		"controller.max_retries":   3,
		"controller.retry_backoff": 100 * time.Millisecond,
		"controller.max_backoff":   10 * time.Second,

		"retry.max_attempts":       3,
		"retry.initial_backoff":    100 * time.Millisecond,
		"retry.max_backoff":        10 * time.Second,
		"retry.backoff_multiplier": 2.0,

		"fleet.enabled":  false,
		"fleet.addr":     "localhost:6379",
		"fleet.password": "",
		"fleet.db":       0,
		"fleet.limit":    1000,
		"fleet.window":   time.Second,
	}

	return l.k.Load(confmap.Provider(defaults, "."), nil)
}

func (l *Loader) loadConfigFile() error {
	if configPath := os.Getenv(configEnvVar); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return l.k.Load(file.Provider(configPath), yaml.Parser())
		}
	}

	for _, path := range l.configPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			return l.k.Load(file.Provider(absPath), yaml.Parser())
		}
	}

	return fmt.Errorf("config file not found in paths: %v", l.configPaths)
}

func (l *Loader) loadEnv() error {
	return l.k.Load(env.Provider(l.envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(
				strings.TrimPrefix(s, l.envPrefix),
			),
			"_", ".",
		)
	}), nil)
}

// MustLoad loads the configuration or panics.
func MustLoad(opts ...LoaderOption) *Config {
	cfg, err := NewLoader(opts...).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Load loads configuration with default settings.
func Load() (*Config, error) {
	return NewLoader().Load()
}

// LoadWithServiceDefaults loads configuration, overriding the app name and
// gRPC port when they are still at their package defaults.
func LoadWithServiceDefaults(serviceName string, defaultPort int) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if cfg.GRPC.Port == 50051 && defaultPort != 0 {
		cfg.GRPC.Port = defaultPort
	}

	if cfg.App.Name == "replica-core" {
		cfg.App.Name = serviceName
	}

	return cfg, nil
}
