// pkg/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for a replica process.
type Config struct {
	App        AppConfig        `koanf:"app"`
	GRPC       GRPCConfig       `koanf:"grpc"`
	HTTP       HTTPConfig       `koanf:"http"`
	Log        LogConfig        `koanf:"log"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Tracing    TracingConfig    `koanf:"tracing"`
	Replica    ReplicaConfig    `koanf:"replica"`
	Controller ControllerConfig `koanf:"controller"`
	Retry      RetryConfig      `koanf:"retry"`
	Fleet      FleetConfig      `koanf:"fleet"`
}

// FleetConfig configures the optional Redis-backed deployment-wide
// concurrency ceiling (pkg/fleetlimit). Disabled by default: a replica
// runs fine on local admission alone.
type FleetConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	Limit    int           `koanf:"limit"`
	Window   time.Duration `koanf:"window"`
}

// AppConfig holds process-wide identity settings.
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"` // development, staging, production
	Debug       bool   `koanf:"debug"`
}

// GRPCConfig configures the liveness/readiness gRPC health server.
type GRPCConfig struct {
	Port              int             `koanf:"port"`
	MaxRecvMsgSize    int             `koanf:"max_recv_msg_size"`
	MaxSendMsgSize    int             `koanf:"max_send_msg_size"`
	MaxConcurrentConn int             `koanf:"max_concurrent_conn"`
	KeepAlive         KeepAliveConfig `koanf:"keepalive"`
	TLS               TLSConfig       `koanf:"tls"`
}

type KeepAliveConfig struct {
	MaxConnectionIdle     time.Duration `koanf:"max_connection_idle"`
	MaxConnectionAge      time.Duration `koanf:"max_connection_age"`
	MaxConnectionAgeGrace time.Duration `koanf:"max_connection_age_grace"`
	Time                  time.Duration `koanf:"time"`
	Timeout               time.Duration `koanf:"timeout"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
	CAFile   string `koanf:"ca_file"`
}

// HTTPConfig configures the facade's request/streaming surface.
type HTTPConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORS            CORSConfig    `koanf:"cors"`
}

type CORSConfig struct {
	Enabled          bool     `koanf:"enabled"`
	AllowedOrigins   []string `koanf:"allowed_origins"`
	AllowedMethods   []string `koanf:"allowed_methods"`
	AllowedHeaders   []string `koanf:"allowed_headers"`
	AllowCredentials bool     `koanf:"allow_credentials"`
	MaxAge           int      `koanf:"max_age"`
}

type LogConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	Output     string `koanf:"output"`
	FilePath   string `koanf:"file_path"`
	MaxSize    int    `koanf:"max_size"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAge     int    `koanf:"max_age"`
	Compress   bool   `koanf:"compress"`
	// RequestBufferSize bounds the in-memory tail of recent access-log lines
	// kept for introspection (spec's "request-path log buffer size" toggle).
	RequestBufferSize int `koanf:"request_buffer_size"`
}

type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Port      int    `koanf:"port"`
	Path      string `koanf:"path"`
	Namespace string `koanf:"namespace"`
	Subsystem string `koanf:"subsystem"`
	// ExportIntervalMS is the period between flushes of buffered per-route
	// counters. Zero means eager.
	ExportIntervalMS int `koanf:"export_interval_ms"`
	// RecordOnHandle enables per-request autoscaling metric sampling
	// synchronously on the request path instead of only on the timer.
	RecordOnHandle bool `koanf:"record_on_handle"`
	// RecordPeriodS is the autoscaling metric sampling cadence.
	RecordPeriodS int `koanf:"record_period_s"`
}

type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// ReplicaConfig mirrors the deployment-level knobs a controller assigns to
// a single replica instance.
type ReplicaConfig struct {
	DeploymentName          string          `koanf:"deployment_name"`
	AppName                 string          `koanf:"app_name"`
	ReplicaTag              string          `koanf:"replica_tag"`
	MaxOngoingRequests      int             `koanf:"max_ongoing_requests"`
	GracefulShutdownWaitS   int             `koanf:"graceful_shutdown_wait_loop_s"`
	GracefulShutdownTimeoutS int            `koanf:"graceful_shutdown_timeout_s"`
	RunSyncInThreadPool     bool            `koanf:"run_sync_in_thread_pool"`
	RunUserCodeInSeparateLoop bool          `koanf:"run_user_code_in_separate_loop"`
	SyncPoolSize            int            `koanf:"sync_pool_size"`
	Autoscaling             AutoscalingConfig `koanf:"autoscaling_config"`
}

type AutoscalingConfig struct {
	Enabled           bool `koanf:"enabled"`
	MetricsIntervalS  int  `koanf:"metrics_interval_s"`
	LookBackPeriodS   int  `koanf:"look_back_period_s"`
}

// ControllerConfig addresses the external controller that receives
// autoscaling metric pushes.
type ControllerConfig struct {
	Address        string        `koanf:"address"`
	Timeout        time.Duration `koanf:"timeout"`
	MaxRetries     int           `koanf:"max_retries"`
	RetryBackoff   time.Duration `koanf:"retry_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
}

type RetryConfig struct {
	MaxAttempts       int           `koanf:"max_attempts"`
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	}

	if c.GRPC.Port <= 0 || c.GRPC.Port > 65535 {
		errs = append(errs, fmt.Sprintf("grpc.port must be between 1 and 65535, got %d", c.GRPC.Port))
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port must be between 1 and 65535, got %d", c.HTTP.Port))
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	if c.Replica.MaxOngoingRequests <= 0 {
		errs = append(errs, "replica.max_ongoing_requests must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development" || c.App.Environment == "dev"
}

func (c *Config) IsProduction() bool {
	return c.App.Environment == "production" || c.App.Environment == "prod"
}
