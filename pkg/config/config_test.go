package config

import (
	"testing"
	"time"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: Config{
				App:     AppConfig{Name: "test-service"},
				GRPC:    GRPCConfig{Port: 50051},
				HTTP:    HTTPConfig{Port: 8000},
				Log:     LogConfig{Level: "info"},
				Replica: ReplicaConfig{MaxOngoingRequests: 10},
			},
			wantErr: false,
		},
		{
			name: "missing app name",
			cfg: Config{
				GRPC:    GRPCConfig{Port: 50051},
				HTTP:    HTTPConfig{Port: 8000},
				Log:     LogConfig{Level: "info"},
				Replica: ReplicaConfig{MaxOngoingRequests: 10},
			},
			wantErr: true,
		},
		{
			name: "invalid port - zero",
			cfg: Config{
				App:     AppConfig{Name: "test"},
				GRPC:    GRPCConfig{Port: 0},
				HTTP:    HTTPConfig{Port: 8000},
				Replica: ReplicaConfig{MaxOngoingRequests: 10},
			},
			wantErr: true,
		},
		{
			name: "invalid port - too high",
			cfg: Config{
				App:     AppConfig{Name: "test"},
				GRPC:    GRPCConfig{Port: 70000},
				HTTP:    HTTPConfig{Port: 8000},
				Replica: ReplicaConfig{MaxOngoingRequests: 10},
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			cfg: Config{
				App:     AppConfig{Name: "test"},
				GRPC:    GRPCConfig{Port: 50051},
				HTTP:    HTTPConfig{Port: 8000},
				Log:     LogConfig{Level: "invalid"},
				Replica: ReplicaConfig{MaxOngoingRequests: 10},
			},
			wantErr: true,
		},
		{
			name: "valid debug level",
			cfg: Config{
				App:     AppConfig{Name: "test"},
				GRPC:    GRPCConfig{Port: 50051},
				HTTP:    HTTPConfig{Port: 8000},
				Log:     LogConfig{Level: "debug"},
				Replica: ReplicaConfig{MaxOngoingRequests: 10},
			},
			wantErr: false,
		},
		{
			name: "zero max ongoing requests",
			cfg: Config{
				App:     AppConfig{Name: "test"},
				GRPC:    GRPCConfig{Port: 50051},
				HTTP:    HTTPConfig{Port: 8000},
				Log:     LogConfig{Level: "info"},
				Replica: ReplicaConfig{MaxOngoingRequests: 0},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"development", true},
		{"dev", true},
		{"production", false},
		{"staging", false},
	}

	for _, tt := range tests {
		cfg := &Config{App: AppConfig{Environment: tt.env}}
		if got := cfg.IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment() for %s = %v, want %v", tt.env, got, tt.want)
		}
	}
}

func TestConfig_IsProduction(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"production", true},
		{"prod", true},
		{"development", false},
		{"staging", false},
	}

	for _, tt := range tests {
		cfg := &Config{App: AppConfig{Environment: tt.env}}
		if got := cfg.IsProduction(); got != tt.want {
			t.Errorf("IsProduction() for %s = %v, want %v", tt.env, got, tt.want)
		}
	}
}

func TestKeepAliveConfig(t *testing.T) {
	cfg := KeepAliveConfig{
		MaxConnectionIdle:     15 * time.Minute,
		MaxConnectionAge:      30 * time.Minute,
		MaxConnectionAgeGrace: 5 * time.Minute,
		Time:                  5 * time.Minute,
		Timeout:               20 * time.Second,
	}

	if cfg.MaxConnectionIdle != 15*time.Minute {
		t.Errorf("unexpected MaxConnectionIdle: %v", cfg.MaxConnectionIdle)
	}
}

func TestCORSConfig(t *testing.T) {
	cfg := CORSConfig{
		Enabled:          true,
		AllowedOrigins:   []string{"http://localhost:3000", "https://example.com"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Authorization"},
		AllowCredentials: true,
		MaxAge:           86400,
	}

	if !cfg.Enabled {
		t.Error("expected CORS to be enabled")
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("expected 2 origins, got %d", len(cfg.AllowedOrigins))
	}
}

func TestAutoscalingConfig(t *testing.T) {
	cfg := AutoscalingConfig{
		Enabled:          true,
		MetricsIntervalS: 10,
		LookBackPeriodS:  30,
	}

	if !cfg.Enabled {
		t.Error("expected autoscaling to be enabled")
	}
	if cfg.LookBackPeriodS != 30 {
		t.Errorf("expected look back period 30, got %d", cfg.LookBackPeriodS)
	}
}
