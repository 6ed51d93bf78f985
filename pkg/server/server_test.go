package server

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"replicacore/pkg/config"
	"replicacore/pkg/logger"
)

func init() {
	logger.Init("error")
}

func TestNewServer(t *testing.T) {
	cfg := &config.Config{
		App: config.AppConfig{Name: "test-app"},
		GRPC: config.GRPCConfig{
			Port:      50051,
			KeepAlive: config.KeepAliveConfig{},
		},
		Replica: config.ReplicaConfig{
			GracefulShutdownWaitS:    1,
			GracefulShutdownTimeoutS: 5,
		},
	}

	srv := New(cfg)
	assert.NotNil(t, srv)
	assert.NotNil(t, srv.GetEngine())
}

func TestNewServer_WithOptions(t *testing.T) {
	cfg := &config.Config{
		App:  config.AppConfig{Name: "test-app"},
		GRPC: config.GRPCConfig{Port: 50052},
	}

	opts := &ServerOptions{
		AuditLogger: nil,
	}

	srv := NewWithOptions(cfg, opts)
	assert.NotNil(t, srv)
}
