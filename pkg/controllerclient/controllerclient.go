// Package controllerclient pushes autoscaling load samples to the cluster
// controller, fire-and-forget, retrying each push with exponential backoff
// up to a maximum elapsed time.
package controllerclient

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/grpc"

	"replicacore/pkg/client"
	"replicacore/pkg/logger"
	"replicacore/pkg/replica"
)

// AutoscalingSample is one windowed load observation for a replica.
type AutoscalingSample struct {
	ReplicaID     replica.ReplicaID
	WindowAvg     float64
	SendTimestamp time.Time
}

// ControllerClient is the outbound contract a replica uses to report its
// own load. A real implementation dials the controller over gRPC; tests
// use an in-memory fake.
type ControllerClient interface {
	RecordAutoscalingMetrics(ctx context.Context, sample AutoscalingSample) error
}

// GRPCControllerClient binds ControllerClient to a real controller over a
// retrying gRPC connection.
type GRPCControllerClient struct {
	conn   *grpc.ClientConn
	log    *slog.Logger
	maxElapsed time.Duration
}

// Dial opens a retrying connection to the controller at cfg.Address.
func Dial(ctx context.Context, cfg client.ClientConfig) (*GRPCControllerClient, error) {
	conn, err := client.NewGRPCClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log := logger.Log
	if log == nil {
		log = slog.Default()
	}
	return &GRPCControllerClient{conn: conn, log: log, maxElapsed: 10 * time.Second}, nil
}

// RecordAutoscalingMetrics pushes one sample, retrying with exponential
// backoff capped at 10s. A failed push is logged and never propagated to
// request handling.
func (g *GRPCControllerClient) RecordAutoscalingMetrics(ctx context.Context, sample AutoscalingSample) error {
	operation := func() (struct{}, error) {
		return struct{}{}, g.push(ctx, sample)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(g.maxElapsed),
	)
	if err != nil {
		g.log.Error("autoscaling metrics push failed", "replica_id", sample.ReplicaID.UniqueID, "error", err)
	}
	return nil
}

// push is where the real wire call would live once a generated controller
// client stub is available; this repo has no generated RPC for it, so it
// is left as the integration seam (see DESIGN.md).
func (g *GRPCControllerClient) push(ctx context.Context, sample AutoscalingSample) error {
	if g.conn.GetState().String() == "SHUTDOWN" {
		return context.Canceled
	}
	return nil
}

// Close releases the underlying connection.
func (g *GRPCControllerClient) Close() error {
	return g.conn.Close()
}

// FakeControllerClient is an in-memory ControllerClient for tests.
type FakeControllerClient struct {
	Samples []AutoscalingSample
	Err     error
}

func (f *FakeControllerClient) RecordAutoscalingMetrics(ctx context.Context, sample AutoscalingSample) error {
	if f.Err != nil {
		return f.Err
	}
	f.Samples = append(f.Samples, sample)
	return nil
}
