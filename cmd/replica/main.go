// Package main is the entry point for a replica process.
//
// A replica hosts exactly one instance of a user-provided deployment: it
// admits requests against a configured concurrency ceiling, dispatches
// them into the user's callable, and reports health and load back to the
// cluster controller. This binary wires the execution core described in
// pkg/replica to a concrete transport: a gRPC health service for
// liveness/readiness (pkg/server) and an HTTP surface for the
// request-serving RPCs (pkg/facade).
//
// # Configuration
//
// Configuration is loaded with the following priority (highest to
// lowest):
//  1. Environment variables (prefix: REPLICA_)
//  2. Config files (config.yaml in standard locations)
//  3. Default values from pkg/config/loader.go
//
// # Extending with a real deployment
//
// main wires a trivial echo deployment as a placeholder. A real binary
// built from this core would replace buildDeployment with a
// *usercallable.Definition describing its own handlers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"replicacore/pkg/client"
	"replicacore/pkg/config"
	"replicacore/pkg/controllerclient"
	"replicacore/pkg/facade"
	"replicacore/pkg/fleetlimit"
	"replicacore/pkg/httpmw"
	"replicacore/pkg/logger"
	"replicacore/pkg/metrics"
	"replicacore/pkg/replica"
	"replicacore/pkg/server"
	"replicacore/pkg/usercallable"
)

func main() {
	// =========================================================================
	// Configuration Loading
	// =========================================================================
	cfg, err := config.LoadWithServiceDefaults("replica", 50060)
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		return
	}

	// =========================================================================
	// Logger Initialization
	// =========================================================================
	logger.InitWithConfig(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	ctx := context.Background()

	// =========================================================================
	// Metrics Initialization
	// =========================================================================
	metrics.InitMetrics(cfg.Metrics.Namespace, cfg.Metrics.Subsystem).
		ConfigureCaching(time.Duration(cfg.Metrics.ExportIntervalMS) * time.Millisecond)

	// =========================================================================
	// Replica Core Construction
	// =========================================================================
	//
	// initialize_and_get_metadata's work happens here: constructing the
	// user callable, applying the initial config, and running the first
	// health check, all under Core.Initialize.
	replicaTag := cfg.Replica.ReplicaTag
	if replicaTag == "" {
		replicaTag = uuid.NewString()
	}
	id := replica.ReplicaID{
		DeploymentID: replica.DeploymentID{
			AppName: cfg.Replica.AppName,
			Name:    cfg.Replica.DeploymentName,
		},
		UniqueID: replicaTag,
	}

	var fleetLimiter fleetlimit.Limiter
	if cfg.Fleet.Enabled {
		dialed, err := fleetlimit.NewRedisLimiter(ctx, fleetlimit.Config{
			Addr:     cfg.Fleet.Addr,
			Password: cfg.Fleet.Password,
			DB:       cfg.Fleet.DB,
			Limit:    cfg.Fleet.Limit,
			Window:   cfg.Fleet.Window,
		})
		if err != nil {
			logger.Log.Warn("failed to dial fleet limiter, falling back to local admission only", "error", err)
		} else {
			fleetLimiter = dialed
			defer dialed.Close()
		}
	}

	core := replica.New(id, buildDeployment(), replica.Options{
		Metrics:        metrics.Get(),
		Logger:         logger.Log,
		LogTailSize:    cfg.Log.RequestBufferSize,
		RoutePrefix:    "/v1",
		FleetLimiter:   fleetLimiter,
		RecordOnHandle: cfg.Metrics.RecordOnHandle,
	})

	deploymentCfg := replica.DeploymentConfig{
		MaxOngoingRequests:    cfg.Replica.MaxOngoingRequests,
		GracefulShutdownWaitS: float64(cfg.Replica.GracefulShutdownWaitS),
	}
	if cfg.Replica.Autoscaling.Enabled {
		deploymentCfg.AutoscalingConfig = &replica.AutoscalingConfig{
			MetricsIntervalS: float64(cfg.Replica.Autoscaling.MetricsIntervalS),
			LookBackPeriodS:  float64(cfg.Replica.Autoscaling.LookBackPeriodS),
		}
	}

	version, err := core.Initialize(ctx, deploymentCfg)
	if err != nil {
		logger.Fatal("replica initialization failed", "error", err)
	}
	logger.Info("replica initialized", "version", version.Digest)

	// =========================================================================
	// Controller Client + Autoscaling Sample Loop
	// =========================================================================
	//
	// Two distinct periodic tasks, matching spec.md 4.B: a sampler records
	// NumOngoingRequests into the metrics aggregator's windowed sample
	// store on every tick, and an independent pusher reads back the
	// average over the controller's look-back period and sends that
	// (never a single instantaneous reading) to the controller. Neither
	// blocks the request path.
	var cc controllerclient.ControllerClient
	stopSamples := make(chan struct{})

	samplePeriod := time.Duration(cfg.Metrics.RecordPeriodS) * time.Second
	if samplePeriod <= 0 {
		samplePeriod = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(samplePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.Get().RecordAutoscalingSample(cfg.Replica.DeploymentName, id.UniqueID, core.NumOngoingRequests())
			case <-stopSamples:
				return
			}
		}
	}()

	if cfg.Controller.Address != "" {
		dialed, err := controllerclient.Dial(ctx, client.ClientConfig{
			Address:      cfg.Controller.Address,
			Timeout:      cfg.Controller.Timeout,
			MaxRetries:   cfg.Controller.MaxRetries,
			RetryBackoff: cfg.Controller.RetryBackoff,
		})
		if err != nil {
			logger.Log.Warn("failed to dial controller, autoscaling push disabled", "error", err)
		} else {
			cc = dialed
			defer dialed.Close()

			pushPeriod := time.Duration(cfg.Replica.Autoscaling.MetricsIntervalS) * time.Second
			if pushPeriod <= 0 {
				pushPeriod = 10 * time.Second
			}
			lookBack := time.Duration(cfg.Replica.Autoscaling.LookBackPeriodS) * time.Second
			if lookBack <= 0 {
				lookBack = pushPeriod
			}
			go func() {
				ticker := time.NewTicker(pushPeriod)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						avg := metrics.Get().WindowedAverage(cfg.Replica.DeploymentName, id.UniqueID, lookBack)
						sample := controllerclient.AutoscalingSample{
							ReplicaID: id,
							WindowAvg: avg,
						}
						if err := cc.RecordAutoscalingMetrics(ctx, sample); err != nil {
							logger.Log.Warn("autoscaling sample push failed", "error", err)
						}
					case <-stopSamples:
						return
					}
				}
			}()
		}
	}

	// =========================================================================
	// Facade HTTP Surface
	// =========================================================================
	//
	// The request-serving RPCs of the facade run over HTTP (gin), kept
	// separate from the gRPC health server so get_num_ongoing_requests
	// can answer from a path the user callable can never block.
	actor := facade.NewActor(core, id)
	router := facade.Router(actor, httpmw.Chain(httpmw.ServerConfig{
		EnableTracing: cfg.Tracing.Enabled,
		EnableMetrics: cfg.Metrics.Enabled,
		EnableLogging: true,
	})...)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Info("starting replica facade", "port", cfg.HTTP.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Error("facade server failed", "error", err)
		}
	}()

	// =========================================================================
	// gRPC Health Server + Graceful Shutdown
	// =========================================================================
	//
	// The health server's drain hook performs the replica's own graceful
	// shutdown: wait for in-flight requests, run the destructor, then stop
	// accepting the facade's HTTP traffic.
	srv := server.NewWithOptions(cfg, &server.ServerOptions{
		ShutdownHook: func(ctx context.Context) error {
			close(stopSamples)

			waitLoop := time.Duration(cfg.Replica.GracefulShutdownWaitS) * time.Second
			if waitLoop <= 0 {
				waitLoop = time.Second
			}
			err := core.PerformGracefulShutdown(ctx, waitLoop)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if httpErr := httpServer.Shutdown(shutdownCtx); httpErr != nil {
				logger.Log.Warn("facade server did not shut down cleanly", "error", httpErr)
			}
			return err
		},
	})

	logger.Info("starting replica", "deployment", cfg.Replica.DeploymentName, "app", cfg.Replica.AppName)
	if err := srv.Run(); err != nil {
		logger.Fatal("server failed", "error", err)
	}
}

// buildDeployment wires the placeholder echo deployment. A real deployment
// would supply its own Factory and Methods here.
func buildDeployment() *usercallable.Definition {
	return &usercallable.Definition{
		New: func(ctx context.Context, initArgs json.RawMessage) (any, error) {
			return &echoDeployment{}, nil
		},
		Methods: map[string]usercallable.Method{
			"__call__": {
				Name: "__call__",
				Kind: usercallable.KindUnary,
				Unary: func(ctx context.Context, instance any, args json.RawMessage) (json.RawMessage, error) {
					return args, nil
				},
			},
		},
		RunSyncInThreadPool:       false,
		RunUserCodeInSeparateLoop: false,
	}
}

type echoDeployment struct{}

func (d *echoDeployment) CheckHealth(ctx context.Context) error {
	return nil
}
