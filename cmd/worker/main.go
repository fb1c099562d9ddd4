package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"k8s.io/klog/v2"

	"github.com/kunal/gpu-batch-executor/pkg/backend"
	"github.com/kunal/gpu-batch-executor/pkg/config"
	"github.com/kunal/gpu-batch-executor/pkg/device"
	"github.com/kunal/gpu-batch-executor/pkg/executor"
	"github.com/kunal/gpu-batch-executor/pkg/model"
	"github.com/kunal/gpu-batch-executor/pkg/worker"
)

//go:embed default_model.yaml
var defaultModel []byte

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()

	if err := newRootCmd().Execute(); err != nil {
		klog.Errorf("❌ %v", err)
		klog.Flush()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()
	cmd := &cobra.Command{
		Use:          "worker",
		Short:        "Serve one model with dynamic batching across its instances",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	// Flags default to the environment, so either one can configure a worker.
	f := cmd.Flags()
	f.StringVar(&cfg.WorkerID, "id", cfg.WorkerID, "worker identifier reported in responses and metrics")
	f.IntVar(&cfg.WorkerPort, "port", cfg.WorkerPort, "gRPC port")
	f.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "HTTP port for /metrics, /debug/pool and /ws")
	f.StringVar(&cfg.ModelConfig, "model-config", cfg.ModelConfig, "YAML model configuration (empty serves the built-in add/sub model)")
	f.StringVar(&cfg.Engine, "engine", cfg.Engine, "engine used when the model configuration names none")
	f.StringVar(&cfg.ONNXModelPath, "onnx-model", cfg.ONNXModelPath, "model file for the onnx engine (binaries built with -tags onnx)")
	f.DurationVar(&cfg.MaxWaitTime, "max-wait", cfg.MaxWaitTime, "how long a runner waits for a batch to fill")
	f.DurationVar(&cfg.DefaultTimeout, "default-timeout", cfg.DefaultTimeout, "queue timeout for requests without one (0 = none)")
	f.IntVar(&cfg.GPUCount, "gpus", cfg.GPUCount, "GPU count assumed when the driver cannot be queried")
	f.DurationVar(&cfg.SimLatency, "sim-latency", cfg.SimLatency, "base latency of the simulation engine")
	f.DurationVar(&cfg.BroadcastInterval, "broadcast-interval", cfg.BroadcastInterval, "dashboard push interval (0 disables)")
	f.IntVar(&cfg.LoadParallelism, "load-parallelism", cfg.LoadParallelism, "instances created concurrently (0 = all)")
	f.AddGoFlagSet(flag.CommandLine)
	return cmd
}

func loadSpec(cfg *config.Config) (*model.Spec, error) {
	var (
		spec *model.Spec
		err  error
	)
	if cfg.ModelConfig == "" {
		spec, err = model.ParseConfig(defaultModel)
	} else {
		spec, err = model.LoadConfig(cfg.ModelConfig)
	}
	if err != nil {
		return nil, err
	}
	if spec.Engine == "" {
		spec.Engine = cfg.Engine
	}
	return spec, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	spec, err := loadSpec(cfg)
	if err != nil {
		return errors.WithMessage(err, "loading model")
	}

	klog.Infof("⚡ Worker %s starting on port %d", cfg.WorkerID, cfg.WorkerPort)
	klog.Infof("   Metrics on port %d", cfg.MetricsPort)
	klog.Infof("   Model: %s | Engine: %s | max_batch_size=%d", spec.Name, spec.Engine, spec.MaxBatchSize)
	klog.Infof("   Engines available: %v", executor.Names())

	engineOpts := executor.Options{
		BaseLatency: cfg.SimLatency,
		ModelPath:   cfg.ONNXModelPath,
	}
	start := time.Now()
	pool, err := backend.CreateContexts(spec, spec.ExpandInstances(), backend.Options{
		NewEngine:   backend.RegistryEngines(engineOpts),
		Devices:     device.Detect(cfg.GPUCount),
		Parallelism: cfg.LoadParallelism,
	})
	if err != nil {
		return errors.WithMessagef(err, "loading model '%s'", spec.Name)
	}
	klog.Infof("✅ Model %s loaded in %v:\n%s", spec.Name, time.Since(start).Round(time.Millisecond), pool)

	w := worker.New(cfg, pool)
	w.Start()

	grpcServer := grpc.NewServer()
	w.RegisterGRPC(grpcServer)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.WorkerPort))
	if err != nil {
		w.Stop()
		pool.Close()
		return errors.Wrapf(err, "listening on port %d", cfg.WorkerPort)
	}

	mux := http.NewServeMux()
	w.RegisterMetricsHTTP(mux)
	metricsServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		klog.Infof("🚀 gRPC server listening on %s", lis.Addr().String())
		return errors.Wrap(grpcServer.Serve(lis), "gRPC server")
	})
	g.Go(func() error {
		klog.Infof("📊 Metrics endpoint on %s/metrics", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "metrics server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		klog.Info("🛑 Shutting down worker...")
		grpcServer.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			klog.Warningf("⚠️  Metrics server shutdown: %v", err)
		}

		w.Stop()
		if err := pool.Close(); err != nil {
			klog.Warningf("⚠️  Closing model instances: %v", err)
		}
		klog.Info("✅ Worker stopped")
		return nil
	})
	return g.Wait()
}
