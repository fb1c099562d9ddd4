package worker

import (
	"context"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/klog/v2"

	"github.com/kunal/gpu-batch-executor/pkg/backend"
	"github.com/kunal/gpu-batch-executor/pkg/config"
	"github.com/kunal/gpu-batch-executor/pkg/status"
)

// Worker is the main worker service: it queues gRPC requests and lets the
// scheduler batch them onto the pool's execution contexts.
type Worker struct {
	cfg         *config.Config
	pool        *backend.Pool
	queue       *PriorityQueue
	scheduler   *Scheduler
	metrics     *MetricsCollector
	broadcaster *Broadcaster
	stopCh      chan struct{}

	// maxRequestRows is the largest batch contribution every runner can take.
	maxRequestRows int
}

// New creates a Worker serving the model loaded in pool.
func New(cfg *config.Config, pool *backend.Pool) *Worker {
	queue := NewPriorityQueue()
	metrics := NewMetricsCollector(cfg.WorkerID, pool, queue)

	wait := cfg.MaxWaitTime
	if ms := pool.Spec().DynamicBatching.MaxQueueDelayMs; ms > 0 {
		wait = time.Duration(ms) * time.Millisecond
	}
	scheduler := NewScheduler(SchedulerConfig{MaxWaitTime: wait}, queue, pool.Dispatcher(), metrics)

	w := &Worker{
		cfg:         cfg,
		pool:        pool,
		queue:       queue,
		scheduler:   scheduler,
		metrics:     metrics,
		broadcaster: NewBroadcaster(),
		stopCh:      make(chan struct{}),
	}
	for i := 0; i < pool.Len(); i++ {
		if n := maxRows(pool.Context(i)); w.maxRequestRows == 0 || n < w.maxRequestRows {
			w.maxRequestRows = n
		}
	}
	return w
}

// RegisterGRPC registers the worker's gRPC services.
func (w *Worker) RegisterGRPC(s grpc.ServiceRegistrar) {
	RegisterInferenceServer(s, w)
}

// RegisterMetricsHTTP registers /metrics, /debug/pool, /ws and /health.
func (w *Worker) RegisterMetricsHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/metrics", w.metrics.ServePrometheus)
	mux.HandleFunc("/debug/pool", w.metrics.ServeDebug)
	mux.HandleFunc("/ws", w.broadcaster.HandleWS)
	mux.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("OK"))
	})
}

// Start starts the runner loops and the dashboard feed.
func (w *Worker) Start() {
	w.scheduler.Start()
	if w.cfg.BroadcastInterval > 0 {
		go w.broadcaster.Run(w.cfg.BroadcastInterval, func() any { return w.metrics.Snapshot() }, w.stopCh)
	}
}

// Stop drains queued requests and stops the runner loops. The pool is
// left to the caller.
func (w *Worker) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	w.scheduler.Stop()
}

// Metrics exposes the collector, mostly for tests and the CLI.
func (w *Worker) Metrics() *MetricsCollector { return w.metrics }

// validate turns a decoded request into a payload, rejecting what the core
// would refuse anyway before it reaches the queue.
func (w *Worker) validate(req *InferRequest) (*backend.Payload, error) {
	spec := w.pool.Spec()
	switch {
	case req.BatchSize < 1:
		return nil, status.Errorf(status.InvalidArg, "batch size must be at least 1, got %d", req.BatchSize)
	case !spec.BatchingEnabled() && req.BatchSize != 1:
		return nil, status.Errorf(status.InvalidArg,
			"model '%s' does not support batching, batch size must be 1, got %d", spec.Name, req.BatchSize)
	case req.BatchSize > w.maxRequestRows:
		return nil, status.Errorf(status.InvalidArg,
			"batch size %d exceeds the maximum %d for model '%s'", req.BatchSize, w.maxRequestRows, spec.Name)
	}
	inputs, err := byName(req.Inputs)
	if err != nil {
		return nil, status.Wrapf(status.InvalidArg, err, "invalid inputs")
	}
	p := backend.NewPayload(req.BatchSize, inputs)
	if req.ID != "" {
		p.ID = req.ID
	}
	if len(req.Overrides) > 0 {
		if p.InputOverrides, err = byName(req.Overrides); err != nil {
			return nil, status.Wrapf(status.InvalidArg, err, "invalid overrides")
		}
	}
	return p, nil
}

// deadline picks the earliest of the request timeout, the model's default
// timeout and the client's own deadline.
func (w *Worker) deadline(ctx context.Context, req *InferRequest, now time.Time) time.Time {
	var d time.Time
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(w.pool.Spec().DynamicBatching.DefaultTimeoutMs) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = w.cfg.DefaultTimeout
	}
	if timeout > 0 {
		d = now.Add(timeout)
	}
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}
	return d
}

// Infer enqueues one request and blocks until its batch completes.
func (w *Worker) Infer(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	w.metrics.IncrInFlight()
	defer w.metrics.DecrInFlight()

	req, err := DecodeInferRequest(in)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	p, err := w.validate(req)
	if err != nil {
		return nil, status.ToGRPC(err)
	}

	now := time.Now()
	r := NewRequest(p, req.Priority, w.deadline(ctx, req, now))
	w.queue.Enqueue(r)
	w.scheduler.Signal()

	select {
	case <-r.Done():
	case <-ctx.Done():
		if w.queue.Remove(r) {
			return nil, grpcstatus.FromContextError(ctx.Err()).Err()
		}
		// Already part of a batch: the run is charged either way, but the
		// caller is gone.
		klog.V(1).Infof("Request %s abandoned while running", p.ID)
		return nil, grpcstatus.FromContextError(ctx.Err()).Err()
	}

	if p.Status != nil {
		return nil, status.ToGRPC(p.Status)
	}
	resp := &InferResponse{
		ID:        p.ID,
		WorkerID:  w.cfg.WorkerID,
		Instance:  p.Stats.Instance,
		Device:    p.Stats.Device.String(),
		Outputs:   sortedTensors(p.Outputs),
		QueueMs:   float64(p.Stats.QueueDuration().Microseconds()) / 1000,
		ComputeMs: float64(p.Stats.ComputeDuration().Microseconds()) / 1000,
	}
	return resp.Encode()
}

// GetMetrics returns the worker snapshot.
func (w *Worker) GetMetrics(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return snapshotToStruct(w.metrics.Snapshot())
}
