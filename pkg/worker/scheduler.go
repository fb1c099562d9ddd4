package worker

import (
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/kunal/gpu-batch-executor/pkg/backend"
	"github.com/kunal/gpu-batch-executor/pkg/status"
)

// SchedulerConfig holds tunable batching parameters.
type SchedulerConfig struct {
	// MaxWaitTime is how long a runner waits for a batch to fill.
	MaxWaitTime time.Duration
}

// Scheduler binds one loop to each runner of the pool. Every loop collects
// a batch that fits its context's max batch size from the shared priority
// queue and dispatches it on its own runner, so no context ever runs two
// batches at once.
type Scheduler struct {
	cfg        SchedulerConfig
	queue      *PriorityQueue
	dispatcher *backend.Dispatcher
	metrics    *MetricsCollector
	notify     chan struct{} // signals new request arrival
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	// Adaptive state
	mu          sync.RWMutex
	currentWait time.Duration
}

func NewScheduler(cfg SchedulerConfig, queue *PriorityQueue, dispatcher *backend.Dispatcher, metrics *MetricsCollector) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		queue:       queue,
		dispatcher:  dispatcher,
		metrics:     metrics,
		notify:      make(chan struct{}, 256),
		stopCh:      make(chan struct{}),
		currentWait: cfg.MaxWaitTime,
	}
}

// Start begins one batching loop per runner.
func (s *Scheduler) Start() {
	for i := 0; i < s.dispatcher.NumRunners(); i++ {
		s.wg.Add(1)
		go s.loop(i)
		ctx := s.dispatcher.Runner(i)
		klog.Infof("🔄 Runner %d started: instance=%s, max_rows=%d, max_wait=%v",
			i, ctx.Name(), maxRows(ctx), s.cfg.MaxWaitTime)
	}
}

// Stop drains the queue and waits for every loop to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Signal notifies the scheduler that a new request has arrived.
func (s *Scheduler) Signal() {
	select {
	case s.notify <- struct{}{}:
	default:
		// Non-blocking: a runner will pick it up on its next iteration
	}
}

// maxRows is the most rows one batch may carry on ctx. Without batching a
// batch is a single request.
func maxRows(ctx *backend.ExecutionContext) int {
	if n := ctx.MaxBatchSize(); n > 0 {
		return n
	}
	return 1
}

func (s *Scheduler) loop(runner int) {
	defer s.wg.Done()
	limit := maxRows(s.dispatcher.Runner(runner))

	for {
		// Wait for at least one request
		select {
		case <-s.stopCh:
			s.drainRemaining(runner, limit)
			return
		case <-s.notify:
		}

		batch := s.collectBatch(limit)
		if len(batch) == 0 {
			continue
		}
		// Leftover work goes to a peer runner.
		if s.queue.Depth() > 0 {
			s.Signal()
		}
		s.executeBatch(runner, limit, batch)
	}
}

func (s *Scheduler) collectBatch(limit int) []*Request {
	s.mu.RLock()
	wait := s.currentWait
	s.mu.RUnlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		// Flush if queue has enough for a full batch
		if s.queue.Rows() >= limit {
			return s.dequeue(limit)
		}

		select {
		case <-s.stopCh:
			return s.dequeue(limit)

		case <-timer.C:
			// Timeout: flush whatever we have
			return s.dequeue(limit)

		case <-s.notify:
			continue
		}
	}
}

// dequeue takes the next batch and completes expired requests.
func (s *Scheduler) dequeue(limit int) []*Request {
	batch, expired := s.queue.DequeueBatch(limit, time.Now())
	for _, r := range expired {
		r.Payload.Status = status.Errorf(status.Unavailable, "request timed out")
		r.complete()
	}
	if len(expired) > 0 {
		s.metrics.RecordTimeouts(len(expired))
		klog.V(1).Infof("⏱️  %d request(s) expired in queue", len(expired))
	}
	return batch
}

func (s *Scheduler) executeBatch(runner, limit int, batch []*Request) {
	payloads := make([]*backend.Payload, len(batch))
	rows := 0
	for i, r := range batch {
		payloads[i] = r.Payload
		rows += r.Payload.BatchSize
	}
	start := time.Now()

	s.dispatcher.Dispatch(runner, payloads, func(err error) {
		elapsed := time.Since(start)
		failed := 0
		for _, p := range payloads {
			if !p.OK() {
				failed++
			}
		}
		s.metrics.RecordBatch(runner, len(batch), rows, failed, elapsed, err)
		if err != nil {
			klog.Warningf("⚠️  Batch on runner %d failed: size=%d, rows=%d: %v", runner, len(batch), rows, err)
		} else {
			klog.V(1).Infof("📦 Batch executed: runner=%d, size=%d, rows=%d, latency=%v", runner, len(batch), rows, elapsed)
		}
		for _, r := range batch {
			r.complete()
		}
	})

	s.adaptWait(limit)
}

// adaptWait shortens the fill timeout under pressure and restores it when
// the queue is shallow.
func (s *Scheduler) adaptWait(limit int) {
	rows := s.queue.Rows()
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case rows > 4*limit:
		// High pressure: flush faster
		s.currentWait = s.cfg.MaxWaitTime / 4
	case rows < limit:
		// Low pressure: wait the full window for bigger batches
		s.currentWait = s.cfg.MaxWaitTime
	default:
		s.currentWait = s.cfg.MaxWaitTime / 2
	}
}

func (s *Scheduler) drainRemaining(runner, limit int) {
	for {
		batch := s.dequeue(limit)
		if len(batch) == 0 {
			return
		}
		s.executeBatch(runner, limit, batch)
	}
}
