package worker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kunal/gpu-batch-executor/pkg/backend"
)

// runnerStats are the counters of one runner, updated from its loop.
type runnerStats struct {
	name         string
	device       string
	maxBatchSize int

	batches       atomic.Int64
	requests      atomic.Int64
	rows          atomic.Int64
	failedBatches atomic.Int64
	failedReqs    atomic.Int64
	lastBatchSize atomic.Int32
	avgLatencyUs  atomic.Int64 // exponential moving average
}

// MetricsCollector aggregates per-runner batch statistics and queue state.
type MetricsCollector struct {
	workerID string
	model    string
	queue    *PriorityQueue
	runners  []*runnerStats
	started  time.Time

	inFlight atomic.Int32
	timeouts atomic.Int64
}

func NewMetricsCollector(workerID string, pool *backend.Pool, queue *PriorityQueue) *MetricsCollector {
	mc := &MetricsCollector{
		workerID: workerID,
		model:    pool.Spec().Name,
		queue:    queue,
		started:  time.Now(),
	}
	for i := 0; i < pool.Len(); i++ {
		c := pool.Context(i)
		mc.runners = append(mc.runners, &runnerStats{
			name:         c.Name(),
			device:       c.Device().String(),
			maxBatchSize: c.MaxBatchSize(),
		})
	}
	return mc
}

// RecordBatch accounts one dispatched batch on a runner.
func (mc *MetricsCollector) RecordBatch(runner, requests, rows, failed int, elapsed time.Duration, err error) {
	if runner < 0 || runner >= len(mc.runners) {
		return
	}
	rs := mc.runners[runner]
	rs.batches.Add(1)
	rs.requests.Add(int64(requests))
	rs.rows.Add(int64(rows))
	rs.failedReqs.Add(int64(failed))
	rs.lastBatchSize.Store(int32(rows))
	if err != nil {
		rs.failedBatches.Add(1)
	}

	// Exponential moving average of latency
	latencyUs := elapsed.Microseconds()
	oldAvg := rs.avgLatencyUs.Load()
	if oldAvg == 0 {
		rs.avgLatencyUs.Store(latencyUs)
	} else {
		// EMA with alpha=0.3
		rs.avgLatencyUs.Store(int64(float64(oldAvg)*0.7 + float64(latencyUs)*0.3))
	}
}

// RecordTimeouts counts requests that expired in the queue.
func (mc *MetricsCollector) RecordTimeouts(n int) { mc.timeouts.Add(int64(n)) }

// IncrInFlight / DecrInFlight track requests waiting on a result.
func (mc *MetricsCollector) IncrInFlight() { mc.inFlight.Add(1) }
func (mc *MetricsCollector) DecrInFlight() { mc.inFlight.Add(-1) }

// RunnerSnapshot is the JSON view of one runner.
type RunnerSnapshot struct {
	Runner         int     `json:"runner"`
	Instance       string  `json:"instance"`
	Device         string  `json:"device"`
	MaxBatchSize   int     `json:"max_batch_size"`
	Batches        int64   `json:"batches"`
	Requests       int64   `json:"requests"`
	Rows           int64   `json:"rows"`
	FailedBatches  int64   `json:"failed_batches"`
	FailedRequests int64   `json:"failed_requests"`
	LastBatchSize  int32   `json:"last_batch_size"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
}

// Snapshot is the JSON view of the worker.
type Snapshot struct {
	WorkerID   string           `json:"worker_id"`
	Model      string           `json:"model"`
	Started    string           `json:"started"`
	QueueDepth int              `json:"queue_depth"`
	QueueRows  int              `json:"queue_rows"`
	InFlight   int32            `json:"in_flight"`
	Timeouts   int64            `json:"timeouts"`
	Requests   string           `json:"requests_total"`
	Runners    []RunnerSnapshot `json:"runners"`
}

// Snapshot reads every counter once.
func (mc *MetricsCollector) Snapshot() *Snapshot {
	s := &Snapshot{
		WorkerID:   mc.workerID,
		Model:      mc.model,
		Started:    humanize.Time(mc.started),
		QueueDepth: mc.queue.Depth(),
		QueueRows:  mc.queue.Rows(),
		InFlight:   mc.inFlight.Load(),
		Timeouts:   mc.timeouts.Load(),
	}
	var total int64
	for i, rs := range mc.runners {
		r := RunnerSnapshot{
			Runner:         i,
			Instance:       rs.name,
			Device:         rs.device,
			MaxBatchSize:   rs.maxBatchSize,
			Batches:        rs.batches.Load(),
			Requests:       rs.requests.Load(),
			Rows:           rs.rows.Load(),
			FailedBatches:  rs.failedBatches.Load(),
			FailedRequests: rs.failedReqs.Load(),
			LastBatchSize:  rs.lastBatchSize.Load(),
			AvgLatencyMs:   float64(rs.avgLatencyUs.Load()) / 1000,
		}
		total += r.Requests
		s.Runners = append(s.Runners, r)
	}
	s.Requests = humanize.Comma(total)
	return s
}

// ServeDebug writes the snapshot as JSON.
func (mc *MetricsCollector) ServeDebug(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(mc.Snapshot())
}

// ServePrometheus writes Prometheus-format metrics to HTTP response.
func (mc *MetricsCollector) ServePrometheus(w http.ResponseWriter, r *http.Request) {
	s := mc.Snapshot()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP worker_queue_depth Current queue depth\n")
	fmt.Fprintf(w, "# TYPE worker_queue_depth gauge\n")
	fmt.Fprintf(w, "worker_queue_depth{worker=\"%s\"} %d\n", s.WorkerID, s.QueueDepth)
	fmt.Fprintf(w, "# HELP worker_queue_rows Queued batch rows\n")
	fmt.Fprintf(w, "# TYPE worker_queue_rows gauge\n")
	fmt.Fprintf(w, "worker_queue_rows{worker=\"%s\"} %d\n", s.WorkerID, s.QueueRows)
	fmt.Fprintf(w, "# HELP worker_in_flight Requests waiting on a result\n")
	fmt.Fprintf(w, "# TYPE worker_in_flight gauge\n")
	fmt.Fprintf(w, "worker_in_flight{worker=\"%s\"} %d\n", s.WorkerID, s.InFlight)
	fmt.Fprintf(w, "# HELP worker_timeouts_total Requests expired in queue\n")
	fmt.Fprintf(w, "# TYPE worker_timeouts_total counter\n")
	fmt.Fprintf(w, "worker_timeouts_total{worker=\"%s\"} %d\n", s.WorkerID, s.Timeouts)

	series := []struct {
		name, help, kind string
		value            func(RunnerSnapshot) string
	}{
		{"runner_batches_total", "Batches dispatched", "counter", func(r RunnerSnapshot) string { return fmt.Sprint(r.Batches) }},
		{"runner_requests_total", "Requests dispatched", "counter", func(r RunnerSnapshot) string { return fmt.Sprint(r.Requests) }},
		{"runner_rows_total", "Batch rows dispatched", "counter", func(r RunnerSnapshot) string { return fmt.Sprint(r.Rows) }},
		{"runner_failed_batches_total", "Batches that failed as a whole", "counter", func(r RunnerSnapshot) string { return fmt.Sprint(r.FailedBatches) }},
		{"runner_failed_requests_total", "Requests that ended with an error", "counter", func(r RunnerSnapshot) string { return fmt.Sprint(r.FailedRequests) }},
		{"runner_batch_size", "Rows in the last batch", "gauge", func(r RunnerSnapshot) string { return fmt.Sprint(r.LastBatchSize) }},
		{"runner_avg_latency_ms", "Average batch latency", "gauge", func(r RunnerSnapshot) string { return fmt.Sprintf("%.2f", r.AvgLatencyMs) }},
	}
	for _, m := range series {
		fmt.Fprintf(w, "# HELP %s %s\n", m.name, m.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", m.name, m.kind)
		for _, r := range s.Runners {
			fmt.Fprintf(w, "%s{worker=\"%s\",instance=\"%s\",device=\"%s\"} %s\n",
				m.name, s.WorkerID, r.Instance, r.Device, m.value(r))
		}
	}
}
