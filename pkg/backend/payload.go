package backend

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kunal/gpu-batch-executor/pkg/model"
	"github.com/kunal/gpu-batch-executor/pkg/tensor"
)

// Payload is one caller request in flight. The core borrows it for one run
// and leaves it either with Outputs filled and a nil Status, or with a
// non-nil Status and no Outputs.
type Payload struct {
	ID string

	// BatchSize is the request's contribution to the batch dimension.
	BatchSize int

	// Inputs are keyed by declared input name and carry a leading batch
	// dimension equal to BatchSize.
	Inputs map[string]tensor.Descriptor

	// InputOverrides are ad hoc inputs outside the declared set, merged the
	// same way as declared inputs.
	InputOverrides map[string]tensor.Descriptor

	Status  error
	Outputs map[string]tensor.Descriptor

	Stats *InferStats
}

// NewPayload creates a payload with a fresh ID and started queue timer.
func NewPayload(batchSize int, inputs map[string]tensor.Descriptor) *Payload {
	p := &Payload{
		ID:        uuid.NewString(),
		BatchSize: batchSize,
		Inputs:    inputs,
		Stats:     &InferStats{},
	}
	p.Stats.StartQueue(time.Now())
	return p
}

// OK reports whether the payload is still eligible for execution.
func (p *Payload) OK() bool { return p.Status == nil }

// fail records err unless the payload already failed, and drops any
// partially written outputs.
func (p *Payload) fail(err error) {
	if p.Status == nil {
		p.Status = err
	}
	p.Outputs = nil
}

// InferStats collects the per-payload timing and placement the core is
// responsible for. Aggregation happens elsewhere.
type InferStats struct {
	mu sync.Mutex

	QueueStart   time.Time
	QueueEnd     time.Time
	ComputeStart time.Time
	ComputeEnd   time.Time

	Instance string
	Device   model.Device
}

// StartQueue marks enqueue time.
func (s *InferStats) StartQueue(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueueStart.IsZero() {
		s.QueueStart = now
	}
}

// StartCompute ends the queue phase and starts the compute phase on the
// given instance. Only the first call has an effect.
func (s *InferStats) StartCompute(now time.Time, instance string, dev model.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ComputeStart.IsZero() {
		return
	}
	if s.QueueEnd.IsZero() {
		s.QueueEnd = now
	}
	s.ComputeStart = now
	s.Instance = instance
	s.Device = dev
}

// StopCompute ends the compute phase. Only the first call has an effect.
func (s *InferStats) StopCompute(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ComputeStart.IsZero() || !s.ComputeEnd.IsZero() {
		return
	}
	s.ComputeEnd = now
}

// QueueDuration is zero until the compute phase started.
func (s *InferStats) QueueDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueueStart.IsZero() || s.QueueEnd.IsZero() {
		return 0
	}
	return s.QueueEnd.Sub(s.QueueStart)
}

// ComputeDuration is zero until the compute phase ended.
func (s *InferStats) ComputeDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ComputeEnd.IsZero() {
		return 0
	}
	return s.ComputeEnd.Sub(s.ComputeStart)
}
