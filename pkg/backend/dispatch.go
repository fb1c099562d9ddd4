package backend

import (
	"time"

	"k8s.io/klog/v2"

	"github.com/kunal/gpu-batch-executor/pkg/status"
)

// Dispatcher runs batches on a fixed set of contexts. Runner i is context
// i; callers must not dispatch to the same runner concurrently.
type Dispatcher struct {
	contexts []*ExecutionContext
}

// NewDispatcher creates a dispatcher over contexts, index-aligned.
func NewDispatcher(contexts []*ExecutionContext) *Dispatcher {
	return &Dispatcher{contexts: contexts}
}

// NumRunners is the number of valid runner indices.
func (d *Dispatcher) NumRunners() int { return len(d.contexts) }

// Runner returns the context bound to runner i, or nil if out of range.
func (d *Dispatcher) Runner(i int) *ExecutionContext {
	if i < 0 || i >= len(d.contexts) {
		return nil
	}
	return d.contexts[i]
}

// Dispatch runs payloads on runner runnerIdx and then calls onComplete
// exactly once with the batch-level result. When onComplete runs, every
// payload is terminal: either Outputs are set and Status is nil, or Status
// holds the failure, and the context's run buffers have been released.
func (d *Dispatcher) Dispatch(runnerIdx int, payloads []*Payload, onComplete func(error)) {
	err := d.dispatch(runnerIdx, payloads)
	if onComplete != nil {
		onComplete(err)
	}
}

func (d *Dispatcher) dispatch(runnerIdx int, payloads []*Payload) error {
	if runnerIdx < 0 || runnerIdx >= len(d.contexts) {
		err := status.Errorf(status.Internal,
			"unexpected runner index %d, max allowed %d", runnerIdx, len(d.contexts)-1)
		failAll(payloads, err)
		return err
	}
	ctx := d.contexts[runnerIdx]

	start := time.Now()
	for _, p := range payloads {
		if p == nil {
			continue
		}
		if p.Stats == nil {
			p.Stats = &InferStats{}
		}
		p.Stats.StartCompute(start, ctx.name, ctx.device)
	}

	err := runGuarded(ctx, payloads)
	ctx.Release()
	if err != nil {
		klog.V(1).Infof("Batch on %s failed: %v", ctx.name, err)
		failAll(payloads, err)
	}

	end := time.Now()
	for _, p := range payloads {
		if p != nil {
			p.Stats.StopCompute(end)
		}
	}
	return err
}

// runGuarded turns an engine panic into a batch-level error.
func runGuarded(ctx *ExecutionContext, payloads []*Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("❌ Panic while running instance %s: %v", ctx.name, r)
			err = status.Errorf(status.Internal, "panic while running instance '%s': %v", ctx.name, r)
		}
	}()
	return ctx.Run(payloads)
}

// failAll gives err to every payload that has not failed yet.
func failAll(payloads []*Payload, err error) {
	for _, p := range payloads {
		if p != nil {
			p.fail(err)
		}
	}
}
