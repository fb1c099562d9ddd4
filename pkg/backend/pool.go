// Package backend is the batching core: a pool of execution contexts, one
// per model instance, the assembler that merges request payloads into one
// batch, the disperser that splits results back out, and the dispatcher
// that runs a batch on a chosen context.
package backend

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/kunal/gpu-batch-executor/pkg/device"
	"github.com/kunal/gpu-batch-executor/pkg/executor"
	"github.com/kunal/gpu-batch-executor/pkg/model"
	"github.com/kunal/gpu-batch-executor/pkg/status"
)

// EngineFactory creates the engine for one instance.
type EngineFactory func(spec *model.Spec, inst model.Instance) (executor.Engine, error)

// RegistryEngines creates engines through the executor registry using the
// model's configured engine name.
func RegistryEngines(opts executor.Options) EngineFactory {
	return func(spec *model.Spec, inst model.Instance) (executor.Engine, error) {
		o := opts
		o.Device = inst.Device
		return executor.New(spec.Engine, spec, o)
	}
}

// Options configure CreateContexts.
type Options struct {
	NewEngine EngineFactory

	// Devices answers whether a GPU instance's device exists. Without it
	// every GPU instance fails to load.
	Devices device.Prober

	// Parallelism bounds concurrent context construction; <= 0 means one
	// goroutine per instance.
	Parallelism int
}

// Pool is the ordered set of execution contexts of one loaded model.
type Pool struct {
	spec       *model.Spec
	contexts   []*ExecutionContext
	dispatcher *Dispatcher
}

// CreateContexts builds one execution context per instance, in order. If
// any context fails, every context already built is closed and no pool is
// returned.
func CreateContexts(spec *model.Spec, instances []model.Instance, opts Options) (*Pool, error) {
	if len(instances) == 0 {
		return nil, status.Errorf(status.InvalidArg, "model '%s' has no instances", spec.Name)
	}
	if opts.NewEngine == nil {
		opts.NewEngine = RegistryEngines(executor.Options{})
	}

	contexts := make([]*ExecutionContext, len(instances))
	g, gctx := errgroup.WithContext(context.Background())
	if opts.Parallelism > 0 {
		g.SetLimit(opts.Parallelism)
	}
	for i, inst := range instances {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			c, err := createContext(spec, inst, opts)
			if err != nil {
				return err
			}
			contexts[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, c := range contexts {
			if c == nil {
				continue
			}
			if cerr := c.Close(); cerr != nil {
				klog.Warningf("⚠️  Closing instance %s after failed load: %v", c.Name(), cerr)
			}
		}
		return nil, err
	}

	p := &Pool{spec: spec, contexts: contexts}
	p.dispatcher = NewDispatcher(contexts)
	klog.V(1).Infof("Loaded model '%s' with %d instance(s):\n%s", spec.Name, len(contexts), p)
	return p, nil
}

func createContext(spec *model.Spec, inst model.Instance, opts Options) (*ExecutionContext, error) {
	if inst.Device.IsGPU() {
		d := int(inst.Device)
		if !device.Available(opts.Devices, d) {
			return nil, status.Errorf(status.Internal, "unable to get device properties for GPU %d", d)
		}
		klog.Infof("Creating instance %s on GPU %d (%s)", inst.Name, d, opts.Devices.DeviceName(d))
	} else {
		klog.Infof("Creating instance %s on CPU", inst.Name)
	}

	engine, err := opts.NewEngine(spec, inst)
	if err != nil {
		return nil, status.Wrapf(status.Internal, err, "failed to create engine for instance '%s'", inst.Name)
	}
	c, err := NewExecutionContext(spec, inst, engine)
	if err != nil {
		if cerr := engine.Close(); cerr != nil {
			klog.Warningf("⚠️  Closing engine of instance %s: %v", inst.Name, cerr)
		}
		return nil, err
	}
	return c, nil
}

// Spec is the model the pool was created for.
func (p *Pool) Spec() *model.Spec { return p.spec }

// Len is the number of contexts, and of runners.
func (p *Pool) Len() int { return len(p.contexts) }

// Context returns the context at index i.
func (p *Pool) Context(i int) *ExecutionContext { return p.contexts[i] }

// Dispatcher runs batches on the pool's contexts, index-aligned with them.
func (p *Pool) Dispatcher() *Dispatcher { return p.dispatcher }

// String describes each context, one per line.
func (p *Pool) String() string {
	var b strings.Builder
	for _, c := range p.contexts {
		gpu := "<none>"
		if c.device.IsGPU() {
			gpu = fmt.Sprint(int(c.device))
		}
		mbs := "<none>"
		if c.maxBatchSize > 0 {
			mbs = fmt.Sprint(c.maxBatchSize)
		}
		fmt.Fprintf(&b, "  name=%s, gpu=%s, max_batch_size=%s\n", c.name, gpu, mbs)
	}
	return b.String()
}

// Close tears down every context. It returns the first error and logs the
// rest.
func (p *Pool) Close() error {
	var first error
	for _, c := range p.contexts {
		if err := c.Close(); err != nil {
			if first == nil {
				first = err
			} else {
				klog.Warningf("⚠️  Closing instance %s: %v", c.Name(), err)
			}
		}
	}
	return first
}
