package backend

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/kunal/gpu-batch-executor/pkg/executor"
	"github.com/kunal/gpu-batch-executor/pkg/model"
	"github.com/kunal/gpu-batch-executor/pkg/tensor"
)

// fakeEngine echoes input i as output i unless invoke is overridden, and
// records what the core did with it.
type fakeEngine struct {
	device  model.Device
	inputs  []string
	outputs []string
	reject  map[tensor.ElementType]bool

	invoke func(inputs []tensor.Descriptor, names []string) ([]tensor.Descriptor, error)

	invocations atomic.Int32
	releases    atomic.Int32
	closes      atomic.Int32
	held        bool
	lastInputs  []tensor.Descriptor
}

var (
	_ executor.Engine      = (*fakeEngine)(nil)
	_ executor.RunReleaser = (*fakeEngine)(nil)
)

func newFakeEngine(spec *model.Spec) *fakeEngine {
	e := &fakeEngine{device: model.NoDevice}
	for _, in := range spec.Inputs {
		e.inputs = append(e.inputs, in.Name)
	}
	for _, out := range spec.Outputs {
		e.outputs = append(e.outputs, out.Name)
	}
	return e
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Device() model.Device { return e.device }

func (e *fakeEngine) InputNames() []string { return e.inputs }

func (e *fakeEngine) OutputNames() []string { return e.outputs }

func (e *fakeEngine) SupportsType(dt tensor.ElementType) bool { return !e.reject[dt] }

func (e *fakeEngine) Invoke(inputs []tensor.Descriptor, names []string) ([]tensor.Descriptor, error) {
	if e.held {
		return nil, errors.New("run resources leaked from the previous run")
	}
	e.held = true
	e.invocations.Add(1)
	e.lastInputs = e.lastInputs[:0]
	for _, in := range inputs {
		e.lastInputs = append(e.lastInputs, in.Clone())
	}
	if e.invoke != nil {
		return e.invoke(inputs, names)
	}
	outs := make([]tensor.Descriptor, 0, len(names))
	for _, name := range names {
		for i, o := range e.outputs {
			if o == name {
				out := inputs[i]
				out.Name = name
				outs = append(outs, out)
			}
		}
	}
	return outs, nil
}

func (e *fakeEngine) ReleaseRun() {
	if !e.held {
		return
	}
	e.held = false
	e.releases.Add(1)
}

func (e *fakeEngine) Close() error {
	e.closes.Add(1)
	return nil
}

func fp32Spec(maxBatch int, dims ...int64) *model.Spec {
	return &model.Spec{
		Name:         "simple",
		MaxBatchSize: maxBatch,
		Inputs:       []model.IOSpec{{Name: "INPUT0", Type: tensor.Float32, Dims: tensor.Shape(dims)}},
		Outputs:      []model.IOSpec{{Name: "OUTPUT0", Type: tensor.Float32, Dims: tensor.Shape(dims)}},
	}
}

// rows builds a [bs,width] FP32 tensor whose values start at base.
func rows(bs, width int, base float32) tensor.Descriptor {
	vals := make([]float32, bs*width)
	for i := range vals {
		vals[i] = base + float32(i)
	}
	return tensor.FromFloat32s("INPUT0", tensor.Shape{int64(bs), int64(width)}, vals)
}

func fp32Payload(bs, width int, base float32) *Payload {
	return NewPayload(bs, map[string]tensor.Descriptor{"INPUT0": rows(bs, width, base)})
}

// newTestContext builds a context over a fake engine for a single CPU
// instance with the model's max batch size.
func newTestContext(spec *model.Spec) (*ExecutionContext, *fakeEngine, error) {
	e := newFakeEngine(spec)
	c, err := NewExecutionContext(spec, model.Instance{
		Name:         spec.Name + "_0_cpu",
		Device:       model.NoDevice,
		MaxBatchSize: spec.MaxBatchSize,
	}, e)
	return c, e, err
}
