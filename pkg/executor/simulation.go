package executor

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/kunal/gpu-batch-executor/pkg/model"
	"github.com/kunal/gpu-batch-executor/pkg/tensor"
)

func init() {
	Register("simulation", NewSimulated)
}

// SimulatedGPU mimics a device-resident add/sub model: OUTPUT0 is the
// elementwise sum of the first two declared inputs, OUTPUT1 their
// difference. Latency grows sublinearly with the batch, like a real GPU.
//
// Output buffers are treated as device allocations owned by the run: a new
// Invoke is refused until ReleaseRun has been called.
type SimulatedGPU struct {
	device      model.Device
	baseLatency time.Duration
	inputs      []string
	outputs     []string

	live     []tensor.Descriptor
	held     bool
	closed   bool
	runs     atomic.Int64
	releases atomic.Int64
}

// NewSimulated creates the add/sub simulation for a model with exactly two
// inputs of one type and one or two outputs.
func NewSimulated(spec *model.Spec, opts Options) (Engine, error) {
	if len(spec.Inputs) != 2 {
		return nil, errors.Errorf("simulation engine for '%s' needs 2 inputs, got %d", spec.Name, len(spec.Inputs))
	}
	if len(spec.Outputs) == 0 || len(spec.Outputs) > 2 {
		return nil, errors.Errorf("simulation engine for '%s' supports 1 or 2 outputs, got %d", spec.Name, len(spec.Outputs))
	}
	s := &SimulatedGPU{
		device:      opts.Device,
		baseLatency: opts.BaseLatency,
	}
	for _, in := range spec.Inputs {
		s.inputs = append(s.inputs, in.Name)
	}
	for _, out := range spec.Outputs {
		s.outputs = append(s.outputs, out.Name)
	}
	return s, nil
}

func (s *SimulatedGPU) Name() string { return "simulation" }

func (s *SimulatedGPU) Device() model.Device { return s.device }

func (s *SimulatedGPU) InputNames() []string { return s.inputs }

func (s *SimulatedGPU) OutputNames() []string { return s.outputs }

func (s *SimulatedGPU) SupportsType(dt tensor.ElementType) bool {
	switch dt {
	case tensor.Int32, tensor.Float16, tensor.Float32, tensor.Float64:
		return true
	}
	return false
}

// Runs and Releases count invocations and released runs.
func (s *SimulatedGPU) Runs() int64 { return s.runs.Load() }

func (s *SimulatedGPU) Releases() int64 { return s.releases.Load() }

func (s *SimulatedGPU) Invoke(inputs []tensor.Descriptor, outputNames []string) ([]tensor.Descriptor, error) {
	if s.closed {
		return nil, errors.New("simulation engine is closed")
	}
	if s.held {
		return nil, errors.New("previous run resources were not released")
	}
	s.held = true
	s.runs.Add(1)

	var a, b *tensor.Descriptor
	for i := range inputs {
		switch inputs[i].Name {
		case s.inputs[0]:
			a = &inputs[i]
		case s.inputs[1]:
			b = &inputs[i]
		}
	}
	if a == nil || b == nil {
		return nil, errors.Errorf("simulation needs inputs '%s' and '%s'", s.inputs[0], s.inputs[1])
	}
	if a.Type != b.Type || !a.Shape.Equal(b.Shape) {
		return nil, errors.Errorf("simulation inputs disagree: %s%s vs %s%s", a.Type, a.Shape, b.Type, b.Shape)
	}

	s.simulateLatency(a.Shape)

	outputs := make([]tensor.Descriptor, 0, len(outputNames))
	for _, name := range outputNames {
		sign := 0
		switch name {
		case s.outputs[0]:
			sign = 1
		default:
			if len(s.outputs) > 1 && name == s.outputs[1] {
				sign = -1
			}
		}
		if sign == 0 {
			return nil, errors.Errorf("simulation: unknown output '%s'", name)
		}
		out, err := addSub(name, *a, *b, sign)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	s.live = outputs
	return outputs, nil
}

// ReleaseRun frees the buffers of the current run. Calling it with no run
// held is a no-op.
func (s *SimulatedGPU) ReleaseRun() {
	if !s.held {
		return
	}
	s.live = nil
	s.held = false
	s.releases.Add(1)
}

func (s *SimulatedGPU) Close() error {
	s.ReleaseRun()
	s.closed = true
	return nil
}

func (s *SimulatedGPU) simulateLatency(shape tensor.Shape) {
	if s.baseLatency <= 0 {
		return
	}
	rows := int64(1)
	if len(shape) > 0 {
		rows = shape[0]
	}
	// Real GPUs show sublinear latency growth, so batching pays off.
	latency := s.baseLatency + time.Duration(rows)*s.baseLatency*3/10
	time.Sleep(latency)
}

func addSub(name string, a, b tensor.Descriptor, sign int) (tensor.Descriptor, error) {
	shape := a.Shape.Clone()
	switch a.Type {
	case tensor.Int32:
		x, err := tensor.Int32s(a)
		if err != nil {
			return tensor.Descriptor{}, err
		}
		y, err := tensor.Int32s(b)
		if err != nil {
			return tensor.Descriptor{}, err
		}
		for i := range x {
			x[i] += int32(sign) * y[i]
		}
		return tensor.FromInt32s(name, shape, x), nil

	case tensor.Float64:
		x, err := tensor.Float64s(a)
		if err != nil {
			return tensor.Descriptor{}, err
		}
		y, err := tensor.Float64s(b)
		if err != nil {
			return tensor.Descriptor{}, err
		}
		for i := range x {
			x[i] += float64(sign) * y[i]
		}
		return tensor.FromFloat64s(name, shape, x), nil

	case tensor.Float16, tensor.Float32:
		x, err := tensor.Float32s(a)
		if err != nil {
			return tensor.Descriptor{}, err
		}
		y, err := tensor.Float32s(b)
		if err != nil {
			return tensor.Descriptor{}, err
		}
		for i := range x {
			x[i] += float32(sign) * y[i]
		}
		if a.Type == tensor.Float16 {
			return tensor.FromFloat16s(name, shape, x), nil
		}
		return tensor.FromFloat32s(name, shape, x), nil
	}
	return tensor.Descriptor{}, errors.Errorf("simulation: unsupported datatype %s", a.Type)
}
