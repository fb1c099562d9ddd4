package executor

import (
	"github.com/pkg/errors"

	"github.com/kunal/gpu-batch-executor/pkg/model"
	"github.com/kunal/gpu-batch-executor/pkg/tensor"
)

func init() {
	Register("identity", NewIdentity)
}

// Identity copies the i-th declared input to the i-th declared output.
type Identity struct {
	device  model.Device
	inputs  []string
	outputs []string
	source  map[string]string // output name -> input name
}

// NewIdentity pairs declared outputs with declared inputs by position.
func NewIdentity(spec *model.Spec, opts Options) (Engine, error) {
	if len(spec.Outputs) > len(spec.Inputs) {
		return nil, errors.Errorf("identity engine for '%s': %d outputs but only %d inputs", spec.Name, len(spec.Outputs), len(spec.Inputs))
	}
	e := &Identity{device: opts.Device, source: make(map[string]string, len(spec.Outputs))}
	for _, in := range spec.Inputs {
		e.inputs = append(e.inputs, in.Name)
	}
	for i, out := range spec.Outputs {
		e.outputs = append(e.outputs, out.Name)
		e.source[out.Name] = spec.Inputs[i].Name
	}
	return e, nil
}

func (e *Identity) Name() string { return "identity" }

func (e *Identity) Device() model.Device { return e.device }

func (e *Identity) InputNames() []string { return e.inputs }

func (e *Identity) OutputNames() []string { return e.outputs }

func (e *Identity) Close() error { return nil }

func (e *Identity) SupportsType(dt tensor.ElementType) bool { return dt.IsFixedWidth() }

func (e *Identity) Invoke(inputs []tensor.Descriptor, outputNames []string) ([]tensor.Descriptor, error) {
	byName := make(map[string]tensor.Descriptor, len(inputs))
	for _, in := range inputs {
		byName[in.Name] = in
	}
	outputs := make([]tensor.Descriptor, 0, len(outputNames))
	for _, name := range outputNames {
		src, ok := e.source[name]
		if !ok {
			return nil, errors.Errorf("identity: unknown output '%s'", name)
		}
		in, ok := byName[src]
		if !ok {
			return nil, errors.Errorf("identity: output '%s' needs input '%s', which was not provided", name, src)
		}
		out := in.Clone()
		out.Name = name
		outputs = append(outputs, out)
	}
	return outputs, nil
}
