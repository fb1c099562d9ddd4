// Package model holds the immutable description of a served model and of
// the replicas (instances) it runs on.
package model

import (
	"fmt"

	"github.com/kunal/gpu-batch-executor/pkg/tensor"
)

// NoDevice is the Device of an instance bound to a CPU thread.
const NoDevice Device = -1

// Device identifies the compute resource an instance is bound to: NoDevice
// for CPU, otherwise a GPU index.
type Device int

func (d Device) IsGPU() bool { return d >= 0 }

func (d Device) String() string {
	if !d.IsGPU() {
		return "cpu"
	}
	return fmt.Sprintf("gpu%d", int(d))
}

// IOSpec declares one model input or output. Dims exclude the batch dimension.
type IOSpec struct {
	Name string
	Type tensor.ElementType
	Dims tensor.Shape
}

// DynamicBatching tunes the upstream queue.
type DynamicBatching struct {
	MaxQueueDelayMs  int
	DefaultTimeoutMs int
}

// Spec is set once at load time and never mutated afterwards.
type Spec struct {
	Name string

	// Engine names the registered compute engine variant.
	Engine string

	// MaxBatchSize of 0 disables batching: every run carries exactly one
	// logical unit.
	MaxBatchSize int

	Inputs  []IOSpec
	Outputs []IOSpec

	InstanceGroups  []InstanceGroup
	DynamicBatching DynamicBatching
}

// BatchingEnabled reports whether requests may be merged.
func (s *Spec) BatchingEnabled() bool { return s.MaxBatchSize > 0 }

// OutputNames returns declared output names in declared order.
func (s *Spec) OutputNames() []string {
	names := make([]string, len(s.Outputs))
	for i, o := range s.Outputs {
		names[i] = o.Name
	}
	return names
}
