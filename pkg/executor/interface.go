package executor

import (
	"github.com/kunal/gpu-batch-executor/pkg/model"
	"github.com/kunal/gpu-batch-executor/pkg/tensor"
)

// Engine is the compute engine of one model instance. It is bound to a
// single compute resource for its whole lifetime.
//
// An Engine is used by exactly one execution context, which never calls it
// concurrently.
type Engine interface {
	// Name returns the engine type for logging.
	Name() string

	// Device is the compute resource the engine was created on.
	Device() model.Device

	// InputNames and OutputNames are every tensor name the loaded model
	// accepts or can produce.
	InputNames() []string
	OutputNames() []string

	// SupportsType reports whether the engine can hold tensors of the type.
	SupportsType(tensor.ElementType) bool

	// Invoke runs one forward pass over batched inputs and returns the
	// requested outputs.
	Invoke(inputs []tensor.Descriptor, outputNames []string) ([]tensor.Descriptor, error)

	// Close releases the engine's long-lived resources.
	Close() error
}

// RunReleaser is implemented by engines holding per-run handles (device
// buffers, runtime values) that must be freed after each run.
type RunReleaser interface {
	ReleaseRun()
}
