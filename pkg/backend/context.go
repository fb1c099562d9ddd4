package backend

import (
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/kunal/gpu-batch-executor/pkg/executor"
	"github.com/kunal/gpu-batch-executor/pkg/model"
	"github.com/kunal/gpu-batch-executor/pkg/status"
	"github.com/kunal/gpu-batch-executor/pkg/tensor"
)

// State is the phase of the current (or last) run of a context.
type State int

const (
	StateIdle State = iota
	StateAssembling
	StateInvoking
	StateDispersing
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAssembling:
		return "AssemblingInputs"
	case StateInvoking:
		return "Invoking"
	case StateDispersing:
		return "DispersingOutputs"
	case StateReleased:
		return "Released"
	}
	return "Unknown"
}

// ExecutionContext owns one instance's engine and the buffers of the run
// in progress. It is not safe for concurrent use: the dispatcher binds
// exactly one worker to each context.
type ExecutionContext struct {
	name         string
	device       model.Device
	maxBatchSize int
	spec         *model.Spec
	engine       executor.Engine

	state         State
	inputBuffers  []tensor.Descriptor
	outputBuffers []tensor.Descriptor
	arena         arena
	holding       bool // the engine holds resources for this run

	closeOnce sync.Once
	closeErr  error
}

// NewExecutionContext binds engine to inst and checks that the engine
// accepts every declared input and output of spec. The engine is not
// closed on failure; that is left to the caller who created it.
func NewExecutionContext(spec *model.Spec, inst model.Instance, engine executor.Engine) (*ExecutionContext, error) {
	c := &ExecutionContext{
		name:         inst.Name,
		device:       inst.Device,
		maxBatchSize: inst.MaxBatchSize,
		spec:         spec,
		engine:       engine,
	}
	if err := c.ValidateInputs(spec.Inputs); err != nil {
		return nil, err
	}
	if err := c.ValidateOutputs(spec.Outputs); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ExecutionContext) Name() string { return c.name }

func (c *ExecutionContext) Device() model.Device { return c.device }

// MaxBatchSize is the effective limit of the bound instance; 0 means
// batching is disabled.
func (c *ExecutionContext) MaxBatchSize() int { return c.maxBatchSize }

func (c *ExecutionContext) State() State { return c.state }

// ValidateInputs checks each declared input against the engine's reported
// input names and supported types.
func (c *ExecutionContext) ValidateInputs(declared []model.IOSpec) error {
	return c.validate(declared, c.engine.InputNames(), "input")
}

// ValidateOutputs checks each declared output against the engine's
// reported output names and supported types.
func (c *ExecutionContext) ValidateOutputs(declared []model.IOSpec) error {
	return c.validate(declared, c.engine.OutputNames(), "output")
}

func (c *ExecutionContext) validate(declared []model.IOSpec, reported []string, kind string) error {
	allowed := make(map[string]bool, len(reported))
	for _, n := range reported {
		allowed[n] = true
	}
	for _, io := range declared {
		if !allowed[io.Name] {
			return status.Errorf(status.InvalidArg,
				"unexpected inference %s '%s', allowed %ss are: %s", kind, io.Name, kind, joinSorted(reported))
		}
		if !io.Type.IsFixedWidth() || !c.engine.SupportsType(io.Type) {
			return status.Errorf(status.Internal,
				"unsupported datatype %s for %s '%s' for model '%s'", io.Type, kind, io.Name, c.spec.Name)
		}
	}
	return nil
}

func joinSorted(names []string) string {
	s := append([]string(nil), names...)
	sort.Strings(s)
	return strings.Join(s, ", ")
}

// Run executes one batch: assemble, invoke, disperse. Run-scoped buffers
// are released on every path before it returns.
//
// A returned error is a batch-level failure; failures attributable to one
// payload are left in that payload's Status.
func (c *ExecutionContext) Run(payloads []*Payload) error {
	defer c.Release()

	klog.V(1).Infof("Running %s with %d request payloads", c.name, len(payloads))

	c.state = StateAssembling
	assembler := &Assembler{
		Model:        c.spec.Name,
		MaxBatchSize: c.maxBatchSize,
		Declared:     c.spec.Inputs,
		KnownInput:   c.knownInput,
		Alloc:        c.arena.alloc,
	}
	batch, err := assembler.AssembleInputs(payloads)
	if err != nil {
		return err
	}
	if batch.TotalBatchSize == 0 || !batch.Runnable() {
		return nil
	}
	c.inputBuffers = batch.Inputs
	if klog.V(2).Enabled() {
		klog.Infof("%s: batch of %d rows, %s of input buffers", c.name, batch.TotalBatchSize, humanize.IBytes(uint64(c.arena.bytes)))
	}

	c.state = StateInvoking
	c.holding = true
	outputs, err := c.engine.Invoke(c.inputBuffers, c.spec.OutputNames())
	if err != nil {
		return status.Wrapf(status.Internal, err, "failed to run model '%s' on instance '%s'", c.spec.Name, c.name)
	}
	c.outputBuffers = outputs

	c.state = StateDispersing
	disperser := &Disperser{Model: c.spec.Name, Declared: c.spec.Outputs}
	return disperser.Disperse(c.outputBuffers, batch)
}

func (c *ExecutionContext) knownInput(name string) bool {
	for _, n := range c.engine.InputNames() {
		if n == name {
			return true
		}
	}
	return false
}

// Release frees every run-scoped buffer and engine handle. It is safe to
// call any number of times; only the first call after a run does work.
func (c *ExecutionContext) Release() {
	if c.holding {
		if rr, ok := c.engine.(executor.RunReleaser); ok {
			rr.ReleaseRun()
		}
		c.holding = false
	}
	if n := c.arena.free(); n > 0 {
		klog.V(2).Infof("%s: released %s of run buffers", c.name, humanize.IBytes(uint64(n)))
	}
	c.inputBuffers = nil
	c.outputBuffers = nil
	c.state = StateReleased
}

// Close releases any run still held and the engine itself. Only the first
// call has an effect.
func (c *ExecutionContext) Close() error {
	c.closeOnce.Do(func() {
		c.Release()
		c.closeErr = c.engine.Close()
		klog.V(1).Infof("Closed instance %s", c.name)
	})
	return c.closeErr
}
