// Package executor defines the compute engine contract used by the batching
// core, a registry of engine variants, and the built-in variants:
//
//   - "identity": every output echoes the input declared at the same position.
//   - "simulation": an add/sub model (OUTPUT0 = INPUT0+INPUT1,
//     OUTPUT1 = INPUT0-INPUT1) with latency that grows with the batch.
package executor

import (
	"sort"
	"sync"
	"time"

	"github.com/kunal/gpu-batch-executor/pkg/model"
	"github.com/kunal/gpu-batch-executor/pkg/status"
)

// Options configure one engine instance.
type Options struct {
	Device model.Device

	// BaseLatency is the per-invocation latency of simulated engines.
	BaseLatency time.Duration

	// ModelPath is the serialized model file of runtime-backed engines.
	ModelPath string
}

// Constructor creates an engine for a model on one compute resource.
type Constructor func(spec *model.Spec, opts Options) (Engine, error)

var (
	registryMu   sync.RWMutex
	constructors = make(map[string]Constructor)
)

// Register makes an engine variant available by name. Call it from init.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := constructors[name]; ok {
		panic("executor: engine " + name + " already registered")
	}
	constructors[name] = ctor
}

// New creates an engine of the named variant. An unregistered name is a
// status.NotFound error.
func New(name string, spec *model.Spec, opts Options) (Engine, error) {
	registryMu.RLock()
	ctor, ok := constructors[name]
	registryMu.RUnlock()
	if !ok {
		return nil, status.Errorf(status.NotFound, "unknown engine %q, registered engines are %v", name, Names())
	}
	return ctor(spec, opts)
}

// Names lists registered engine variants, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(constructors))
	for n := range constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
