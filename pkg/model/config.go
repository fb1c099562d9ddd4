package model

import (
	"bytes"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/kunal/gpu-batch-executor/pkg/tensor"
)

type ioConfig struct {
	Name     string  `yaml:"name"`
	DataType string  `yaml:"data_type"`
	Dims     []int64 `yaml:"dims"`
}

type instanceGroupConfig struct {
	Name         string `yaml:"name"`
	Kind         string `yaml:"kind"`
	Count        *int   `yaml:"count"`
	GPUs         []int  `yaml:"gpus"`
	MaxBatchSize int    `yaml:"max_batch_size"`
}

type dynamicBatchingConfig struct {
	MaxQueueDelayMs  int `yaml:"max_queue_delay_ms"`
	DefaultTimeoutMs int `yaml:"default_timeout_ms"`
}

type fileConfig struct {
	Name            string                `yaml:"name"`
	Engine          string                `yaml:"engine"`
	MaxBatchSize    int                   `yaml:"max_batch_size"`
	Input           []ioConfig            `yaml:"input"`
	Output          []ioConfig            `yaml:"output"`
	InstanceGroup   []instanceGroupConfig `yaml:"instance_group"`
	DynamicBatching dynamicBatchingConfig `yaml:"dynamic_batching"`
}

// LoadConfig reads and validates a YAML model configuration file.
func LoadConfig(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading model config %q", path)
	}
	spec, err := ParseConfig(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "model config %q", path)
	}
	return spec, nil
}

// ParseConfig decodes a YAML model configuration. Unknown keys are rejected.
// A configuration without instance groups gets a single CPU instance.
func ParseConfig(data []byte) (*Spec, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return nil, errors.Wrap(err, "decoding model config")
	}

	spec := &Spec{
		Name:         fc.Name,
		Engine:       fc.Engine,
		MaxBatchSize: fc.MaxBatchSize,
		DynamicBatching: DynamicBatching{
			MaxQueueDelayMs:  fc.DynamicBatching.MaxQueueDelayMs,
			DefaultTimeoutMs: fc.DynamicBatching.DefaultTimeoutMs,
		},
	}
	var err error
	if spec.Inputs, err = convertIOs("input", fc.Input); err != nil {
		return nil, err
	}
	if spec.Outputs, err = convertIOs("output", fc.Output); err != nil {
		return nil, err
	}

	for i, g := range fc.InstanceGroup {
		group := InstanceGroup{Name: g.Name, GPUs: g.GPUs, MaxBatchSize: g.MaxBatchSize, Count: 1}
		if g.Count != nil {
			group.Count = *g.Count
		}
		kind := strings.ToUpper(g.Kind)
		if kind == "" {
			kind = "KIND_CPU"
			if len(g.GPUs) > 0 {
				kind = "KIND_GPU"
			}
		}
		switch kind {
		case "KIND_GPU", "GPU":
			group.Kind = KindGPU
			if len(group.GPUs) == 0 {
				group.GPUs = []int{0}
			}
		case "KIND_CPU", "CPU":
			group.Kind = KindCPU
		default:
			return nil, errors.Errorf("instance_group[%d]: unknown kind %q", i, g.Kind)
		}
		spec.InstanceGroups = append(spec.InstanceGroups, group)
	}
	if len(spec.InstanceGroups) == 0 {
		spec.InstanceGroups = []InstanceGroup{{Kind: KindCPU, Count: 1}}
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func convertIOs(kind string, ios []ioConfig) ([]IOSpec, error) {
	out := make([]IOSpec, 0, len(ios))
	for _, io := range ios {
		dt, err := tensor.ParseElementType(io.DataType)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s '%s'", kind, io.Name)
		}
		out = append(out, IOSpec{Name: io.Name, Type: dt, Dims: tensor.Shape(io.Dims)})
	}
	return out, nil
}

// Validate checks the structural invariants of a Spec.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return errors.New("model name is required")
	}
	if s.MaxBatchSize < 0 {
		return errors.Errorf("model '%s': max_batch_size must be >= 0, got %d", s.Name, s.MaxBatchSize)
	}
	if len(s.Inputs) == 0 {
		return errors.Errorf("model '%s': at least one input is required", s.Name)
	}
	if len(s.Outputs) == 0 {
		return errors.Errorf("model '%s': at least one output is required", s.Name)
	}
	if err := validateIOs(s.Name, "input", s.Inputs); err != nil {
		return err
	}
	if err := validateIOs(s.Name, "output", s.Outputs); err != nil {
		return err
	}
	for i, g := range s.InstanceGroups {
		if g.Count < 1 {
			return errors.Errorf("model '%s': instance_group[%d] count must be >= 1", s.Name, i)
		}
		if g.MaxBatchSize < 0 {
			return errors.Errorf("model '%s': instance_group[%d] max_batch_size must be >= 0", s.Name, i)
		}
		for _, gpu := range g.GPUs {
			if gpu < 0 {
				return errors.Errorf("model '%s': instance_group[%d] has negative gpu %d", s.Name, i, gpu)
			}
		}
	}
	return nil
}

func validateIOs(model, kind string, ios []IOSpec) error {
	seen := make(map[string]bool, len(ios))
	for _, io := range ios {
		if io.Name == "" {
			return errors.Errorf("model '%s': %s without a name", model, kind)
		}
		if seen[io.Name] {
			return errors.Errorf("model '%s': duplicate %s '%s'", model, kind, io.Name)
		}
		seen[io.Name] = true
		if io.Type == tensor.Invalid {
			return errors.Errorf("model '%s': %s '%s' has no data type", model, kind, io.Name)
		}
		for _, d := range io.Dims {
			if d == 0 || d < tensor.VariableDim {
				return errors.Errorf("model '%s': %s '%s' has invalid dims %s", model, kind, io.Name, io.Dims)
			}
		}
	}
	return nil
}
