package model

import (
	"fmt"
)

// InstanceKind selects CPU or GPU replicas for an InstanceGroup.
type InstanceKind int

const (
	KindCPU InstanceKind = iota
	KindGPU
)

func (k InstanceKind) String() string {
	if k == KindGPU {
		return "KIND_GPU"
	}
	return "KIND_CPU"
}

// InstanceGroup is one configured replica group.
type InstanceGroup struct {
	Name  string
	Kind  InstanceKind
	Count int
	GPUs  []int

	// MaxBatchSize optionally lowers the model's limit for this group; 0
	// keeps the model's.
	MaxBatchSize int
}

// Instance is one replica bound to one compute resource.
type Instance struct {
	Name         string
	Device       Device
	MaxBatchSize int
}

// EffectiveMaxBatchSize is the smaller of the model's and the replica's
// limits. A model limit of 0 (batching disabled) always wins.
func EffectiveMaxBatchSize(modelMax, replicaMax int) int {
	if modelMax <= 0 {
		return 0
	}
	if replicaMax > 0 && replicaMax < modelMax {
		return replicaMax
	}
	return modelMax
}

// ExpandInstances creates one Instance per CPU replica and one per
// (replica, GPU) pair, in configuration order.
func (s *Spec) ExpandInstances() []Instance {
	var out []Instance
	for gi, g := range s.InstanceGroups {
		name := g.Name
		if name == "" {
			name = fmt.Sprintf("%s_%d", s.Name, gi)
		}
		mbs := EffectiveMaxBatchSize(s.MaxBatchSize, g.MaxBatchSize)
		for c := 0; c < g.Count; c++ {
			if g.Kind == KindCPU {
				out = append(out, Instance{
					Name:         fmt.Sprintf("%s_%d_cpu", name, c),
					Device:       NoDevice,
					MaxBatchSize: mbs,
				})
				continue
			}
			for _, gpu := range g.GPUs {
				out = append(out, Instance{
					Name:         fmt.Sprintf("%s_%d_gpu%d", name, c, gpu),
					Device:       Device(gpu),
					MaxBatchSize: mbs,
				})
			}
		}
	}
	return out
}
