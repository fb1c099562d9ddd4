package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunal/gpu-batch-executor/pkg/tensor"
)

const simpleConfig = `
name: simple
engine: simulation
max_batch_size: 8
input:
  - {name: INPUT0, data_type: TYPE_FP32, dims: [16]}
  - {name: INPUT1, data_type: FP32, dims: [16]}
output:
  - {name: OUTPUT0, data_type: FP32, dims: [16]}
  - {name: OUTPUT1, data_type: FP32, dims: [16]}
instance_group:
  - {name: simple, kind: KIND_GPU, count: 2, gpus: [0, 1], max_batch_size: 4}
  - {kind: KIND_CPU}
dynamic_batching:
  max_queue_delay_ms: 5
  default_timeout_ms: 250
`

func TestParseConfig(t *testing.T) {
	spec, err := ParseConfig([]byte(simpleConfig))
	require.NoError(t, err)

	assert.Equal(t, "simple", spec.Name)
	assert.Equal(t, "simulation", spec.Engine)
	assert.True(t, spec.BatchingEnabled())
	require.Len(t, spec.Inputs, 2)
	assert.Equal(t, tensor.Float32, spec.Inputs[0].Type)
	assert.Equal(t, tensor.Shape{16}, spec.Inputs[0].Dims)
	assert.Equal(t, []string{"OUTPUT0", "OUTPUT1"}, spec.OutputNames())
	assert.Equal(t, 250, spec.DynamicBatching.DefaultTimeoutMs)
}

func TestExpandInstances(t *testing.T) {
	spec, err := ParseConfig([]byte(simpleConfig))
	require.NoError(t, err)

	instances := spec.ExpandInstances()
	require.Len(t, instances, 5)

	want := []Instance{
		{Name: "simple_0_gpu0", Device: 0, MaxBatchSize: 4},
		{Name: "simple_0_gpu1", Device: 1, MaxBatchSize: 4},
		{Name: "simple_1_gpu0", Device: 0, MaxBatchSize: 4},
		{Name: "simple_1_gpu1", Device: 1, MaxBatchSize: 4},
		{Name: "simple_1_0_cpu", Device: NoDevice, MaxBatchSize: 8},
	}
	assert.Equal(t, want, instances)
	assert.Equal(t, "gpu1", instances[1].Device.String())
	assert.Equal(t, "cpu", instances[4].Device.String())
}

func TestEffectiveMaxBatchSize(t *testing.T) {
	assert.Equal(t, 0, EffectiveMaxBatchSize(0, 4))
	assert.Equal(t, 4, EffectiveMaxBatchSize(8, 4))
	assert.Equal(t, 8, EffectiveMaxBatchSize(8, 0))
	assert.Equal(t, 8, EffectiveMaxBatchSize(8, 16))
}

func TestParseConfigErrors(t *testing.T) {
	for name, cfg := range map[string]string{
		"unknown key":     "name: m\nbogus: 1\n",
		"missing name":    "input: [{name: a, data_type: FP32, dims: [1]}]\noutput: [{name: b, data_type: FP32, dims: [1]}]\n",
		"bad type":        "name: m\ninput: [{name: a, data_type: FP8, dims: [1]}]\noutput: [{name: b, data_type: FP32, dims: [1]}]\n",
		"duplicate input": "name: m\ninput: [{name: a, data_type: FP32, dims: [1]}, {name: a, data_type: FP32, dims: [1]}]\noutput: [{name: b, data_type: FP32, dims: [1]}]\n",
		"zero dim":        "name: m\ninput: [{name: a, data_type: FP32, dims: [0]}]\noutput: [{name: b, data_type: FP32, dims: [1]}]\n",
		"no outputs":      "name: m\ninput: [{name: a, data_type: FP32, dims: [1]}]\n",
		"negative batch":  "name: m\nmax_batch_size: -1\ninput: [{name: a, data_type: FP32, dims: [1]}]\noutput: [{name: b, data_type: FP32, dims: [1]}]\n",
		"bad kind":        "name: m\ninput: [{name: a, data_type: FP32, dims: [1]}]\noutput: [{name: b, data_type: FP32, dims: [1]}]\ninstance_group: [{kind: TPU}]\n",
		"zero count":      "name: m\ninput: [{name: a, data_type: FP32, dims: [1]}]\noutput: [{name: b, data_type: FP32, dims: [1]}]\ninstance_group: [{kind: KIND_CPU, count: 0}]\n",
	} {
		_, err := ParseConfig([]byte(cfg))
		assert.Error(t, err, name)
	}
}

func TestLoadConfigDefaultsToOneCPUInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.yaml")
	cfg := "name: m\ninput: [{name: a, data_type: INT32, dims: [-1]}]\noutput: [{name: b, data_type: INT32, dims: [-1]}]\n"
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	spec, err := LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, spec.BatchingEnabled())
	assert.Equal(t, []Instance{{Name: "m_0_0_cpu", Device: NoDevice, MaxBatchSize: 0}}, spec.ExpandInstances())

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
