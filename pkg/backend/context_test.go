package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunal/gpu-batch-executor/pkg/model"
	"github.com/kunal/gpu-batch-executor/pkg/status"
	"github.com/kunal/gpu-batch-executor/pkg/tensor"
)

func TestValidateRejectsUnknownNames(t *testing.T) {
	spec := fp32Spec(4, 3)
	e := newFakeEngine(spec)
	e.inputs = []string{"B", "A"}
	_, err := NewExecutionContext(spec, model.Instance{Name: "simple_0_cpu", Device: model.NoDevice}, e)
	require.Error(t, err)
	assert.True(t, status.Is(err, status.InvalidArg))
	assert.EqualError(t, err, "unexpected inference input 'INPUT0', allowed inputs are: A, B")

	e = newFakeEngine(spec)
	e.outputs = nil
	_, err = NewExecutionContext(spec, model.Instance{Name: "simple_0_cpu", Device: model.NoDevice}, e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected inference output 'OUTPUT0'")
}

func TestValidateRejectsUnsupportedTypes(t *testing.T) {
	spec := fp32Spec(4, 3)
	e := newFakeEngine(spec)
	e.reject = map[tensor.ElementType]bool{tensor.Float32: true}
	_, err := NewExecutionContext(spec, model.Instance{Name: "simple_0_cpu", Device: model.NoDevice}, e)
	require.Error(t, err)
	assert.True(t, status.Is(err, status.Internal))
	assert.EqualError(t, err, "unsupported datatype FP32 for input 'INPUT0' for model 'simple'")

	spec.Outputs[0].Type = tensor.String
	_, err = NewExecutionContext(spec, model.Instance{Name: "simple_0_cpu", Device: model.NoDevice}, newFakeEngine(spec))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported datatype STRING for output 'OUTPUT0'")
}

func TestReleaseIsIdempotent(t *testing.T) {
	c, e, err := newTestContext(fp32Spec(4, 3))
	require.NoError(t, err)
	assert.Equal(t, StateIdle, c.State())

	p := fp32Payload(1, 3, 0)
	require.NoError(t, c.Run([]*Payload{p}))
	assert.Equal(t, int32(1), e.releases.Load())
	assert.Nil(t, c.inputBuffers)
	assert.Nil(t, c.outputBuffers)
	assert.Zero(t, c.arena.count())

	c.Release()
	c.Release()
	assert.Equal(t, int32(1), e.releases.Load())
	assert.Equal(t, StateReleased, c.State())
}

func TestRunReleasesWhenAssemblyFails(t *testing.T) {
	c, e, err := newTestContext(fp32Spec(2, 3))
	require.NoError(t, err)

	err = c.Run([]*Payload{fp32Payload(2, 3, 0), fp32Payload(1, 3, 0)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dynamic batch size 3 for 'simple', max allowed is 2")
	assert.Zero(t, e.invocations.Load())
	assert.Zero(t, e.releases.Load())
	assert.Equal(t, StateReleased, c.State())
	assert.Zero(t, c.arena.count())
}

func TestCloseOnce(t *testing.T) {
	c, e, err := newTestContext(fp32Spec(4, 3))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, int32(1), e.closes.Load())
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "AssemblingInputs", StateAssembling.String())
	assert.Equal(t, "DispersingOutputs", StateDispersing.String())
	assert.Equal(t, "Released", StateReleased.String())
}
