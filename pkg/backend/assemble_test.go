package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunal/gpu-batch-executor/pkg/model"
	"github.com/kunal/gpu-batch-executor/pkg/status"
	"github.com/kunal/gpu-batch-executor/pkg/tensor"
)

func assemblerFor(spec *model.Spec) *Assembler {
	return &Assembler{Model: spec.Name, MaxBatchSize: spec.MaxBatchSize, Declared: spec.Inputs}
}

func TestAssembleConcatenatesRows(t *testing.T) {
	a := assemblerFor(fp32Spec(8, 2))
	p0, p1 := fp32Payload(1, 2, 0), fp32Payload(3, 2, 10)
	batch, err := a.AssembleInputs([]*Payload{p0, p1})
	require.NoError(t, err)

	assert.Equal(t, 4, batch.TotalBatchSize)
	require.Len(t, batch.Inputs, 1)
	merged := batch.Inputs[0]
	assert.Equal(t, tensor.Shape{4, 2}, merged.Shape)
	vals, err := tensor.Float32s(merged)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 10, 11, 12, 13, 14, 15}, vals)
}

func TestAssembleZeroTotalIsTrivial(t *testing.T) {
	a := assemblerFor(fp32Spec(8, 2))
	failed := fp32Payload(1, 2, 0)
	failed.Status = status.Errorf(status.Unavailable, "request timed out")

	batch, err := a.AssembleInputs([]*Payload{failed})
	require.NoError(t, err)
	assert.Zero(t, batch.TotalBatchSize)
	assert.Empty(t, batch.Inputs)
	assert.Empty(t, batch.Payloads)
	// Pre-existing failures are left untouched.
	assert.Equal(t, "request timed out", failed.Status.Error())
}

func TestAssembleSingleOversizedRequestIsTolerated(t *testing.T) {
	// A total of exactly one is accepted whatever the limit.
	a := &Assembler{Model: "m", MaxBatchSize: 0, Declared: fp32Spec(0, 2).Inputs}
	p := NewPayload(1, map[string]tensor.Descriptor{
		"INPUT0": tensor.FromFloat32s("INPUT0", tensor.Shape{2}, []float32{1, 2}),
	})
	batch, err := a.AssembleInputs([]*Payload{p})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.TotalBatchSize)
	assert.Equal(t, tensor.Shape{2}, batch.Inputs[0].Shape)
}

func TestAssembleIsolatesBadPayloads(t *testing.T) {
	tests := []struct {
		name    string
		bad     func() *Payload
		message string
	}{
		{
			name: "wrong datatype",
			bad: func() *Payload {
				return NewPayload(1, map[string]tensor.Descriptor{
					"INPUT0": tensor.FromInt32s("INPUT0", tensor.Shape{1, 2}, []int32{1, 2}),
				})
			},
			message: "unexpected datatype INT32",
		},
		{
			name:    "wrong row shape",
			bad:     func() *Payload { return fp32Payload(1, 3, 0) },
			message: "unexpected shape [1,3]",
		},
		{
			name: "batch dimension disagrees with batch size",
			bad: func() *Payload {
				p := fp32Payload(2, 2, 0)
				p.BatchSize = 1
				return p
			},
			message: "expects batch dimension 1",
		},
		{
			name: "byte size disagrees with shape",
			bad: func() *Payload {
				p := fp32Payload(1, 2, 0)
				d := p.Inputs["INPUT0"]
				d.Data = d.Data[:6]
				p.Inputs["INPUT0"] = d
				return p
			},
			message: "has 6 bytes, expected 8",
		},
		{
			name:    "missing input",
			bad:     func() *Payload { return NewPayload(1, map[string]tensor.Descriptor{}) },
			message: "expected input 'INPUT0'",
		},
		{
			name: "unknown input",
			bad: func() *Payload {
				p := fp32Payload(1, 2, 0)
				p.Inputs["EXTRA"] = rows(1, 2, 0)
				return p
			},
			message: "unexpected inference input 'EXTRA'",
		},
		{
			name: "batch size below one",
			bad: func() *Payload {
				p := fp32Payload(1, 2, 0)
				p.BatchSize = 0
				return p
			},
			message: "must be at least 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, e, err := newTestContext(fp32Spec(8, 2))
			require.NoError(t, err)
			d := NewDispatcher([]*ExecutionContext{c})

			good0, bad, good1 := fp32Payload(2, 2, 0), tt.bad(), fp32Payload(1, 2, 50)
			require.NoError(t, dispatchOnce(t, d, 0, []*Payload{good0, bad, good1}))

			require.Error(t, bad.Status)
			assert.True(t, status.Is(bad.Status, status.InvalidArg))
			assert.Contains(t, bad.Status.Error(), tt.message)
			assert.Nil(t, bad.Outputs)

			for _, p := range []*Payload{good0, good1} {
				require.NoError(t, p.Status)
				assert.Equal(t, p.Inputs["INPUT0"].Data, p.Outputs["OUTPUT0"].Data)
			}
			assert.Equal(t, int32(1), e.invocations.Load())
		})
	}
}

func TestAssembleRejectsShapeWhoseSizeOverflows(t *testing.T) {
	c, e, err := newTestContext(fp32Spec(4, tensor.VariableDim, 4))
	require.NoError(t, err)
	d := NewDispatcher([]*ExecutionContext{c})

	// 4 bytes * (2^62+1) * 4 wraps around to 16 in int64 arithmetic.
	bad := NewPayload(1, map[string]tensor.Descriptor{
		"INPUT0": {Name: "INPUT0", Type: tensor.Float32, Shape: tensor.Shape{1, 1<<62 + 1, 4}, Data: make([]byte, 16)},
	})
	good := NewPayload(1, map[string]tensor.Descriptor{
		"INPUT0": tensor.FromFloat32s("INPUT0", tensor.Shape{1, 2, 4}, []float32{1, 2, 3, 4, 5, 6, 7, 8}),
	})
	require.NoError(t, dispatchOnce(t, d, 0, []*Payload{bad, good}))

	require.Error(t, bad.Status)
	assert.True(t, status.Is(bad.Status, status.InvalidArg))
	assert.Contains(t, bad.Status.Error(), "is too large")
	assert.Nil(t, bad.Outputs)

	require.NoError(t, good.Status)
	require.Equal(t, int32(1), e.invocations.Load())
	require.Len(t, e.lastInputs, 1)
	assert.Equal(t, tensor.Shape{2, 2, 4}, e.lastInputs[0].Shape)
	assert.Len(t, e.lastInputs[0].Data, 64)
}

func TestDisperseRejectsOutputWhoseSizeOverflows(t *testing.T) {
	c, e, err := newTestContext(fp32Spec(4, tensor.VariableDim, 4))
	require.NoError(t, err)
	e.invoke = func(inputs []tensor.Descriptor, names []string) ([]tensor.Descriptor, error) {
		return []tensor.Descriptor{{
			Name: "OUTPUT0", Type: tensor.Float32, Shape: tensor.Shape{1, 1<<62 + 1, 4}, Data: make([]byte, 16),
		}}, nil
	}
	d := NewDispatcher([]*ExecutionContext{c})

	p := NewPayload(1, map[string]tensor.Descriptor{
		"INPUT0": tensor.FromFloat32s("INPUT0", tensor.Shape{1, 1, 4}, []float32{1, 2, 3, 4}),
	})
	err = dispatchOnce(t, d, 0, []*Payload{p})
	require.Error(t, err)
	assert.True(t, status.Is(err, status.Internal))
	assert.Contains(t, err.Error(), "which is too large")
	assert.Error(t, p.Status)
	assert.Nil(t, p.Outputs)
}

func TestAssembleFailedMemberKeepsZeroRows(t *testing.T) {
	a := assemblerFor(fp32Spec(8, 2))
	bad := NewPayload(1, map[string]tensor.Descriptor{
		"INPUT0": tensor.FromInt32s("INPUT0", tensor.Shape{1, 2}, []int32{7, 7}),
	})
	good := fp32Payload(1, 2, 3)
	batch, err := a.AssembleInputs([]*Payload{bad, good})
	require.NoError(t, err)
	assert.Equal(t, 2, batch.TotalBatchSize)
	vals, err := tensor.Float32s(batch.Inputs[0])
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 3, 4}, vals)
}

func TestAssembleAllFailedSkipsEngine(t *testing.T) {
	c, e, err := newTestContext(fp32Spec(8, 2))
	require.NoError(t, err)
	d := NewDispatcher([]*ExecutionContext{c})

	bad := fp32Payload(1, 5, 0)
	require.NoError(t, dispatchOnce(t, d, 0, []*Payload{bad}))
	assert.Error(t, bad.Status)
	assert.Zero(t, e.invocations.Load())
}

func TestAssembleVariableDims(t *testing.T) {
	spec := fp32Spec(8, tensor.VariableDim)
	a := assemblerFor(spec)

	batch, err := a.AssembleInputs([]*Payload{fp32Payload(1, 5, 0), fp32Payload(2, 5, 0)})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{3, 5}, batch.Inputs[0].Shape)

	// Both requests satisfy [-1]; which one is wrong cannot be decided.
	_, err = a.AssembleInputs([]*Payload{fp32Payload(1, 5, 0), fp32Payload(1, 6, 0)})
	require.Error(t, err)
	assert.True(t, status.Is(err, status.Internal))
	assert.Contains(t, err.Error(), "cannot be batched together")
}

func TestVariableDimsRoundTrip(t *testing.T) {
	c, _, err := newTestContext(fp32Spec(8, tensor.VariableDim))
	require.NoError(t, err)
	d := NewDispatcher([]*ExecutionContext{c})

	payloads := []*Payload{fp32Payload(2, 4, 0), fp32Payload(1, 4, 9)}
	require.NoError(t, dispatchOnce(t, d, 0, payloads))
	for _, p := range payloads {
		require.NoError(t, p.Status)
		assert.Equal(t, tensor.Shape{int64(p.BatchSize), 4}, p.Outputs["OUTPUT0"].Shape)
		assert.Equal(t, p.Inputs["INPUT0"].Data, p.Outputs["OUTPUT0"].Data)
	}
}

func TestAssembleOverrides(t *testing.T) {
	spec := fp32Spec(8, 2)
	a := assemblerFor(spec)
	a.KnownInput = func(name string) bool { return name == "INPUT0" || name == "STATE" }

	withOverride := func(name string, bs int, vals []int32) *Payload {
		p := fp32Payload(bs, 2, 0)
		p.InputOverrides = map[string]tensor.Descriptor{
			name: tensor.FromInt32s(name, tensor.Shape{int64(bs), 1}, vals),
		}
		return p
	}

	p0 := withOverride("STATE", 1, []int32{5})
	plain := fp32Payload(2, 2, 0)
	p2 := withOverride("STATE", 1, []int32{9})
	conflicting := withOverride("INPUT0", 1, []int32{1})
	unknown := withOverride("BOGUS", 1, []int32{1})

	batch, err := a.AssembleInputs([]*Payload{p0, plain, p2, conflicting, unknown})
	require.NoError(t, err)
	require.Len(t, batch.Inputs, 2)

	state := batch.Inputs[1]
	assert.Equal(t, "STATE", state.Name)
	assert.Equal(t, tensor.Shape{6, 1}, state.Shape)
	vals, err := tensor.Int32s(state)
	require.NoError(t, err)
	assert.Equal(t, []int32{5, 0, 0, 9, 0, 0}, vals)

	assert.NoError(t, p0.Status)
	assert.NoError(t, plain.Status)
	assert.NoError(t, p2.Status)
	require.Error(t, conflicting.Status)
	assert.Contains(t, conflicting.Status.Error(), "conflicts with a declared input")
	require.Error(t, unknown.Status)
	assert.Contains(t, unknown.Status.Error(), "unexpected inference input override 'BOGUS'")
}

func TestAssembleOverrideShapeMismatchIsIsolated(t *testing.T) {
	a := assemblerFor(fp32Spec(8, 2))
	first := fp32Payload(1, 2, 0)
	first.InputOverrides = map[string]tensor.Descriptor{
		"STATE": tensor.FromInt32s("STATE", tensor.Shape{1, 1}, []int32{1}),
	}
	second := fp32Payload(1, 2, 0)
	second.InputOverrides = map[string]tensor.Descriptor{
		"STATE": tensor.FromInt32s("STATE", tensor.Shape{1, 2}, []int32{1, 2}),
	}
	batch, err := a.AssembleInputs([]*Payload{first, second})
	require.NoError(t, err)
	assert.NoError(t, first.Status)
	require.Error(t, second.Status)
	assert.Equal(t, tensor.Shape{2, 1}, batch.Inputs[1].Shape)
}

func TestAssembleVariableWidthOverrideIsUnsupported(t *testing.T) {
	a := assemblerFor(fp32Spec(8, 2))
	p := fp32Payload(1, 2, 0)
	p.InputOverrides = map[string]tensor.Descriptor{
		"PROMPT": {Name: "PROMPT", Type: tensor.String, Shape: tensor.Shape{1, 1}, Data: []byte("hi")},
	}
	peer := fp32Payload(1, 2, 10)

	batch, err := a.AssembleInputs([]*Payload{p, peer})
	require.NoError(t, err)
	require.Error(t, p.Status)
	assert.True(t, status.Is(p.Status, status.Unsupported))
	assert.Contains(t, p.Status.Error(), "unsupported datatype STRING for input override 'PROMPT'")
	assert.NoError(t, peer.Status)
	// Only the declared input is merged.
	require.Len(t, batch.Inputs, 1)
	assert.Equal(t, "INPUT0", batch.Inputs[0].Name)
}
