//go:build onnx

package executor

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunal/gpu-batch-executor/pkg/model"
	"github.com/kunal/gpu-batch-executor/pkg/tensor"
)

func singleIOSpec() *model.Spec {
	return &model.Spec{
		Name:         "classifier",
		MaxBatchSize: 8,
		Inputs:       []model.IOSpec{{Name: "input", Type: tensor.Float32, Dims: tensor.Shape{4}}},
		Outputs:      []model.IOSpec{{Name: "output", Type: tensor.Float32, Dims: tensor.Shape{2}}},
	}
}

func TestONNXRejectsUnusableConfigs(t *testing.T) {
	assert.Contains(t, Names(), "onnx")

	_, err := New("onnx", singleIOSpec(), Options{Device: model.NoDevice})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a model path")

	_, err = New("onnx", addSubSpec(tensor.Float32), Options{Device: model.NoDevice, ModelPath: "model.onnx"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "supports one input and one output")

	_, err = New("onnx", singleIOSpec(), Options{Device: model.NoDevice, ModelPath: "does-not-exist.onnx"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading does-not-exist.onnx on cpu")
}

// ONNX_TEST_MODEL names a single-input, single-output FP32 model whose input
// takes a [batch, 4] tensor.
func TestONNXInvokeHoldsOutputUntilReleased(t *testing.T) {
	path := os.Getenv("ONNX_TEST_MODEL")
	if path == "" {
		t.Skip("ONNX_TEST_MODEL not set")
	}
	e, err := New("onnx", singleIOSpec(), Options{Device: model.NoDevice, ModelPath: path})
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, model.NoDevice, e.Device())
	assert.True(t, e.SupportsType(tensor.Float32))
	assert.False(t, e.SupportsType(tensor.Float16))
	require.Len(t, e.InputNames(), 1)
	require.Len(t, e.OutputNames(), 1)

	in := tensor.FromFloat32s(e.InputNames()[0], tensor.Shape{2, 4}, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	outs, err := e.Invoke([]tensor.Descriptor{in}, e.OutputNames())
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, tensor.Float32, outs[0].Type)
	assert.Equal(t, int64(2), outs[0].Shape[0])
	assert.Equal(t, outs[0].ExpectedByteSize(), int64(outs[0].ByteSize()))

	_, err = e.Invoke([]tensor.Descriptor{in}, e.OutputNames())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not released")

	e.(RunReleaser).ReleaseRun()
	_, err = e.Invoke([]tensor.Descriptor{in}, e.OutputNames())
	require.NoError(t, err)
}
