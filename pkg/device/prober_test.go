package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromEnv(t *testing.T) {
	t.Setenv("CUDA_VISIBLE_DEVICES", "0,2,3")
	assert.Equal(t, 3, FromEnv(8).DeviceCount())

	t.Setenv("CUDA_VISIBLE_DEVICES", "")
	assert.Equal(t, 0, FromEnv(8).DeviceCount())

	t.Setenv("CUDA_VISIBLE_DEVICES", "-1")
	assert.Equal(t, 0, FromEnv(8).DeviceCount())
}

func TestAvailable(t *testing.T) {
	p := Static(2)
	assert.True(t, Available(p, 0))
	assert.True(t, Available(p, 1))
	assert.False(t, Available(p, 2))
	assert.False(t, Available(p, -1))
	assert.False(t, Available(nil, 0))
	assert.Equal(t, "GPU 1", p.DeviceName(1))
}
