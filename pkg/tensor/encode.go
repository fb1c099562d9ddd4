package tensor

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// All raw buffers are little-endian.

// FromFloat32s builds an FP32 descriptor from values.
func FromFloat32s(name string, shape Shape, values []float32) Descriptor {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return Descriptor{Name: name, Type: Float32, Shape: shape, Data: data}
}

// FromFloat16s builds an FP16 descriptor, rounding each value to half precision.
func FromFloat16s(name string, shape Shape, values []float32) Descriptor {
	data := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(data[2*i:], float16.Fromfloat32(v).Bits())
	}
	return Descriptor{Name: name, Type: Float16, Shape: shape, Data: data}
}

// FromFloat64s builds an FP64 descriptor from values.
func FromFloat64s(name string, shape Shape, values []float64) Descriptor {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[8*i:], math.Float64bits(v))
	}
	return Descriptor{Name: name, Type: Float64, Shape: shape, Data: data}
}

// FromInt32s builds an INT32 descriptor from values.
func FromInt32s(name string, shape Shape, values []int32) Descriptor {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], uint32(v))
	}
	return Descriptor{Name: name, Type: Int32, Shape: shape, Data: data}
}

// Float32s decodes any floating point descriptor (FP16, FP32, FP64) into float32.
func Float32s(d Descriptor) ([]float32, error) {
	size := d.Type.Size()
	if size == 0 || len(d.Data)%size != 0 {
		return nil, errors.Errorf("tensor %q: %d bytes is not a whole number of %s elements", d.Name, len(d.Data), d.Type)
	}
	out := make([]float32, len(d.Data)/size)
	switch d.Type {
	case Float16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(d.Data[2*i:])).Float32()
		}
	case Float32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(d.Data[4*i:]))
		}
	case Float64:
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(d.Data[8*i:])))
		}
	default:
		return nil, errors.Errorf("tensor %q: cannot decode %s as float", d.Name, d.Type)
	}
	return out, nil
}

// Int32s decodes an INT32 descriptor.
func Int32s(d Descriptor) ([]int32, error) {
	if d.Type != Int32 {
		return nil, errors.Errorf("tensor %q: cannot decode %s as INT32", d.Name, d.Type)
	}
	if len(d.Data)%4 != 0 {
		return nil, errors.Errorf("tensor %q: %d bytes is not a whole number of INT32 elements", d.Name, len(d.Data))
	}
	out := make([]int32, len(d.Data)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(d.Data[4*i:]))
	}
	return out, nil
}

// Float64s decodes an FP64 descriptor.
func Float64s(d Descriptor) ([]float64, error) {
	if d.Type != Float64 {
		return nil, errors.Errorf("tensor %q: cannot decode %s as FP64", d.Name, d.Type)
	}
	if len(d.Data)%8 != 0 {
		return nil, errors.Errorf("tensor %q: %d bytes is not a whole number of FP64 elements", d.Name, len(d.Data))
	}
	out := make([]float64, len(d.Data)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(d.Data[8*i:]))
	}
	return out, nil
}
