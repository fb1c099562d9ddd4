// Package tensor describes named raw tensor buffers exchanged between
// requests, the batching core and compute engines.
package tensor

import (
	"math"
	"math/bits"
	"strconv"
	"strings"
)

// Shape lists the dimensions of a tensor. A dimension of -1 marks a
// variable-size axis in a declared (model config) shape.
type Shape []int64

// VariableDim marks a dimension whose size is only known per request.
const VariableDim int64 = -1

// ElementCount returns the product of all dimensions, or -1 if any
// dimension is variable or the product does not fit in an int. A rank-0
// shape has one element.
func (s Shape) ElementCount() int64 {
	n, ok := s.scaledProduct(1)
	if !ok {
		return -1
	}
	return n
}

// scaledProduct multiplies scale by every dimension. It fails on variable
// dimensions and on results above math.MaxInt.
func (s Shape) scaledProduct(scale int64) (int64, bool) {
	n := uint64(scale)
	for _, d := range s {
		if d < 0 {
			return 0, false
		}
		hi, lo := bits.Mul64(n, uint64(d))
		if hi != 0 || lo > math.MaxInt {
			return 0, false
		}
		n = lo
	}
	return int64(n), true
}

// HasVariable reports whether any dimension is VariableDim.
func (s Shape) HasVariable() bool {
	for _, d := range s {
		if d < 0 {
			return true
		}
	}
	return false
}

// Equal compares dimensions exactly.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Matches reports whether a concrete shape satisfies a declared one, where
// declared VariableDim entries accept any size.
func (s Shape) Matches(declared Shape) bool {
	if len(s) != len(declared) {
		return false
	}
	for i := range s {
		if declared[i] >= 0 && s[i] != declared[i] {
			return false
		}
	}
	return true
}

// WithBatch returns a copy of s with a leading batch dimension.
func (s Shape) WithBatch(batch int) Shape {
	out := make(Shape, 0, len(s)+1)
	out = append(out, int64(batch))
	return append(out, s...)
}

// Clone returns an independent copy.
func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	return append(Shape(nil), s...)
}

func (s Shape) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, d := range s {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(d, 10))
	}
	b.WriteByte(']')
	return b.String()
}

// Descriptor is a named, typed, shaped view over a raw byte buffer.
type Descriptor struct {
	Name  string
	Type  ElementType
	Shape Shape
	Data  []byte
}

// ByteSize is the length of the raw buffer.
func (d Descriptor) ByteSize() int { return len(d.Data) }

// ExpectedByteSize is what the buffer length should be given Type and
// Shape, or -1 if the shape is not concrete, the type has no fixed width or
// the size does not fit in an int.
func (d Descriptor) ExpectedByteSize() int64 {
	if !d.Type.IsFixedWidth() {
		return -1
	}
	n, ok := d.Shape.scaledProduct(int64(d.Type.Size()))
	if !ok {
		return -1
	}
	return n
}

// Clone deep-copies the descriptor, including its data.
func (d Descriptor) Clone() Descriptor {
	out := d
	out.Shape = d.Shape.Clone()
	if d.Data != nil {
		out.Data = append([]byte(nil), d.Data...)
	}
	return out
}
