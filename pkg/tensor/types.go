package tensor

import (
	"strings"

	"github.com/pkg/errors"
)

// ElementType is the data type of every element in a tensor buffer.
type ElementType int

const (
	Invalid ElementType = iota
	Bool
	Uint8
	Uint16
	Uint32
	Uint64
	Int8
	Int16
	Int32
	Int64
	Float16
	Float32
	Float64
	String
)

var typeNames = [...]string{
	Invalid: "INVALID",
	Bool:    "BOOL",
	Uint8:   "UINT8",
	Uint16:  "UINT16",
	Uint32:  "UINT32",
	Uint64:  "UINT64",
	Int8:    "INT8",
	Int16:   "INT16",
	Int32:   "INT32",
	Int64:   "INT64",
	Float16: "FP16",
	Float32: "FP32",
	Float64: "FP64",
	String:  "STRING",
}

var typeSizes = [...]int{
	Bool:    1,
	Uint8:   1,
	Uint16:  2,
	Uint32:  4,
	Uint64:  8,
	Int8:    1,
	Int16:   2,
	Int32:   4,
	Int64:   8,
	Float16: 2,
	Float32: 4,
	Float64: 8,
}

func (t ElementType) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return "<unknown>"
	}
	return typeNames[t]
}

// Size returns the byte width of one element. Types without a fixed width
// (Invalid, String) report 0.
func (t ElementType) Size() int {
	if t < 0 || int(t) >= len(typeSizes) {
		return 0
	}
	return typeSizes[t]
}

// IsFixedWidth reports whether buffers of this type can be sliced by row.
func (t ElementType) IsFixedWidth() bool { return t.Size() > 0 }

// ParseElementType accepts both the short ("FP32") and the config-style
// ("TYPE_FP32") spellings, case-insensitively.
func ParseElementType(s string) (ElementType, error) {
	name := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "TYPE_")
	for i, n := range typeNames {
		if i != int(Invalid) && n == name {
			return ElementType(i), nil
		}
	}
	return Invalid, errors.Errorf("unknown data type %q", s)
}
