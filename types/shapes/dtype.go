package shapes

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/x448/float16"
)

// DType indicates the type of the unit element of a tensor. Training code
// runs master weights in Float32; Float16 and BFloat16 appear as the
// half-precision activation/gradient dtypes under mixed-precision modes.
type DType int32

const (
	InvalidDType DType = iota
	Bool
	Int32
	Int64
	Float16
	BFloat16
	Float32
	Float64
)

// String implements fmt.Stringer.
func (dtype DType) String() string {
	switch dtype {
	case Bool:
		return "Bool"
	case Int32:
		return "Int32"
	case Int64:
		return "Int64"
	case Float16:
		return "Float16"
	case BFloat16:
		return "BFloat16"
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	}
	return "InvalidDType"
}

// Size returns the number of bytes of one element of the given DType.
func (dtype DType) Size() int {
	switch dtype {
	case Bool:
		return 1
	case Float16, BFloat16:
		return 2
	case Int32, Float32:
		return 4
	case Int64, Float64:
		return 8
	}
	exceptions.Panicf("shapes: Size() of invalid DType %d", dtype)
	return 0
}

// IsFloat returns whether dtype is a floating point type, including the
// half-precision types.
func (dtype DType) IsFloat() bool {
	switch dtype {
	case Float16, BFloat16, Float32, Float64:
		return true
	}
	return false
}

// IsHalf returns whether dtype is one of the 16-bit float types.
func (dtype DType) IsHalf() bool {
	return dtype == Float16 || dtype == BFloat16
}

// IsInt returns whether dtype is a supported integer type.
func (dtype DType) IsInt() bool {
	return dtype == Int32 || dtype == Int64
}

// Supported lists the Go types with a direct DType mapping.
// Used as a generics constraint.
type Supported interface {
	bool | int32 | int64 | float32 | float64
}

// DTypeGeneric returns the DType of the Go type T.
func DTypeGeneric[T Supported]() DType {
	var t T
	switch any(t).(type) {
	case bool:
		return Bool
	case int32:
		return Int32
	case int64:
		return Int64
	case float32:
		return Float32
	case float64:
		return Float64
	}
	return InvalidDType
}

// HalfFromFloat32 encodes v into the 16-bit representation of dtype, which
// must be Float16 or BFloat16. BFloat16 is encoded by rounding-to-nearest of
// the high half of the IEEE float32 bits.
func HalfFromFloat32(v float32, dtype DType) uint16 {
	switch dtype {
	case Float16:
		return float16.Fromfloat32(v).Bits()
	case BFloat16:
		bits := math.Float32bits(v)
		// Round to nearest-even on the truncated mantissa.
		rounding := uint32(0x7FFF) + (bits>>16)&1
		return uint16((bits + rounding) >> 16)
	}
	exceptions.Panicf("shapes: HalfFromFloat32 with non-half DType %s", dtype)
	return 0
}

// HalfToFloat32 decodes the 16-bit representation of dtype (Float16 or
// BFloat16) back to float32.
func HalfToFloat32(bits uint16, dtype DType) float32 {
	switch dtype {
	case Float16:
		return float16.Frombits(bits).Float32()
	case BFloat16:
		return math.Float32frombits(uint32(bits) << 16)
	}
	exceptions.Panicf("shapes: HalfToFloat32 with non-half DType %s", dtype)
	return 0
}
