// Package shapes defines the Shape and DType of dense tensors exchanged
// between pipeline stages and reduced across process groups.
//
// Shapes are cheap value types: pass them by value, compare them with Eq.
package shapes

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
)

// Shape is the dtype plus the dimensions of a tensor. A Shape with no
// dimensions is a scalar.
type Shape struct {
	DType      DType
	Dimensions []int
}

// Make returns a Shape of the given dtype and dimensions. Dimensions must all
// be positive; a programming error here panics.
func Make(dtype DType, dimensions ...int) Shape {
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes: Make(%s, %v) with non-positive dimension", dtype, dimensions)
		}
	}
	return Shape{DType: dtype, Dimensions: dimensions}
}

// Scalar returns a scalar Shape of the given dtype.
func Scalar(dtype DType) Shape {
	return Shape{DType: dtype}
}

// Ok returns whether the shape has a valid dtype.
func (s Shape) Ok() bool { return s.DType != InvalidDType }

// Rank returns the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has rank 0.
func (s Shape) IsScalar() bool { return len(s.Dimensions) == 0 }

// Size returns the total number of elements.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory returns the total number of bytes of the flat data.
func (s Shape) Memory() int {
	return s.Size() * s.DType.Size()
}

// Eq compares dtype and dimensions.
func (s Shape) Eq(other Shape) bool {
	if s.DType != other.DType || len(s.Dimensions) != len(other.Dimensions) {
		return false
	}
	for i, dim := range s.Dimensions {
		if other.Dimensions[i] != dim {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: append([]int(nil), s.Dimensions...)}
}

// WithDType returns a copy of the shape with the dtype replaced.
func (s Shape) WithDType(dtype DType) Shape {
	c := s.Clone()
	c.DType = dtype
	return c
}

// String implements fmt.Stringer.
func (s Shape) String() string {
	if s.IsScalar() {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, len(s.Dimensions))
	for i, dim := range s.Dimensions {
		parts[i] = fmt.Sprintf("%d", dim)
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}
