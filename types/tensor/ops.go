package tensor

import (
	"github.com/pkg/errors"

	"github.com/distclip/distclip/types/shapes"
)

// The in-place reduction transforms below back the collective operators:
// the communicator applies them element-wise while merging peer buffers.

// AddFrom adds o into t element-wise. Shapes must match.
func (t *Local) AddFrom(o *Local) error {
	if !t.shape.Eq(o.shape) {
		return errors.Errorf("tensor: AddFrom shape mismatch: %s vs %s", t.shape, o.shape)
	}
	switch t.shape.DType {
	case shapes.Float32:
		a, b := Data[float32](t), Data[float32](o)
		for i := range a {
			a[i] += b[i]
		}
	case shapes.Float64:
		a, b := Data[float64](t), Data[float64](o)
		for i := range a {
			a[i] += b[i]
		}
	case shapes.Int32:
		a, b := Data[int32](t), Data[int32](o)
		for i := range a {
			a[i] += b[i]
		}
	case shapes.Int64:
		a, b := Data[int64](t), Data[int64](o)
		for i := range a {
			a[i] += b[i]
		}
	case shapes.Float16, shapes.BFloat16:
		for i := 0; i < t.Size(); i++ {
			t.SetFloatAt(i, t.FloatAt(i)+o.FloatAt(i))
		}
	default:
		return errors.Errorf("tensor: AddFrom unsupported dtype %s", t.shape.DType)
	}
	return nil
}

// MaxFrom takes the element-wise maximum of t and o into t.
func (t *Local) MaxFrom(o *Local) error {
	return t.selectFrom(o, func(a, b float64) bool { return b > a })
}

// MinFrom takes the element-wise minimum of t and o into t.
func (t *Local) MinFrom(o *Local) error {
	return t.selectFrom(o, func(a, b float64) bool { return b < a })
}

func (t *Local) selectFrom(o *Local, replace func(a, b float64) bool) error {
	if !t.shape.Eq(o.shape) {
		return errors.Errorf("tensor: element-wise op shape mismatch: %s vs %s", t.shape, o.shape)
	}
	switch {
	case t.shape.DType.IsFloat():
		for i := 0; i < t.Size(); i++ {
			if replace(t.FloatAt(i), o.FloatAt(i)) {
				t.SetFloatAt(i, o.FloatAt(i))
			}
		}
	case t.shape.DType == shapes.Int32:
		a, b := Data[int32](t), Data[int32](o)
		for i := range a {
			if replace(float64(a[i]), float64(b[i])) {
				a[i] = b[i]
			}
		}
	case t.shape.DType == shapes.Int64:
		a, b := Data[int64](t), Data[int64](o)
		for i := range a {
			if replace(float64(a[i]), float64(b[i])) {
				a[i] = b[i]
			}
		}
	default:
		return errors.Errorf("tensor: element-wise op unsupported dtype %s", t.shape.DType)
	}
	return nil
}
