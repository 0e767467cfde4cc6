// Package tensor implements the dense host tensor used for micro-batch
// payloads, activations exchanged between pipeline stages, and parameter /
// gradient buffers handed to collectives.
//
// A Local tensor owns its data as a flat little-endian byte buffer, which is
// exactly the representation sent over the wire and written to checkpoints,
// so no marshalling step is needed at those boundaries.
package tensor

import (
	"bytes"
	"encoding/binary"
	"io"
	"unsafe"

	"github.com/distclip/distclip/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Local is a tensor resident in host memory. It is owned by the local rank;
// cross-rank sharing happens only through explicit collectives.
type Local struct {
	shape shapes.Shape
	data  []byte
}

// FromShape returns a zero-initialized tensor of the given shape.
func FromShape(shape shapes.Shape) *Local {
	if !shape.Ok() {
		exceptions.Panicf("tensor: FromShape with invalid shape %s", shape)
	}
	return &Local{shape: shape, data: make([]byte, shape.Memory())}
}

// FromFlat creates a tensor of the given dimensions from a flat slice of
// values. The dtype is inferred from T. The number of values must match the
// shape size.
func FromFlat[T shapes.Supported](values []T, dimensions ...int) *Local {
	shape := shapes.Make(shapes.DTypeGeneric[T](), dimensions...)
	if shape.Size() != len(values) {
		exceptions.Panicf("tensor: FromFlat got %d values for shape %s", len(values), shape)
	}
	t := FromShape(shape)
	copy(Data[T](t), values)
	return t
}

// FromScalar creates a scalar tensor holding v.
func FromScalar[T shapes.Supported](v T) *Local {
	t := FromShape(shapes.Scalar(shapes.DTypeGeneric[T]()))
	Data[T](t)[0] = v
	return t
}

// Data returns the flat data of t viewed as a []T. It panics if T does not
// match the tensor dtype. The returned slice aliases the tensor storage.
func Data[T shapes.Supported](t *Local) []T {
	dtype := shapes.DTypeGeneric[T]()
	if t.shape.DType != dtype {
		exceptions.Panicf("tensor: Data[%s] on tensor of dtype %s", dtype, t.shape.DType)
	}
	if len(t.data) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&t.data[0])), t.shape.Size())
}

// halfData views the flat data as raw 16-bit words, for Float16/BFloat16.
func (t *Local) halfData() []uint16 {
	if !t.shape.DType.IsHalf() {
		exceptions.Panicf("tensor: halfData on tensor of dtype %s", t.shape.DType)
	}
	if len(t.data) == 0 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&t.data[0])), t.shape.Size())
}

// Shape returns the tensor shape.
func (t *Local) Shape() shapes.Shape { return t.shape }

// DType returns the tensor dtype.
func (t *Local) DType() shapes.DType { return t.shape.DType }

// Size returns the number of elements.
func (t *Local) Size() int { return t.shape.Size() }

// Bytes returns the raw storage of the tensor. It aliases the tensor data.
func (t *Local) Bytes() []byte { return t.data }

// Clone returns a deep copy.
func (t *Local) Clone() *Local {
	c := FromShape(t.shape.Clone())
	copy(c.data, t.data)
	return c
}

// Zero sets every element to zero.
func (t *Local) Zero() {
	for i := range t.data {
		t.data[i] = 0
	}
}

// Equal reports whether o has the same shape and bit-identical contents.
func (t *Local) Equal(o *Local) bool {
	return t.shape.Eq(o.shape) && bytes.Equal(t.data, o.data)
}

// CopyFrom copies the contents of o into t. Shapes must match.
func (t *Local) CopyFrom(o *Local) error {
	if !t.shape.Eq(o.shape) {
		return errors.Errorf("tensor: CopyFrom shape mismatch: %s vs %s", t.shape, o.shape)
	}
	copy(t.data, o.data)
	return nil
}

// FloatAt returns element i of a float tensor as float64, converting
// half-precision dtypes as needed.
func (t *Local) FloatAt(i int) float64 {
	switch t.shape.DType {
	case shapes.Float32:
		return float64(Data[float32](t)[i])
	case shapes.Float64:
		return Data[float64](t)[i]
	case shapes.Float16, shapes.BFloat16:
		return float64(shapes.HalfToFloat32(t.halfData()[i], t.shape.DType))
	}
	exceptions.Panicf("tensor: FloatAt on non-float dtype %s", t.shape.DType)
	return 0
}

// SetFloatAt sets element i of a float tensor from a float64 value.
func (t *Local) SetFloatAt(i int, v float64) {
	switch t.shape.DType {
	case shapes.Float32:
		Data[float32](t)[i] = float32(v)
	case shapes.Float64:
		Data[float64](t)[i] = v
	case shapes.Float16, shapes.BFloat16:
		t.halfData()[i] = shapes.HalfFromFloat32(float32(v), t.shape.DType)
	default:
		exceptions.Panicf("tensor: SetFloatAt on non-float dtype %s", t.shape.DType)
	}
}

// ScalarFloat64 returns the value of a scalar (or single-element) float
// tensor as float64.
func (t *Local) ScalarFloat64() float64 {
	if t.shape.Size() != 1 {
		exceptions.Panicf("tensor: ScalarFloat64 on tensor of shape %s", t.shape)
	}
	return t.FloatAt(0)
}

// Scale multiplies every element of a float tensor by factor, in place.
func (t *Local) Scale(factor float64) {
	for i := 0; i < t.shape.Size(); i++ {
		t.SetFloatAt(i, t.FloatAt(i)*factor)
	}
}

// ConvertTo returns t converted to the given float dtype. If the dtype
// already matches, the tensor itself is returned.
func (t *Local) ConvertTo(dtype shapes.DType) *Local {
	if t.shape.DType == dtype {
		return t
	}
	if !t.shape.DType.IsFloat() || !dtype.IsFloat() {
		exceptions.Panicf("tensor: ConvertTo only converts float dtypes, got %s -> %s", t.shape.DType, dtype)
	}
	c := FromShape(t.shape.WithDType(dtype))
	for i := 0; i < t.shape.Size(); i++ {
		c.SetFloatAt(i, t.FloatAt(i))
	}
	return c
}

// Narrow0 returns a copy of rows [start, start+n) along dimension 0.
// Used to slice a global batch into micro-batches.
func (t *Local) Narrow0(start, n int) *Local {
	if t.shape.IsScalar() {
		exceptions.Panicf("tensor: Narrow0 on scalar tensor")
	}
	dim0 := t.shape.Dimensions[0]
	if start < 0 || n <= 0 || start+n > dim0 {
		exceptions.Panicf("tensor: Narrow0(%d, %d) out of range for shape %s", start, n, t.shape)
	}
	newDims := append([]int{n}, t.shape.Dimensions[1:]...)
	out := FromShape(shapes.Make(t.shape.DType, newDims...))
	rowBytes := t.shape.Memory() / dim0
	copy(out.data, t.data[start*rowBytes:(start+n)*rowBytes])
	return out
}

// WriteTo serializes the tensor: a small header (dtype, rank, dimensions)
// followed by the raw data. The format is used both by the communicator for
// point-to-point activation transfers and by checkpoint files.
func (t *Local) WriteTo(w io.Writer) (int64, error) {
	header := make([]int32, 0, 2+t.shape.Rank())
	header = append(header, int32(t.shape.DType), int32(t.shape.Rank()))
	for _, dim := range t.shape.Dimensions {
		header = append(header, int32(dim))
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return 0, errors.Wrap(err, "tensor: failed writing header")
	}
	n, err := w.Write(t.data)
	if err != nil {
		return int64(n), errors.Wrap(err, "tensor: failed writing data")
	}
	return int64(len(header)*4 + n), nil
}

// ReadFrom deserializes a tensor written by WriteTo.
func ReadFrom(r io.Reader) (*Local, error) {
	var dtypeAndRank [2]int32
	if err := binary.Read(r, binary.LittleEndian, &dtypeAndRank); err != nil {
		return nil, errors.Wrap(err, "tensor: failed reading header")
	}
	dtype := shapes.DType(dtypeAndRank[0])
	rank := int(dtypeAndRank[1])
	if rank < 0 || rank > 16 {
		return nil, errors.Errorf("tensor: corrupt header, rank=%d", rank)
	}
	dims := make([]int32, rank)
	if rank > 0 {
		if err := binary.Read(r, binary.LittleEndian, dims); err != nil {
			return nil, errors.Wrap(err, "tensor: failed reading dimensions")
		}
	}
	shape := shapes.Shape{DType: dtype}
	for _, dim := range dims {
		shape.Dimensions = append(shape.Dimensions, int(dim))
	}
	if !shape.Ok() {
		return nil, errors.Errorf("tensor: corrupt header, dtype=%d", dtype)
	}
	t := FromShape(shape)
	if _, err := io.ReadFull(r, t.data); err != nil {
		return nil, errors.Wrap(err, "tensor: failed reading data")
	}
	return t, nil
}
