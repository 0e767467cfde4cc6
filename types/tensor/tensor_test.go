package tensor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distclip/distclip/types/shapes"
)

func TestFromFlatAndData(t *testing.T) {
	x := FromFlat([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	assert.True(t, x.Shape().Eq(shapes.Make(shapes.Float32, 2, 3)))
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, Data[float32](x))
}

func TestFromScalar(t *testing.T) {
	x := FromScalar(3.5)
	assert.True(t, x.Shape().IsScalar())
	assert.Equal(t, 3.5, x.ScalarFloat64())
}

func TestCloneIsIndependent(t *testing.T) {
	x := FromFlat([]float32{1, 2}, 2)
	y := x.Clone()
	Data[float32](y)[0] = 9
	assert.Equal(t, float32(1), Data[float32](x)[0])
	assert.False(t, x.Equal(y))
	require.NoError(t, y.CopyFrom(x))
	assert.True(t, x.Equal(y))
}

func TestNarrow0(t *testing.T) {
	x := FromFlat([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 4, 2)
	sub := x.Narrow0(1, 2)
	assert.Equal(t, []int{2, 2}, sub.Shape().Dimensions)
	assert.Equal(t, []float32{3, 4, 5, 6}, Data[float32](sub))

	// Narrow copies, so writes do not alias the source.
	Data[float32](sub)[0] = -1
	assert.Equal(t, float32(3), Data[float32](x)[2])
}

func TestConvertToRoundTrip(t *testing.T) {
	x := FromFlat([]float32{0, 1, -2, 0.5}, 4)
	for _, dtype := range []shapes.DType{shapes.Float16, shapes.BFloat16, shapes.Float64} {
		h := x.ConvertTo(dtype)
		assert.Equal(t, dtype, h.DType())
		back := h.ConvertTo(shapes.Float32)
		assert.Equal(t, Data[float32](x), Data[float32](back), "dtype=%s", dtype)
	}
	assert.Same(t, x, x.ConvertTo(shapes.Float32))
}

func TestAddFromAndScale(t *testing.T) {
	x := FromFlat([]float32{1, 2, 3}, 3)
	y := FromFlat([]float32{10, 20, 30}, 3)
	require.NoError(t, x.AddFrom(y))
	assert.Equal(t, []float32{11, 22, 33}, Data[float32](x))
	x.Scale(0.5)
	assert.Equal(t, []float32{5.5, 11, 16.5}, Data[float32](x))

	bad := FromFlat([]float32{1}, 1)
	assert.Error(t, x.AddFrom(bad))
}

func TestMaxMinFrom(t *testing.T) {
	x := FromFlat([]float32{1, 5, 3}, 3)
	y := FromFlat([]float32{4, 2, 3}, 3)
	require.NoError(t, x.MaxFrom(y))
	assert.Equal(t, []float32{4, 5, 3}, Data[float32](x))
	require.NoError(t, x.MinFrom(FromFlat([]float32{0, 9, 1}, 3)))
	assert.Equal(t, []float32{0, 5, 1}, Data[float32](x))
}

func TestSerializationRoundTrip(t *testing.T) {
	for _, x := range []*Local{
		FromFlat([]float32{1.5, -2.25, 3}, 3),
		FromFlat([]int64{7, -8}, 2, 1),
		FromScalar(float32(0.125)).ConvertTo(shapes.BFloat16),
	} {
		var buf bytes.Buffer
		_, err := x.WriteTo(&buf)
		require.NoError(t, err)
		y, err := ReadFrom(&buf)
		require.NoError(t, err)
		assert.True(t, x.Shape().Eq(y.Shape()))
		assert.Equal(t, x.Bytes(), y.Bytes())
	}
}
