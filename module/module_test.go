package module

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distclip/distclip/types/shapes"
	"github.com/distclip/distclip/types/tensor"
)

func newParam(name string, values ...float32) *Param {
	return &Param{Name: name, Value: tensor.FromFlat(values, len(values))}
}

func TestParamAccumulateGrad(t *testing.T) {
	p := newParam("w", 0, 0)
	require.NoError(t, p.AccumulateGrad(tensor.FromFlat([]float32{1, 2}, 2)))
	require.NoError(t, p.AccumulateGrad(tensor.FromFlat([]float32{10, 20}, 2)))
	assert.Equal(t, []float32{11, 22}, tensor.Data[float32](p.Grad))
}

func TestParamSyncMainGrad(t *testing.T) {
	p := newParam("w", 0, 0)
	require.NoError(t, p.AccumulateGrad(tensor.FromFlat([]float32{1, 2}, 2)))
	require.NoError(t, p.SyncMainGrad())
	require.NoError(t, p.AccumulateGrad(tensor.FromFlat([]float32{3, 4}, 2)))
	require.NoError(t, p.SyncMainGrad())

	// Each micro-batch contribution is counted exactly once.
	assert.Equal(t, []float32{4, 6}, tensor.Data[float32](p.MainGrad))
	assert.Equal(t, []float32{0, 0}, tensor.Data[float32](p.Grad))
	assert.Equal(t, shapes.Float32, p.MainGrad.DType())
}

func TestGradForSync(t *testing.T) {
	p := newParam("w", 0)
	require.NoError(t, p.AccumulateGrad(tensor.FromFlat([]float32{5}, 1)))
	assert.Same(t, p.Grad, p.GradForSync(false))
	assert.Nil(t, p.GradForSync(true))
	require.NoError(t, p.SyncMainGrad())
	assert.Same(t, p.MainGrad, p.GradForSync(true))
}

type fakeModule struct {
	name   string
	params []*Param
}

func (f *fakeModule) Name() string                          { return f.name }
func (f *fakeModule) SetInputActivation(act *tensor.Local)  {}
func (f *fakeModule) Parameters() []*Param                  { return f.params }
func (f *fakeModule) StateDict() map[string]*tensor.Local   { return StateDictOf(f.params) }
func (f *fakeModule) Forward(map[string]*tensor.Local) (*tensor.Local, any, error) {
	return nil, nil, nil
}
func (f *fakeModule) Backward(any, *tensor.Local) (*tensor.Local, error) { return nil, nil }
func (f *fakeModule) LoadStateDict(sd map[string]*tensor.Local, strict bool) error {
	return LoadInto(f.params, sd, strict)
}

func TestStageSet(t *testing.T) {
	a := &fakeModule{name: "a", params: []*Param{newParam("a.w", 1, 2)}}
	b := &fakeModule{name: "b", params: []*Param{newParam("b.w", 3)}}

	single := SingleStage(a)
	assert.False(t, single.Interleaved())
	assert.Equal(t, 1, single.NumStages())
	assert.Equal(t, a, single.Single())
	assert.Equal(t, 2, single.NumElements())

	multi := MultiStage([]Module{a, b})
	assert.True(t, multi.Interleaved())
	assert.Equal(t, 2, multi.NumStages())
	assert.Equal(t, b, multi.At(1))
	assert.Len(t, multi.Parameters(), 2)
	assert.Equal(t, 3, multi.NumElements())

	err := exceptions.TryCatch[error](func() { multi.Single() })
	require.Error(t, err)
}

func TestLoadIntoStrict(t *testing.T) {
	params := []*Param{newParam("w", 1, 2), newParam("b", 3)}

	good := map[string]*tensor.Local{
		"w": tensor.FromFlat([]float32{9, 8}, 2),
		"b": tensor.FromFlat([]float32{7}, 1),
	}
	require.NoError(t, LoadInto(params, good, true))
	assert.Equal(t, []float32{9, 8}, tensor.Data[float32](params[0].Value))

	missing := map[string]*tensor.Local{"w": tensor.FromFlat([]float32{0, 0}, 2)}
	assert.Error(t, LoadInto(params, missing, true))
	assert.NoError(t, LoadInto(params, missing, false))

	extra := map[string]*tensor.Local{
		"w":     tensor.FromFlat([]float32{0, 0}, 2),
		"b":     tensor.FromFlat([]float32{0}, 1),
		"ghost": tensor.FromFlat([]float32{0}, 1),
	}
	assert.Error(t, LoadInto(params, extra, true))

	badShape := map[string]*tensor.Local{
		"w": tensor.FromFlat([]float32{0}, 1),
		"b": tensor.FromFlat([]float32{0}, 1),
	}
	assert.Error(t, LoadInto(params, badShape, true))
}

// linear is a minimal one-weight module used to exercise the fp16 wrapper:
// y = w*x element-wise.
type linear struct {
	w        *Param
	inputAct *tensor.Local
}

func (l *linear) Name() string                         { return "linear" }
func (l *linear) SetInputActivation(act *tensor.Local) { l.inputAct = act }
func (l *linear) Parameters() []*Param                 { return []*Param{l.w} }
func (l *linear) StateDict() map[string]*tensor.Local  { return StateDictOf(l.Parameters()) }
func (l *linear) LoadStateDict(sd map[string]*tensor.Local, strict bool) error {
	return LoadInto(l.Parameters(), sd, strict)
}

func (l *linear) Forward(inputs map[string]*tensor.Local) (*tensor.Local, any, error) {
	x := l.inputAct
	if x == nil {
		x = inputs["x"]
	}
	l.inputAct = nil
	w := tensor.Data[float32](l.w.Value)
	xd := tensor.Data[float32](x)
	out := tensor.FromShape(x.Shape().Clone())
	od := tensor.Data[float32](out)
	for i := range od {
		od[i] = w[i] * xd[i]
	}
	return out, x, nil
}

func (l *linear) Backward(state any, outputGrad *tensor.Local) (*tensor.Local, error) {
	x := state.(*tensor.Local)
	w := tensor.Data[float32](l.w.Value)
	xd := tensor.Data[float32](x)
	gd := tensor.Data[float32](outputGrad)
	dw := make([]float32, len(w))
	dx := make([]float32, len(w))
	for i := range w {
		dw[i] = gd[i] * xd[i]
		dx[i] = gd[i] * w[i]
	}
	if err := l.w.AccumulateGrad(tensor.FromFlat(dw, len(dw))); err != nil {
		return nil, err
	}
	return tensor.FromFlat(dx, len(dx)), nil
}

func TestFloat16Wrapper(t *testing.T) {
	inner := &linear{w: newParam("w", 2, 4)}
	w := WrapFloat16(inner, shapes.BFloat16)
	assert.Equal(t, "linear", w.Name())
	assert.Same(t, inner, w.Unwrap())
	require.NotNil(t, inner.w.MainGrad)

	x := tensor.FromFlat([]float32{1, 0.5}, 2)
	out, state, err := w.Forward(map[string]*tensor.Local{"x": x})
	require.NoError(t, err)
	assert.Equal(t, shapes.BFloat16, out.DType())

	grad := tensor.FromFlat([]float32{1, 1}, 2).ConvertTo(shapes.BFloat16)
	inputGrad, err := w.Backward(state, grad)
	require.NoError(t, err)
	assert.Equal(t, shapes.BFloat16, inputGrad.DType())

	// Backward folded the gradient into the fp32 main grad and cleared the
	// compute-dtype buffer.
	assert.Equal(t, []float32{1, 0.5}, tensor.Data[float32](inner.w.MainGrad))
	assert.Equal(t, []float32{0, 0}, tensor.Data[float32](inner.w.Grad))
}

func TestWrapFloat16RejectsFullPrecision(t *testing.T) {
	err := exceptions.TryCatch[error](func() {
		WrapFloat16(&linear{w: newParam("w", 1)}, shapes.Float32)
	})
	require.Error(t, err)
}
