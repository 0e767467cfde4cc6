package module

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/distclip/distclip/types/shapes"
	"github.com/distclip/distclip/types/tensor"
)

// Float16 wraps a stage module for the fused mixed-precision (O2) mode:
// activations cross stage boundaries in a half dtype, parameter masters stay
// fp32, and per-parameter fp32 main gradients accumulate across micro-batches.
// Gradient synchronization then runs once per step over the main gradients.
type Float16 struct {
	inner Module
	dtype shapes.DType
}

// WrapFloat16 wraps inner for mixed precision with the given half dtype.
func WrapFloat16(inner Module, dtype shapes.DType) *Float16 {
	if !dtype.IsHalf() {
		exceptions.Panicf("module: WrapFloat16 requires a half dtype, got %s", dtype)
	}
	w := &Float16{inner: inner, dtype: dtype}
	for _, p := range inner.Parameters() {
		if p.MainGrad == nil {
			p.MainGrad = tensor.FromShape(p.Value.Shape().WithDType(shapes.Float32))
		}
	}
	return w
}

// Unwrap returns the wrapped module.
func (w *Float16) Unwrap() Module { return w.inner }

func (w *Float16) Name() string { return w.inner.Name() }

func (w *Float16) SetInputActivation(act *tensor.Local) {
	if act != nil && act.DType().IsFloat() {
		act = act.ConvertTo(shapes.Float32)
	}
	w.inner.SetInputActivation(act)
}

func (w *Float16) Forward(inputs map[string]*tensor.Local) (*tensor.Local, any, error) {
	output, state, err := w.inner.Forward(inputs)
	if err != nil {
		return nil, nil, err
	}
	if output != nil && output.DType().IsFloat() {
		output = output.ConvertTo(w.dtype)
	}
	return output, state, nil
}

func (w *Float16) Backward(state any, outputGrad *tensor.Local) (*tensor.Local, error) {
	if outputGrad != nil && outputGrad.DType().IsFloat() {
		outputGrad = outputGrad.ConvertTo(shapes.Float32)
	}
	inputGrad, err := w.inner.Backward(state, outputGrad)
	if err != nil {
		return nil, err
	}
	for _, p := range w.inner.Parameters() {
		if err := p.SyncMainGrad(); err != nil {
			return nil, errors.WithMessagef(err, "module %q", w.inner.Name())
		}
	}
	if inputGrad != nil && inputGrad.DType().IsFloat() {
		inputGrad = inputGrad.ConvertTo(w.dtype)
	}
	return inputGrad, nil
}

func (w *Float16) Parameters() []*Param { return w.inner.Parameters() }

func (w *Float16) StateDict() map[string]*tensor.Local { return w.inner.StateDict() }

func (w *Float16) LoadStateDict(state map[string]*tensor.Local, strict bool) error {
	return w.inner.LoadStateDict(state, strict)
}
