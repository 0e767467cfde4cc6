// Package module defines the model representation the orchestration layer
// drives: a Module is one pipeline stage's worth of layers, and a StageSet
// is the tagged one-or-many collection of modules a rank hosts (one under
// plain pipelining, several under interleaved virtual pipelining).
package module

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/distclip/distclip/types/shapes"
	"github.com/distclip/distclip/types/tensor"
)

// Param is one named parameter of a module, with its gradient buffers.
// Value is the master copy (fp32 under the fused mixed-precision mode).
type Param struct {
	Name  string
	Value *tensor.Local

	// Grad is the gradient in compute dtype, accumulated across the
	// micro-batches of a step. Allocated on first accumulation.
	Grad *tensor.Local

	// MainGrad is the fp32 shadow gradient maintained under the fused
	// mixed-precision (O2) mode. Nil otherwise.
	MainGrad *tensor.Local

	// SequenceParallel marks parameters (normalization layers) whose
	// gradients must additionally be all-reduced across the tensor-parallel
	// group when sequence parallelism is enabled.
	SequenceParallel bool
}

// AccumulateGrad adds g into the parameter gradient, allocating it on first
// use with g's dtype.
func (p *Param) AccumulateGrad(g *tensor.Local) error {
	if p.Grad == nil {
		p.Grad = tensor.FromShape(g.Shape().Clone())
	}
	if err := p.Grad.AddFrom(g); err != nil {
		return errors.WithMessagef(err, "accumulating gradient of %q", p.Name)
	}
	return nil
}

// SyncMainGrad folds the accumulated compute-dtype gradient into the fp32
// main gradient and clears the compute-dtype buffer, so each micro-batch is
// counted exactly once.
func (p *Param) SyncMainGrad() error {
	if p.Grad == nil {
		return nil
	}
	if p.MainGrad == nil {
		p.MainGrad = tensor.FromShape(p.Grad.Shape().WithDType(shapes.Float32))
	}
	if err := p.MainGrad.AddFrom(p.Grad.ConvertTo(shapes.Float32)); err != nil {
		return errors.WithMessagef(err, "syncing main gradient of %q", p.Name)
	}
	p.Grad.Zero()
	return nil
}

// ZeroGrads clears both gradient buffers.
func (p *Param) ZeroGrads() {
	if p.Grad != nil {
		p.Grad.Zero()
	}
	if p.MainGrad != nil {
		p.MainGrad.Zero()
	}
}

// GradForSync returns the buffer gradient synchronization operates on:
// the fp32 main gradient under O2, the raw gradient otherwise. May be nil if
// the parameter received no gradient this step.
func (p *Param) GradForSync(ampO2 bool) *tensor.Local {
	if ampO2 {
		return p.MainGrad
	}
	return p.Grad
}

// Module is one pipeline stage of the model. Forward calls on a rank are
// sequential, but several micro-batches may be in flight between forward and
// backward: whatever backward needs must travel in the opaque state value
// returned by Forward, not in module fields.
type Module interface {
	// Name identifies the module in logs and errors.
	Name() string

	// SetInputActivation hands the module the activation received from the
	// previous pipeline stage, consumed by the next Forward call. First-stage
	// modules never receive one.
	SetInputActivation(act *tensor.Local)

	// Forward runs the stage on the named input tensors (nil for stages fed
	// by SetInputActivation) and returns the output activation plus the
	// opaque state Backward needs.
	Forward(inputs map[string]*tensor.Local) (output *tensor.Local, state any, err error)

	// Backward propagates outputGrad through the stage, accumulating
	// parameter gradients, and returns the gradient with respect to the
	// stage input (sent to the previous stage; discarded on the first stage).
	Backward(state any, outputGrad *tensor.Local) (inputGrad *tensor.Local, err error)

	// Parameters returns the stage parameters.
	Parameters() []*Param

	// StateDict snapshots the parameter values keyed by parameter name.
	StateDict() map[string]*tensor.Local

	// LoadStateDict restores parameter values. In strict mode every
	// parameter must be present and no extra keys may appear.
	LoadStateDict(state map[string]*tensor.Local, strict bool) error
}

// StageSet is the tagged variant over the two model representations: a
// single module, or the ordered list of virtual-stage modules a rank hosts
// under interleaved pipelining. Using it removes type-switching on the model
// representation throughout the training code.
type StageSet struct {
	stages []Module
}

// SingleStage wraps one module.
func SingleStage(m Module) StageSet {
	if m == nil {
		exceptions.Panicf("module: SingleStage(nil)")
	}
	return StageSet{stages: []Module{m}}
}

// MultiStage wraps the ordered virtual-stage modules of one rank.
func MultiStage(ms []Module) StageSet {
	if len(ms) == 0 {
		exceptions.Panicf("module: MultiStage with no modules")
	}
	return StageSet{stages: append([]Module(nil), ms...)}
}

// Interleaved reports whether the set holds more than one virtual stage.
func (s StageSet) Interleaved() bool { return len(s.stages) > 1 }

// NumStages returns the number of virtual stages (1 for a single module).
func (s StageSet) NumStages() int { return len(s.stages) }

// At returns the i-th virtual-stage module.
func (s StageSet) At(i int) Module { return s.stages[i] }

// Single returns the only module; it panics on an interleaved set, which
// indicates a schedule/model mismatch bug.
func (s StageSet) Single() Module {
	if len(s.stages) != 1 {
		exceptions.Panicf("module: Single() on a set of %d virtual stages", len(s.stages))
	}
	return s.stages[0]
}

// Each calls fn for every virtual stage in order.
func (s StageSet) Each(fn func(i int, m Module)) {
	for i, m := range s.stages {
		fn(i, m)
	}
}

// Parameters returns the parameters of all stages, chained in stage order.
func (s StageSet) Parameters() []*Param {
	var params []*Param
	for _, m := range s.stages {
		params = append(params, m.Parameters()...)
	}
	return params
}

// NumElements returns the total number of parameter elements on this rank.
func (s StageSet) NumElements() int {
	total := 0
	for _, p := range s.Parameters() {
		total += p.Value.Size()
	}
	return total
}
