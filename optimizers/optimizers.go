// Package optimizers implements the parameter update step and the two
// optimizer modes the gradient synchronization protocol distinguishes: a
// standard optimizer, whose gradients the training step must all-reduce
// across data-parallel replicas, and a distributed optimizer, which reduces
// gradients internally as part of its own sharded update.
package optimizers

import (
	"github.com/pkg/errors"

	"github.com/distclip/distclip/comm"
	"github.com/distclip/distclip/module"
	"github.com/distclip/distclip/parallel"
	"github.com/distclip/distclip/types/shapes"
	"github.com/distclip/distclip/types/tensor"
)

// Mode tells the training step whether gradient synchronization is its job.
type Mode int

const (
	// ModeStandard leaves data-parallel gradient reduction to the caller.
	ModeStandard Mode = iota
	// ModeDistributed reduces gradients internally during Step.
	ModeDistributed
)

// Optimizer updates the parameters of the stages a rank hosts.
type Optimizer interface {
	Mode() Mode

	// ZeroGrad clears all gradient buffers, run at the start of a step.
	ZeroGrad(stages module.StageSet)

	// Step applies one update from the accumulated (and, for ModeStandard,
	// already reduced) gradients.
	Step(stages module.StageSet) error
}

// SGD is plain stochastic gradient descent over the fp32 parameter masters.
type SGD struct {
	learningRate float64
	ampO2        bool
}

// NewSGD creates a standard-mode SGD optimizer. ampO2 selects the fp32 main
// gradients as the update source instead of the raw gradients.
func NewSGD(learningRate float64, ampO2 bool) *SGD {
	return &SGD{learningRate: learningRate, ampO2: ampO2}
}

func (s *SGD) Mode() Mode { return ModeStandard }

func (s *SGD) ZeroGrad(stages module.StageSet) {
	for _, p := range stages.Parameters() {
		p.ZeroGrads()
	}
}

func (s *SGD) Step(stages module.StageSet) error {
	for _, p := range stages.Parameters() {
		if err := s.apply(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *SGD) apply(p *module.Param) error {
	grad := p.GradForSync(s.ampO2)
	if grad == nil {
		return nil
	}
	if !p.Value.Shape().Eq(grad.Shape().WithDType(p.Value.DType())) {
		return errors.Errorf("optimizers: parameter %q has shape %s but gradient %s",
			p.Name, p.Value.Shape(), grad.Shape())
	}
	if p.Value.DType() == shapes.Float32 && grad.DType() == shapes.Float32 {
		value := tensor.Data[float32](p.Value)
		g := tensor.Data[float32](grad)
		lr := float32(s.learningRate)
		for i := range value {
			value[i] -= lr * g[i]
		}
		return nil
	}
	for i := 0; i < p.Value.Size(); i++ {
		p.Value.SetFloatAt(i, p.Value.FloatAt(i)-s.learningRate*grad.FloatAt(i))
	}
	return nil
}

// Distributed wraps an update rule with internal data-parallel gradient
// reduction, so the step driver skips its own all-reduce entirely.
type Distributed struct {
	inner *SGD
	comm  comm.Communicator
	topo  *parallel.Topology
}

// NewDistributed creates a distributed-mode optimizer around inner.
func NewDistributed(inner *SGD, c comm.Communicator, topo *parallel.Topology) *Distributed {
	return &Distributed{inner: inner, comm: c, topo: topo}
}

func (d *Distributed) Mode() Mode { return ModeDistributed }

func (d *Distributed) ZeroGrad(stages module.StageSet) { d.inner.ZeroGrad(stages) }

func (d *Distributed) Step(stages module.StageSet) error {
	group := d.topo.DataParallelGroup()
	scale := 1.0 / float64(len(group))
	for _, p := range stages.Parameters() {
		grad := p.GradForSync(d.inner.ampO2)
		if grad == nil {
			continue
		}
		if err := d.comm.AllReduce(group, grad, comm.OpSum); err != nil {
			return errors.WithMessagef(err, "reducing gradient of %q", p.Name)
		}
		grad.Scale(scale)
	}
	return d.inner.Step(stages)
}
