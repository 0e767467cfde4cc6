package train

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/distclip/distclip/comm"
	"github.com/distclip/distclip/config"
	"github.com/distclip/distclip/module"
	"github.com/distclip/distclip/optimizers"
	"github.com/distclip/distclip/parallel"
	"github.com/distclip/distclip/types/shapes"
	"github.com/distclip/distclip/types/tensor"
)

// SyncMode says which gradient buffers the step-level data-parallel
// all-reduce operates on, if any.
type SyncMode int

const (
	// SyncNone skips the step-level all-reduce: the distributed optimizer
	// reduces gradients internally during its update.
	SyncNone SyncMode = iota
	// SyncMainGrad all-reduces the fp32 main gradients, exactly once per
	// step, after all micro-batches have completed.
	SyncMainGrad
	// SyncRawGrad all-reduces the raw compute-dtype gradients.
	SyncRawGrad
)

func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncMainGrad:
		return "main-grad"
	case SyncRawGrad:
		return "raw-grad"
	}
	return "invalid"
}

// SyncDecision is the resolved gradient synchronization plan of a step. It
// is computed once, up front, from the optimizer mode and the precision
// configuration, and is the only place that logic lives.
type SyncDecision struct {
	Mode SyncMode

	// Suppress reports whether automatic per-backward gradient reduction is
	// suspended for the duration of the schedule, to be replaced by the one
	// explicit reduction Mode describes. Sequence parallelism has no
	// suppression mechanism under a standard optimizer: those steps run
	// synchronously, whatever the precision mode.
	Suppress bool

	// SequenceParallelReduce adds the tensor-parallel all-reduce of the
	// sequence-parallel (normalization) parameter gradients, orthogonal to
	// the data-parallel reduction above.
	SequenceParallelReduce bool
}

// DecideSync resolves the synchronization plan from configuration and
// optimizer mode.
func DecideSync(cfg *config.Config, topo *parallel.Topology, optMode optimizers.Mode) SyncDecision {
	seq := cfg.SequenceParallel && topo.TensorParallelSize() > 1
	d := SyncDecision{SequenceParallelReduce: seq}
	switch {
	case optMode == optimizers.ModeDistributed:
		d.Mode, d.Suppress = SyncNone, true
	case cfg.AmpO2:
		d.Mode, d.Suppress = SyncMainGrad, !cfg.SequenceParallel
	case cfg.SequenceParallel:
		d.Mode, d.Suppress = SyncRawGrad, false
	default:
		d.Mode, d.Suppress = SyncRawGrad, true
	}
	return d
}

// Suppression is the handle over the suppression window of one step. The
// window must close before the explicit reduction runs; Release is
// idempotent so callers can both defer it and release eagerly.
type Suppression struct {
	active bool
}

// Begin opens the suppression window for this step. When the decision does
// not suppress, the returned handle is already released.
func (d SyncDecision) Begin() *Suppression {
	return &Suppression{active: d.Suppress}
}

// Release closes the window.
func (s *Suppression) Release() { s.active = false }

// Active reports whether the window is still open.
func (s *Suppression) Active() bool { return s.active }

// GradSync executes the reductions a SyncDecision calls for.
type GradSync struct {
	comm comm.Communicator
	topo *parallel.Topology
}

// NewGradSync creates the executor.
func NewGradSync(c comm.Communicator, topo *parallel.Topology) *GradSync {
	return &GradSync{comm: c, topo: topo}
}

// Reduce runs the synchronization of one step over all stage parameters.
// It closes the suppression window first if the caller has not already,
// then performs the sequence-parallel reduction (when enabled) and the
// data-parallel reduction the decision's mode names. A collective failure is
// returned as-is: it is fatal to the step and never retried.
func (g *GradSync) Reduce(stages module.StageSet, d SyncDecision, h *Suppression) error {
	if h != nil {
		h.Release()
	}
	if d.SequenceParallelReduce {
		if err := g.reduceSequenceParallel(stages, d.Mode != SyncRawGrad); err != nil {
			return err
		}
	}
	if d.Mode == SyncNone {
		return nil
	}
	group := g.topo.DataParallelGroup()
	if len(group) == 1 {
		return nil
	}
	scale := 1.0 / float64(len(group))
	for _, p := range stages.Parameters() {
		grad := p.Grad
		if d.Mode == SyncMainGrad {
			grad = p.MainGrad
		}
		if grad == nil {
			continue
		}
		if err := g.comm.AllReduce(group, grad, comm.OpSum); err != nil {
			return errors.WithMessagef(err, "data-parallel all-reduce of %q", p.Name)
		}
		grad.Scale(scale)
	}
	klog.V(2).Infof("gradient sync: mode=%s dp=%d seq=%v", d.Mode, len(group), d.SequenceParallelReduce)
	return nil
}

// reduceSequenceParallel coalesces the gradients of all sequence-parallel
// parameters into one fp32 buffer, all-reduces it once across the
// tensor-parallel group, and scatters the results back.
func (g *GradSync) reduceSequenceParallel(stages module.StageSet, mainGrad bool) error {
	var grads []*tensor.Local
	total := 0
	for _, p := range stages.Parameters() {
		if !p.SequenceParallel {
			continue
		}
		grad := p.Grad
		if mainGrad && p.MainGrad != nil {
			grad = p.MainGrad
		}
		if grad == nil {
			continue
		}
		grads = append(grads, grad)
		total += grad.Size()
	}
	if len(grads) == 0 {
		return nil
	}

	buf := tensor.FromShape(shapes.Make(shapes.Float32, total))
	coalesced := tensor.Data[float32](buf)
	offset := 0
	for _, grad := range grads {
		for i := 0; i < grad.Size(); i++ {
			coalesced[offset+i] = float32(grad.FloatAt(i))
		}
		offset += grad.Size()
	}

	if err := g.comm.AllReduce(g.topo.TensorParallelGroup(), buf, comm.OpSum); err != nil {
		return errors.WithMessage(err, "sequence-parallel gradient all-reduce")
	}

	offset = 0
	for _, grad := range grads {
		for i := 0; i < grad.Size(); i++ {
			grad.SetFloatAt(i, float64(coalesced[offset+i]))
		}
		offset += grad.Size()
	}
	return nil
}
