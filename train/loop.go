package train

import (
	"io"
	"math"
	"sort"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/distclip/distclip/types/tensor"
)

// Dataset yields per-rank batches. Yield returns io.EOF when exhausted;
// Reset rewinds it for another epoch. On ranks fed by activations only,
// Yield returns nil batches so step counting stays aligned across ranks.
type Dataset interface {
	Name() string
	Yield() (map[string]*tensor.Local, error)
	Reset() error
}

// Priority orders hook execution; lower runs earlier.
type Priority int

const (
	PriorityFirst  Priority = -100
	PriorityMiddle Priority = 0
	PriorityLast   Priority = 100
)

// OnStartFn is called before the first step of a run.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is called after every training step with its broadcast loss.
type OnStepFn func(loop *Loop, loss float64) error

// OnEndFn is called after the last step with the final loss.
type OnEndFn func(loop *Loop, loss float64) error

type hook[F any] struct {
	name     string
	priority Priority
	fn       F
}

type hooks[F any] []hook[F]

func (h *hooks[F]) add(name string, priority Priority, fn F) {
	*h = append(*h, hook[F]{name: name, priority: priority, fn: fn})
	sort.SliceStable(*h, func(i, j int) bool { return (*h)[i].priority < (*h)[j].priority })
}

// Loop drives an orchestrator over a dataset with attachable hooks, used by
// progress reporting and checkpoint saving.
type Loop struct {
	Orchestrator *Orchestrator

	// LoopStep is the step about to run or running, starting at StartStep.
	LoopStep int
	// StartStep is the first step of the current run.
	StartStep int
	// EndStep is one past the last step of the current run, or -1 when the
	// run length is not known up front.
	EndStep int

	onStart hooks[OnStartFn]
	onStep  hooks[OnStepFn]
	onEnd   hooks[OnEndFn]
}

// NewLoop creates a loop around an orchestrator.
func NewLoop(o *Orchestrator) *Loop {
	return &Loop{Orchestrator: o, EndStep: -1}
}

// OnStart attaches fn to run before training starts.
func (l *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	l.onStart.add(name, priority, fn)
}

// OnStep attaches fn to run after every step.
func (l *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	l.onStep.add(name, priority, fn)
}

// OnEnd attaches fn to run after training ends.
func (l *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	l.onEnd.add(name, priority, fn)
}

// RunSteps trains for exactly numSteps steps, rewinding the dataset between
// epochs. It fails on the first non-finite loss.
func (l *Loop) RunSteps(ds Dataset, numSteps int) (float64, error) {
	l.StartStep = l.Orchestrator.StepCount()
	l.LoopStep = l.StartStep
	l.EndStep = l.StartStep + numSteps
	for _, h := range l.onStart {
		if err := h.fn(l, ds); err != nil {
			return 0, errors.WithMessagef(err, "on-start hook %q", h.name)
		}
	}

	var loss float64
	for n := 0; n < numSteps; n++ {
		batch, err := ds.Yield()
		if err == io.EOF {
			if err = ds.Reset(); err != nil {
				return 0, errors.WithMessagef(err, "resetting dataset %q", ds.Name())
			}
			if batch, err = ds.Yield(); err != nil {
				return 0, errors.WithMessagef(err, "dataset %q empty after reset", ds.Name())
			}
		} else if err != nil {
			return 0, errors.WithMessagef(err, "dataset %q", ds.Name())
		}

		loss, _, err = l.Orchestrator.TrainStep(batch)
		if err != nil {
			return 0, errors.WithMessagef(err, "train step %d", l.LoopStep)
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return loss, errors.Errorf("train step %d: loss is %f, training diverged", l.LoopStep, loss)
		}
		l.LoopStep++
		for _, h := range l.onStep {
			if err := h.fn(l, loss); err != nil {
				return 0, errors.WithMessagef(err, "on-step hook %q", h.name)
			}
		}
	}

	for _, h := range l.onEnd {
		if err := h.fn(l, loss); err != nil {
			return 0, errors.WithMessagef(err, "on-end hook %q", h.name)
		}
	}
	return loss, nil
}

// RunEval runs a forward-only pass over the whole dataset and returns the
// batch-size-weighted mean loss.
func (l *Loop) RunEval(ds Dataset) (float64, error) {
	if err := ds.Reset(); err != nil {
		return 0, errors.WithMessagef(err, "resetting dataset %q", ds.Name())
	}
	var ms []MetricWithSize
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.WithMessagef(err, "dataset %q", ds.Name())
		}
		m, err := l.Orchestrator.ValidationStep(batch)
		if err != nil {
			return 0, err
		}
		ms = append(ms, m)
	}
	loss := l.Orchestrator.ValidationEpochEnd(ms)
	klog.V(1).Infof("eval %q: loss=%.6f over %d batches", ds.Name(), loss, len(ms))
	return loss, nil
}

// EveryNSteps attaches fn to run on every n-th step of the loop.
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	loop.OnStep(name, priority, func(l *Loop, loss float64) error {
		if (l.LoopStep-l.StartStep)%n == 0 {
			return fn(l, loss)
		}
		return nil
	})
}
