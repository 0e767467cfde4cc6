package train

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/distclip/distclip/comm"
	"github.com/distclip/distclip/config"
	"github.com/distclip/distclip/module"
	"github.com/distclip/distclip/parallel"
	"github.com/distclip/distclip/types/tensor"
)

// LossResult is what a loss function produces for one micro-batch on the
// terminal stage: the scalar loss, named metrics, and the gradient of the
// loss with respect to the stage output (nil in forward-only runs).
type LossResult struct {
	Loss       float64
	Metrics    map[string]float64
	OutputGrad *tensor.Local
}

// LossFunc computes the loss and output gradient from a terminal-stage
// output activation.
type LossFunc func(output *tensor.Local) (*LossResult, error)

// ForwardStepFunc runs one micro-batch through one stage module and, on the
// terminal stage, returns the loss function to apply to its output. On
// non-terminal stages the returned LossFunc is nil. The state value is
// opaque to the schedule and handed back to Module.Backward.
type ForwardStepFunc func(mb MicroBatch, mod module.Module) (output *tensor.Local, state any, loss LossFunc, err error)

// ScheduleArgs carries one step's inputs through a schedule.
type ScheduleArgs struct {
	Stages      module.StageSet
	Plan        *BatchPlan
	ForwardStep ForwardStepFunc

	// ForwardOnly skips all backward passes (validation and test).
	ForwardOnly bool
}

// ScheduleResult reports the terminal-stage losses of a step. Ranks that do
// not host the terminal stage return no losses.
type ScheduleResult struct {
	// Losses holds one entry per micro-batch, in micro-batch order.
	Losses []LossResult
}

// Schedule executes all micro-batches of one step across pipeline stages.
// Implementations differ only in ordering and activation routing; gradient
// accumulation into the stage parameters is the modules' job.
type Schedule interface {
	Name() string
	Run(args ScheduleArgs) (*ScheduleResult, error)
}

// SelectSchedule picks the schedule matching the topology: no pipelining
// when there is a single pipeline stage, interleaved when virtual stages are
// configured, one-forward-one-backward otherwise. The choice is a pure
// function of the topology and never changes between steps.
func SelectSchedule(cfg *config.Config, topo *parallel.Topology, c comm.Communicator) (Schedule, error) {
	var s Schedule
	switch {
	case topo.PipelineParallelSize() == 1:
		s = &noPipeline{}
	case topo.VirtualStages() > 1:
		s = &interleaved{comm: c, topo: topo}
	default:
		s = &pipeline1F1B{comm: c, topo: topo}
	}
	klog.V(1).Infof("schedule: %s (pipeline=%d virtual=%d)",
		s.Name(), topo.PipelineParallelSize(), topo.VirtualStages())
	return s, nil
}

// runLocalMicroBatch runs one micro-batch entirely within one module,
// forward through loss through backward, used by the no-pipelining schedule.
func runLocalMicroBatch(mb MicroBatch, mod module.Module, fwd ForwardStepFunc, forwardOnly bool) (*LossResult, error) {
	output, state, lossFn, err := fwd(mb, mod)
	if err != nil {
		return nil, errors.WithMessagef(err, "forward of micro-batch %d", mb.Index)
	}
	if lossFn == nil {
		return nil, errors.Errorf("micro-batch %d: terminal stage produced no loss function", mb.Index)
	}
	result, err := lossFn(output)
	if err != nil {
		return nil, errors.WithMessagef(err, "loss of micro-batch %d", mb.Index)
	}
	if forwardOnly {
		return result, nil
	}
	if result.OutputGrad == nil {
		return nil, errors.Errorf("micro-batch %d: training step loss returned no output gradient", mb.Index)
	}
	if _, err := mod.Backward(state, result.OutputGrad); err != nil {
		return nil, errors.WithMessagef(err, "backward of micro-batch %d", mb.Index)
	}
	return result, nil
}
