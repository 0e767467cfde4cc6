package train

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/distclip/distclip/comm"
	"github.com/distclip/distclip/module"
	"github.com/distclip/distclip/parallel"
	"github.com/distclip/distclip/types/tensor"
)

// inflight is one micro-batch between its forward and backward passes.
type inflight struct {
	index      int
	state      any
	outputGrad *tensor.Local
}

// pipeline1F1B is the one-forward-one-backward schedule over a single model
// chunk per rank: a warmup of forwards fills the pipeline, a steady phase
// alternates one forward with one backward, and a cooldown drains the
// remaining backwards. At most pipelineSize-rank micro-batches are in flight
// on a rank at any time.
type pipeline1F1B struct {
	comm comm.Communicator
	topo *parallel.Topology
}

func (s *pipeline1F1B) Name() string { return "1F1B" }

func (s *pipeline1F1B) Run(args ScheduleArgs) (*ScheduleResult, error) {
	mod := args.Stages.Single()
	group := s.topo.PipelineGroup()
	rank := s.topo.PipelineRank()
	numMicro := len(args.Plan.Micro)

	r := &pipelineRun{
		comm:    s.comm,
		group:   group,
		rank:    rank,
		first:   s.topo.IsFirstStage(-1),
		last:    s.topo.IsLastStage(-1),
		mod:     mod,
		args:    args,
		losses:  make([]LossResult, numMicro),
		hasLoss: s.topo.IsLastStage(-1),
	}

	if args.ForwardOnly {
		for i := 0; i < numMicro; i++ {
			if _, err := r.forward(i); err != nil {
				return nil, err
			}
		}
		return r.result(), nil
	}

	warmup := len(group) - rank - 1
	if warmup > numMicro {
		warmup = numMicro
	}

	for i := 0; i < warmup; i++ {
		f, err := r.forward(i)
		if err != nil {
			return nil, err
		}
		r.queue = append(r.queue, f)
	}
	for i := warmup; i < numMicro; i++ {
		f, err := r.forward(i)
		if err != nil {
			return nil, err
		}
		r.queue = append(r.queue, f)
		if err := r.backwardOldest(); err != nil {
			return nil, err
		}
	}
	for len(r.queue) > 0 {
		if err := r.backwardOldest(); err != nil {
			return nil, err
		}
	}
	return r.result(), nil
}

// pipelineRun is the per-step mutable state of the 1F1B schedule.
type pipelineRun struct {
	comm        comm.Communicator
	group       []int
	rank        int
	first, last bool
	mod         module.Module
	args        ScheduleArgs

	queue   []inflight
	losses  []LossResult
	hasLoss bool
}

func (r *pipelineRun) prev() int { return r.group[r.rank-1] }
func (r *pipelineRun) next() int { return r.group[r.rank+1] }

func fwdTag(i int) string { return fmt.Sprintf("fwd/%d", i) }
func bwdTag(i int) string { return fmt.Sprintf("bwd/%d", i) }

func (r *pipelineRun) forward(i int) (inflight, error) {
	mb := r.args.Plan.Micro[i]
	if !r.first {
		act, err := r.comm.Recv(r.prev(), fwdTag(i))
		if err != nil {
			return inflight{}, errors.WithMessagef(err, "receiving activation of micro-batch %d", i)
		}
		r.mod.SetInputActivation(act)
	}
	output, state, lossFn, err := r.args.ForwardStep(mb, r.mod)
	if err != nil {
		return inflight{}, errors.WithMessagef(err, "forward of micro-batch %d", i)
	}
	f := inflight{index: i, state: state}
	if r.last {
		if lossFn == nil {
			return inflight{}, errors.Errorf("micro-batch %d: last stage produced no loss function", i)
		}
		lr, err := lossFn(output)
		if err != nil {
			return inflight{}, errors.WithMessagef(err, "loss of micro-batch %d", i)
		}
		r.losses[i] = *lr
		f.outputGrad = lr.OutputGrad
		return f, nil
	}
	if err := r.comm.Send(r.next(), fwdTag(i), output); err != nil {
		return inflight{}, errors.WithMessagef(err, "sending activation of micro-batch %d", i)
	}
	return f, nil
}

func (r *pipelineRun) backwardOldest() error {
	f := r.queue[0]
	r.queue = r.queue[1:]

	outputGrad := f.outputGrad
	if !r.last {
		var err error
		outputGrad, err = r.comm.Recv(r.next(), bwdTag(f.index))
		if err != nil {
			return errors.WithMessagef(err, "receiving output gradient of micro-batch %d", f.index)
		}
	}
	inputGrad, err := r.mod.Backward(f.state, outputGrad)
	if err != nil {
		return errors.WithMessagef(err, "backward of micro-batch %d", f.index)
	}
	if !r.first {
		if err := r.comm.Send(r.prev(), bwdTag(f.index), inputGrad); err != nil {
			return errors.WithMessagef(err, "sending input gradient of micro-batch %d", f.index)
		}
	}
	return nil
}

func (r *pipelineRun) result() *ScheduleResult {
	if !r.hasLoss {
		return &ScheduleResult{}
	}
	return &ScheduleResult{Losses: r.losses}
}
