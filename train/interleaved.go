package train

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/distclip/distclip/comm"
	"github.com/distclip/distclip/parallel"
	"github.com/distclip/distclip/types/tensor"
)

// interleaved runs the virtual-stage schedule: each rank hosts several model
// chunks, and the global stage order v*P+r threads micro-batches through all
// chunks of all ranks. Forwards run for every chunk in ascending global
// stage order, then backwards in descending order; bubble-optimal
// interleaving of the two phases is a scheduling refinement the chunk
// assignment already permits.
type interleaved struct {
	comm comm.Communicator
	topo *parallel.Topology
}

func (s *interleaved) Name() string { return "interleaved" }

// stageFwdTag tags activations by their receiving global stage.
func stageFwdTag(g, i int) string { return fmt.Sprintf("fwd/%d/%d", g, i) }

// stageBwdTag tags output gradients by their receiving global stage.
func stageBwdTag(g, i int) string { return fmt.Sprintf("bwd/%d/%d", g, i) }

func (s *interleaved) Run(args ScheduleArgs) (*ScheduleResult, error) {
	if args.Stages.NumStages() != s.topo.VirtualStages() {
		return nil, errors.Errorf("interleaved schedule: rank hosts %d chunks, topology expects %d",
			args.Stages.NumStages(), s.topo.VirtualStages())
	}
	numMicro := len(args.Plan.Micro)
	numChunks := args.Stages.NumStages()
	lastGlobal := s.topo.GlobalStages() - 1

	states := make([][]any, numChunks)
	grads := make([][]*tensor.Local, numChunks)
	for v := range states {
		states[v] = make([]any, numMicro)
		grads[v] = make([]*tensor.Local, numMicro)
	}
	var losses []LossResult

	// Forward sweep, ascending global stage order.
	for v := 0; v < numChunks; v++ {
		g := s.topo.GlobalStage(v)
		mod := args.Stages.At(v)
		for i := 0; i < numMicro; i++ {
			if g > 0 {
				act, err := s.comm.Recv(s.topo.StageRank(g-1), stageFwdTag(g, i))
				if err != nil {
					return nil, errors.WithMessagef(err, "stage %d receiving activation %d", g, i)
				}
				mod.SetInputActivation(act)
			}
			output, state, lossFn, err := args.ForwardStep(args.Plan.Micro[i], mod)
			if err != nil {
				return nil, errors.WithMessagef(err, "stage %d forward of micro-batch %d", g, i)
			}
			states[v][i] = state
			if g == lastGlobal {
				if lossFn == nil {
					return nil, errors.Errorf("stage %d produced no loss function", g)
				}
				lr, err := lossFn(output)
				if err != nil {
					return nil, errors.WithMessagef(err, "loss of micro-batch %d", i)
				}
				if losses == nil {
					losses = make([]LossResult, numMicro)
				}
				losses[i] = *lr
				grads[v][i] = lr.OutputGrad
				continue
			}
			if err := s.comm.Send(s.topo.StageRank(g+1), stageFwdTag(g+1, i), output); err != nil {
				return nil, errors.WithMessagef(err, "stage %d sending activation %d", g, i)
			}
		}
	}

	if args.ForwardOnly {
		return &ScheduleResult{Losses: losses}, nil
	}

	// Backward sweep, descending global stage order.
	for v := numChunks - 1; v >= 0; v-- {
		g := s.topo.GlobalStage(v)
		mod := args.Stages.At(v)
		for i := 0; i < numMicro; i++ {
			outputGrad := grads[v][i]
			if g != lastGlobal {
				var err error
				outputGrad, err = s.comm.Recv(s.topo.StageRank(g+1), stageBwdTag(g, i))
				if err != nil {
					return nil, errors.WithMessagef(err, "stage %d receiving output gradient %d", g, i)
				}
			}
			inputGrad, err := mod.Backward(states[v][i], outputGrad)
			if err != nil {
				return nil, errors.WithMessagef(err, "stage %d backward of micro-batch %d", g, i)
			}
			if g > 0 {
				if err := s.comm.Send(s.topo.StageRank(g-1), stageBwdTag(g-1, i), inputGrad); err != nil {
					return nil, errors.WithMessagef(err, "stage %d sending input gradient %d", g, i)
				}
			}
		}
	}
	return &ScheduleResult{Losses: losses}, nil
}
