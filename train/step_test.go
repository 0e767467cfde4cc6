package train

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distclip/distclip/comm/local"
	"github.com/distclip/distclip/config"
	"github.com/distclip/distclip/module"
	"github.com/distclip/distclip/optimizers"
	"github.com/distclip/distclip/parallel"
	"github.com/distclip/distclip/types/tensor"
)

// overflowModule accumulates a non-finite gradient on its first infSteps
// backward passes and the received output gradient afterwards.
type overflowModule struct {
	param    *module.Param
	infSteps int
	backward int
}

func (m *overflowModule) Name() string                     { return "overflow" }
func (m *overflowModule) SetInputActivation(*tensor.Local) {}
func (m *overflowModule) Forward(map[string]*tensor.Local) (*tensor.Local, any, error) {
	return tensor.FromFlat([]float32{0}, 1), nil, nil
}
func (m *overflowModule) Backward(_ any, outputGrad *tensor.Local) (*tensor.Local, error) {
	g := outputGrad
	if m.backward < m.infSteps {
		g = tensor.FromFlat([]float32{float32(math.Inf(1))}, 1)
	}
	m.backward++
	return nil, m.param.AccumulateGrad(g)
}
func (m *overflowModule) Parameters() []*module.Param { return []*module.Param{m.param} }
func (m *overflowModule) StateDict() map[string]*tensor.Local {
	return module.StateDictOf(m.Parameters())
}
func (m *overflowModule) LoadStateDict(sd map[string]*tensor.Local, strict bool) error {
	return module.LoadInto(m.Parameters(), sd, strict)
}

func unitStep(mb MicroBatch, mod module.Module) (*tensor.Local, any, LossFunc, error) {
	output, state, err := mod.Forward(mb.Tensors)
	if err != nil {
		return nil, nil, nil, err
	}
	lossFn := func(*tensor.Local) (*LossResult, error) {
		return &LossResult{Loss: 1, OutputGrad: tensor.FromFlat([]float32{1}, 1)}, nil
	}
	return output, state, lossFn, nil
}

// A single replica hitting a non-finite fp16 gradient must not strand its
// peers: the overflow flag is agreed collectively, so every rank skips the
// same update and backs the loss scale off in lockstep. The next step then
// applies a normal synchronized update on all replicas.
func TestOverflowSkipIsCollective(t *testing.T) {
	mesh := local.NewMesh(2)
	cfg := config.Default()
	cfg.Precision = config.Precision16
	cfg.GlobalBatchSize = 2 // one micro-batch per data-parallel replica

	values := make([][2]float64, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = func() error {
				topo, err := parallel.New(rank, 2, 1, 1, 1)
				if err != nil {
					return err
				}
				infSteps := 0
				if rank == 0 {
					infSteps = 1
				}
				mod := &overflowModule{
					param:    &module.Param{Name: "w", Value: tensor.FromFlat([]float32{1}, 1)},
					infSteps: infSteps,
				}
				o, err := NewOrchestrator(cfg, topo, mesh.Communicator(rank),
					module.SingleStage(mod), optimizers.NewSGD(0.5, false), unitStep)
				if err != nil {
					return err
				}
				if _, _, err := o.TrainStep(nil); err != nil {
					return err
				}
				values[rank][0] = mod.param.Value.FloatAt(0)
				if _, _, err := o.TrainStep(nil); err != nil {
					return err
				}
				values[rank][1] = mod.param.Value.FloatAt(0)
				return nil
			}()
		}(rank)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("ranks did not finish: a rank is stuck in a collective")
	}
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}

	for rank := 0; rank < 2; rank++ {
		// Step 1 overflowed on rank 0 only; both replicas skip the update.
		assert.InDelta(t, 1.0, values[rank][0], 1e-9, "rank %d after overflow step", rank)
		// Step 2 is finite everywhere: grad 1 averaged over the group, lr 0.5.
		assert.InDelta(t, 0.5, values[rank][1], 1e-9, "rank %d after recovery step", rank)
	}
}
