package clip

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/distclip/distclip/checkpoints"
	"github.com/distclip/distclip/comm"
	"github.com/distclip/distclip/config"
	"github.com/distclip/distclip/module"
	"github.com/distclip/distclip/optimizers"
	"github.com/distclip/distclip/parallel"
	"github.com/distclip/distclip/train"
	"github.com/distclip/distclip/types/tensor"
)

// Trainer assembles the full training setup of the dual encoder on one
// rank: topology, model chunks, loss, optimizer and step orchestrator.
type Trainer struct {
	Config       *config.Config
	Topology     *parallel.Topology
	Comm         comm.Communicator
	Stages       module.StageSet
	Loss         *ContrastiveLoss
	Orchestrator *train.Orchestrator
}

// TrainerOptions are the model-side knobs not covered by the run
// configuration.
type TrainerOptions struct {
	// EmbeddingDim is the per-tower feature width of every stage.
	EmbeddingDim int
	// Seed fixes parameter initialization across replicas.
	Seed int64
	// LearningRate of the SGD update.
	LearningRate float64
}

// NewTrainer validates the configuration and wires a trainer on the rank
// the communicator represents.
func NewTrainer(cfg *config.Config, c comm.Communicator, opts TrainerOptions) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.EmbeddingDim <= 0 {
		return nil, errors.Wrap(config.ErrConfiguration, "embedding dimension must be positive")
	}
	topo, err := parallel.New(c.Rank(), c.WorldSize(),
		cfg.TensorModelParallelSize, cfg.PipelineModelParallelSize, cfg.VirtualStages())
	if err != nil {
		return nil, err
	}

	stages := BuildStages(topo.PipelineRank(), topo.PipelineParallelSize(),
		topo.VirtualStages(), opts.EmbeddingDim, opts.Seed)
	if cfg.AmpO2 {
		if dtype := cfg.Precision.DType(); dtype.IsHalf() {
			wrapped := make([]module.Module, stages.NumStages())
			stages.Each(func(i int, m module.Module) {
				wrapped[i] = module.WrapFloat16(m, dtype)
			})
			if len(wrapped) == 1 {
				stages = module.SingleStage(wrapped[0])
			} else {
				stages = module.MultiStage(wrapped)
			}
		}
	}

	loss := NewContrastiveLoss(c, topo)
	loss.LocalLoss = cfg.LocalLoss
	loss.GatherWithGrad = cfg.GatherWithGrad

	var opt optimizers.Optimizer
	sgd := optimizers.NewSGD(opts.LearningRate, cfg.AmpO2)
	opt = sgd
	if cfg.DistributedOptimizer {
		opt = optimizers.NewDistributed(sgd, c, topo)
	}

	orch, err := train.NewOrchestrator(cfg, topo, c, stages, opt, StepFunc(loss))
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		Config:       cfg,
		Topology:     topo,
		Comm:         c,
		Stages:       stages,
		Loss:         loss,
		Orchestrator: orch,
	}
	if err := t.logModelSize(); err != nil {
		return nil, err
	}
	return t, nil
}

// TrainStep runs one training step over the rank's share of the global
// batch and returns the broadcast loss.
func (t *Trainer) TrainStep(batch map[string]*tensor.Local) (float64, map[string]float64, error) {
	return t.Orchestrator.TrainStep(batch)
}

// ValidationStep runs a forward-only step and returns the loss with the
// number of examples it covers.
func (t *Trainer) ValidationStep(batch map[string]*tensor.Local) (train.MetricWithSize, error) {
	return t.Orchestrator.ValidationStep(batch)
}

// SaveCheckpoint writes this rank's model chunks at the current step.
func (t *Trainer) SaveCheckpoint(h *checkpoints.Handler) error {
	return h.Save(t.Stages, t.Orchestrator.StepCount())
}

// LoadCheckpoint restores this rank's model chunks from the latest
// checkpoint, returning the step it was taken at, or -1 when none exists.
func (t *Trainer) LoadCheckpoint(h *checkpoints.Handler) (int, error) {
	return h.Load(t.Stages)
}

// logModelSize reports the per-replica parameter count, summed across the
// model-parallel group so every pipeline and tensor shard is counted once.
func (t *Trainer) logModelSize() error {
	count := tensor.FromScalar(int64(t.Stages.NumElements()))
	group := t.Topology.ModelParallelGroup()
	if len(group) > 1 {
		if err := t.Comm.AllReduce(group, count, comm.OpSum); err != nil {
			return errors.WithMessage(err, "counting model parameters")
		}
	}
	total := tensor.Data[int64](count)[0]
	klog.V(1).Infof("rank %d: %s parameters per replica (%s local)",
		t.Topology.Rank(), humanize.Comma(total), humanize.Comma(int64(t.Stages.NumElements())))
	return nil
}
