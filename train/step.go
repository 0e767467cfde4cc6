package train

import (
	"math"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/distclip/distclip/comm"
	"github.com/distclip/distclip/config"
	"github.com/distclip/distclip/module"
	"github.com/distclip/distclip/optimizers"
	"github.com/distclip/distclip/parallel"
	"github.com/distclip/distclip/types/tensor"
)

// Orchestrator runs training, validation and test steps: it zeroes
// gradients, partitions the batch, runs the selected pipeline schedule under
// the step's synchronization decision, reduces gradients, applies the
// optimizer, and broadcasts the loss from the last rank so every rank
// reports the same value.
type Orchestrator struct {
	cfg         *config.Config
	topo        *parallel.Topology
	comm        comm.Communicator
	stages      module.StageSet
	opt         optimizers.Optimizer
	forwardStep ForwardStepFunc

	schedule    Schedule
	partitioner *Partitioner
	sync        *GradSync
	decision    SyncDecision
	scaler      *GradScaler

	step int
}

// NewOrchestrator wires a step driver from a validated configuration.
func NewOrchestrator(cfg *config.Config, topo *parallel.Topology, c comm.Communicator,
	stages module.StageSet, opt optimizers.Optimizer, fwd ForwardStepFunc) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if stages.NumStages() != topo.VirtualStages() {
		return nil, errors.Wrapf(config.ErrConfiguration,
			"rank hosts %d model chunks but topology expects %d virtual stages",
			stages.NumStages(), topo.VirtualStages())
	}
	schedule, err := SelectSchedule(cfg, topo, c)
	if err != nil {
		return nil, err
	}
	partitioner, err := NewPartitioner(cfg, topo.DataParallelSize())
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:         cfg,
		topo:        topo,
		comm:        c,
		stages:      stages,
		opt:         opt,
		forwardStep: fwd,
		schedule:    schedule,
		partitioner: partitioner,
		sync:        NewGradSync(c, topo),
		decision:    DecideSync(cfg, topo, opt.Mode()),
	}
	if cfg.Precision == config.Precision16 {
		o.scaler = NewGradScaler()
	}
	return o, nil
}

// Schedule exposes the selected schedule, mostly for logging and tests.
func (o *Orchestrator) Schedule() Schedule { return o.schedule }

// SyncDecision exposes the resolved gradient synchronization plan.
func (o *Orchestrator) SyncDecision() SyncDecision { return o.decision }

// StepCount returns the number of completed training steps.
func (o *Orchestrator) StepCount() int { return o.step }

// TrainStep runs one optimization step over a global batch. batch is nil on
// ranks whose stage receives activations only. The returned loss is the mean
// over micro-batch losses on the terminal stage, broadcast to every rank;
// metrics are averaged the same way.
func (o *Orchestrator) TrainStep(batch map[string]*tensor.Local) (float64, map[string]float64, error) {
	o.opt.ZeroGrad(o.stages)

	plan, err := o.partitioner.Partition(batch)
	if err != nil {
		return 0, nil, err
	}

	h := o.decision.Begin()
	defer h.Release()

	res, err := o.schedule.Run(ScheduleArgs{
		Stages:      o.stages,
		Plan:        plan,
		ForwardStep: o.wrapForwardStep(),
	})
	if err != nil {
		return 0, nil, errors.WithMessagef(err, "schedule %s", o.schedule.Name())
	}

	overflow := false
	if o.scaler != nil {
		o.unscaleGrads()
		if overflow, err = o.agreeOverflow(o.gradOverflow()); err != nil {
			return 0, nil, err
		}
	}
	if !overflow {
		if err := o.sync.Reduce(o.stages, o.decision, h); err != nil {
			return 0, nil, err
		}
		if err := o.opt.Step(o.stages); err != nil {
			return 0, nil, err
		}
	} else {
		h.Release()
		klog.Warningf("step %d: gradient overflow at loss scale %g, skipping update", o.step, o.scaler.Scale())
	}
	if o.scaler != nil {
		o.scaler.Update(overflow)
	}

	loss, metrics := summarize(res)
	loss, err = o.broadcastLoss(loss)
	if err != nil {
		return 0, nil, err
	}
	o.step++
	klog.V(1).Infof("train step %d: loss=%.6f micro=%d schedule=%s",
		o.step, loss, plan.NumMicroBatches(), o.schedule.Name())
	return loss, metrics, nil
}

// ValidationStep runs a forward-only step and returns the mean loss with the
// number of examples it covers, for weighted epoch aggregation.
func (o *Orchestrator) ValidationStep(batch map[string]*tensor.Local) (MetricWithSize, error) {
	return o.evalStep(batch)
}

// TestStep is identical to ValidationStep in execution; reporting differs at
// the loop level.
func (o *Orchestrator) TestStep(batch map[string]*tensor.Local) (MetricWithSize, error) {
	return o.evalStep(batch)
}

func (o *Orchestrator) evalStep(batch map[string]*tensor.Local) (MetricWithSize, error) {
	plan, err := o.partitioner.Partition(batch)
	if err != nil {
		return MetricWithSize{}, err
	}
	res, err := o.schedule.Run(ScheduleArgs{
		Stages:      o.stages,
		Plan:        plan,
		ForwardStep: o.forwardStep,
		ForwardOnly: true,
	})
	if err != nil {
		return MetricWithSize{}, errors.WithMessagef(err, "schedule %s", o.schedule.Name())
	}
	loss, _ := summarize(res)
	loss, err = o.broadcastLoss(loss)
	if err != nil {
		return MetricWithSize{}, err
	}
	size := plan.NumMicroBatches() * o.partitioner.MicroBatchSize()
	return MetricWithSize{Value: loss, Size: size}, nil
}

// ValidationEpochEnd aggregates per-batch validation losses weighted by
// batch size.
func (o *Orchestrator) ValidationEpochEnd(ms []MetricWithSize) float64 {
	return WeightedAverage(ms)
}

// broadcastLoss distributes the terminal-stage loss from the last rank to
// the whole world. Ranks without losses contribute a placeholder that the
// broadcast overwrites.
func (o *Orchestrator) broadcastLoss(loss float64) (float64, error) {
	if o.topo.WorldSize() == 1 {
		return loss, nil
	}
	buf := tensor.FromScalar(loss)
	if err := o.comm.Broadcast(o.topo.WorldGroup(), o.topo.LastRank(), buf); err != nil {
		return 0, errors.WithMessage(err, "broadcasting loss")
	}
	return buf.ScalarFloat64(), nil
}

// wrapForwardStep layers loss scaling onto the model's forward step when
// fp16 training is active.
func (o *Orchestrator) wrapForwardStep() ForwardStepFunc {
	if o.scaler == nil {
		return o.forwardStep
	}
	scale := o.scaler.Scale()
	return func(mb MicroBatch, mod module.Module) (*tensor.Local, any, LossFunc, error) {
		output, state, lossFn, err := o.forwardStep(mb, mod)
		if err != nil || lossFn == nil {
			return output, state, lossFn, err
		}
		scaled := func(out *tensor.Local) (*LossResult, error) {
			lr, err := lossFn(out)
			if err != nil {
				return nil, err
			}
			if lr.OutputGrad != nil {
				lr.OutputGrad.Scale(scale)
			}
			return lr, nil
		}
		return output, state, scaled, nil
	}
}

func (o *Orchestrator) unscaleGrads() {
	inv := 1 / o.scaler.Scale()
	for _, p := range o.stages.Parameters() {
		if g := p.GradForSync(o.cfg.AmpO2); g != nil {
			g.Scale(inv)
		}
	}
}

// agreeOverflow reconciles the rank-local overflow flag across the world so
// every rank skips or applies the update together and backs the loss scale
// off in lockstep. A rank-local decision would strand the other replicas of
// the data-parallel group in their gradient all-reduce.
func (o *Orchestrator) agreeOverflow(local bool) (bool, error) {
	if o.topo.WorldSize() == 1 {
		return local, nil
	}
	flag := tensor.FromScalar(float32(0))
	if local {
		flag = tensor.FromScalar(float32(1))
	}
	if err := o.comm.AllReduce(o.topo.WorldGroup(), flag, comm.OpMax); err != nil {
		return false, errors.WithMessage(err, "agreeing on gradient overflow")
	}
	return flag.FloatAt(0) > 0, nil
}

func (o *Orchestrator) gradOverflow() bool {
	for _, p := range o.stages.Parameters() {
		g := p.GradForSync(o.cfg.AmpO2)
		if g == nil {
			continue
		}
		for i := 0; i < g.Size(); i++ {
			if v := g.FloatAt(i); math.IsNaN(v) || math.IsInf(v, 0) {
				return true
			}
		}
	}
	return false
}

// summarize averages the micro-batch losses and metrics of a schedule run.
// Ranks without the terminal stage report zero, replaced by the broadcast.
func summarize(res *ScheduleResult) (float64, map[string]float64) {
	if len(res.Losses) == 0 {
		return 0, nil
	}
	var lossMean Mean
	sums := map[string]float64{}
	for _, lr := range res.Losses {
		lossMean.Add(lr.Loss)
		for k, v := range lr.Metrics {
			sums[k] += v
		}
	}
	metrics := make(map[string]float64, len(sums))
	for k, v := range sums {
		metrics[k] = v / float64(len(res.Losses))
	}
	return lossMean.Value(), metrics
}
