package clip

import (
	"github.com/pkg/errors"

	"github.com/distclip/distclip/comm"
	"github.com/distclip/distclip/module"
	"github.com/distclip/distclip/parallel"
	"github.com/distclip/distclip/train"
	"github.com/distclip/distclip/types/shapes"
	"github.com/distclip/distclip/types/tensor"
)

// ContrastiveLoss scores paired embeddings: matched image/text pairs are
// pulled together and each embedding is pushed away from the mean of the
// opposite tower's negatives. With LocalLoss the negatives come from the
// local micro-batch only; otherwise they are all-gathered across the
// data-parallel group. GatherWithGrad lets gradient flow back through the
// gathered negatives instead of treating them as constants.
type ContrastiveLoss struct {
	comm comm.Communicator
	topo *parallel.Topology

	LocalLoss      bool
	GatherWithGrad bool
}

// NewContrastiveLoss creates the loss over the given communicator/topology.
func NewContrastiveLoss(c comm.Communicator, topo *parallel.Topology) *ContrastiveLoss {
	return &ContrastiveLoss{comm: c, topo: topo}
}

// Compute evaluates the loss and its gradient for a terminal-stage output of
// shape [batch, 2*dim].
func (l *ContrastiveLoss) Compute(output *tensor.Local) (*train.LossResult, error) {
	if output.DType() != shapes.Float32 {
		output = output.ConvertTo(shapes.Float32)
	}
	if output.Shape().Rank() != 2 || output.Shape().Dimensions[1]%2 != 0 {
		return nil, errors.Errorf("contrastive loss expects [batch, 2*dim] output, got %s", output.Shape())
	}
	batch := output.Shape().Dimensions[0]
	dim := output.Shape().Dimensions[1] / 2
	yd := tensor.Data[float32](output)

	img := func(i int) []float32 { return yd[i*2*dim : i*2*dim+dim] }
	txt := func(i int) []float32 { return yd[i*2*dim+dim : (i+1)*2*dim] }

	meanI, meanT, err := l.negativeMeans(output, batch, dim)
	if err != nil {
		return nil, err
	}

	// Gradient through gathered negatives: every replica's loss pulls on the
	// shared means, so the mean-term gradient scales with the group size.
	meanWeight := float32(0.5)
	if !l.LocalLoss && l.GatherWithGrad {
		meanWeight *= float32(len(l.topo.DataParallelGroup()))
	}

	var loss, align float64
	grad := tensor.FromShape(output.Shape().Clone())
	gd := tensor.Data[float32](grad)
	inv := float32(1) / float32(batch)
	for i := 0; i < batch; i++ {
		ii, tt := img(i), txt(i)
		var sii, smi, smt float32
		for k := 0; k < dim; k++ {
			sii += ii[k] * tt[k]
			smt += ii[k] * meanT[k]
			smi += tt[k] * meanI[k]
		}
		loss += float64(-sii + 0.5*(smt+smi))
		align += float64(sii)
		gi := gd[i*2*dim : i*2*dim+dim]
		gt := gd[i*2*dim+dim : (i+1)*2*dim]
		for k := 0; k < dim; k++ {
			gi[k] = inv * (-tt[k] + meanWeight*meanT[k])
			gt[k] = inv * (-ii[k] + meanWeight*meanI[k])
		}
	}
	return &train.LossResult{
		Loss:       loss / float64(batch),
		Metrics:    map[string]float64{"alignment": align / float64(batch)},
		OutputGrad: grad,
	}, nil
}

// negativeMeans returns the mean image and text embeddings of the negative
// set, gathered across the data-parallel group unless LocalLoss is set.
func (l *ContrastiveLoss) negativeMeans(output *tensor.Local, batch, dim int) ([]float32, []float32, error) {
	pool := output
	group := l.topo.DataParallelGroup()
	if !l.LocalLoss && len(group) > 1 {
		gathered, err := l.comm.AllGather(group, output)
		if err != nil {
			return nil, nil, errors.WithMessage(err, "gathering contrastive negatives")
		}
		pool = gathered
	}
	n := pool.Shape().Dimensions[0]
	pd := tensor.Data[float32](pool)
	meanI, meanT := make([]float32, dim), make([]float32, dim)
	for i := 0; i < n; i++ {
		for k := 0; k < dim; k++ {
			meanI[k] += pd[i*2*dim+k]
			meanT[k] += pd[i*2*dim+dim+k]
		}
	}
	inv := float32(1) / float32(n)
	for k := 0; k < dim; k++ {
		meanI[k] *= inv
		meanT[k] *= inv
	}
	return meanI, meanT, nil
}

// StepFunc adapts the loss into the forward step the schedules drive. The
// loss function it returns is only invoked on the terminal stage.
func StepFunc(loss *ContrastiveLoss) train.ForwardStepFunc {
	return func(mb train.MicroBatch, mod module.Module) (*tensor.Local, any, train.LossFunc, error) {
		output, state, err := mod.Forward(mb.Tensors)
		if err != nil {
			return nil, nil, nil, err
		}
		return output, state, loss.Compute, nil
	}
}
