// Package clip implements a contrastive image/text dual-encoder trained by
// the orchestration layer: pipeline-splittable encoder stages, the
// contrastive loss over paired embeddings, and a trainer facade wiring
// topology, schedule, synchronization and checkpointing together.
package clip

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/distclip/distclip/module"
	"github.com/distclip/distclip/types/shapes"
	"github.com/distclip/distclip/types/tensor"
)

// Stage is one pipeline stage of the dual encoder. It carries the paired
// activations of both towers as a single [batch, 2*out] tensor, vision
// features in the left half and text features in the right half, each half
// transformed by its own weight matrix and scaled by a shared per-feature
// gain. The gain plays the role of a sequence-parallel normalization
// parameter for gradient synchronization purposes.
type Stage struct {
	name    string
	in, out int

	vision *module.Param // [in, out]
	text   *module.Param // [in, out]
	gain   *module.Param // [2*out], sequence-parallel

	inputAct *tensor.Local
}

// stageState is the per-micro-batch activation record backward consumes.
// Several may be in flight at once under pipelined schedules.
type stageState struct {
	x *tensor.Local // [batch, 2*in]
	z *tensor.Local // [batch, 2*out], pre-gain
}

// NewStage creates a stage with deterministic pseudo-random initialization,
// so replicas constructed with the same seed start identical.
func NewStage(name string, in, out int, seed int64) *Stage {
	rng := rand.New(rand.NewSource(seed))
	init := func(pname string, rows, cols int) *module.Param {
		t := tensor.FromFlat(randFloats(rng, rows*cols, rows), rows, cols)
		return &module.Param{Name: name + "." + pname, Value: t}
	}
	gainData := make([]float32, 2*out)
	for i := range gainData {
		gainData[i] = 1
	}
	return &Stage{
		name:   name,
		in:     in,
		out:    out,
		vision: init("vision.weight", in, out),
		text:   init("text.weight", in, out),
		gain: &module.Param{
			Name:             name + ".norm.gain",
			Value:            tensor.FromFlat(gainData, 2*out),
			SequenceParallel: true,
		},
	}
}

func randFloats(rng *rand.Rand, n, fanIn int) []float32 {
	scale := float32(1) / float32(fanIn)
	vs := make([]float32, n)
	for i := range vs {
		vs[i] = (rng.Float32()*2 - 1) * scale
	}
	return vs
}

func (s *Stage) Name() string { return s.name }

// InputDim returns the per-tower input feature width.
func (s *Stage) InputDim() int { return s.in }

// OutputDim returns the per-tower output feature width.
func (s *Stage) OutputDim() int { return s.out }

func (s *Stage) SetInputActivation(act *tensor.Local) { s.inputAct = act }

func (s *Stage) Forward(inputs map[string]*tensor.Local) (*tensor.Local, any, error) {
	x, err := s.takeInput(inputs)
	if err != nil {
		return nil, nil, err
	}
	batch := x.Shape().Dimensions[0]
	z := tensor.FromShape(shapes.Make(shapes.Float32, batch, 2*s.out))
	matmulHalves(x, s.vision.Value, s.text.Value, z, s.in, s.out)

	y := tensor.FromShape(z.Shape().Clone())
	yd, zd := tensor.Data[float32](y), tensor.Data[float32](z)
	gd := tensor.Data[float32](s.gain.Value)
	for b := 0; b < batch; b++ {
		row := b * 2 * s.out
		for k := 0; k < 2*s.out; k++ {
			yd[row+k] = zd[row+k] * gd[k]
		}
	}
	return y, &stageState{x: x, z: z}, nil
}

// takeInput resolves this micro-batch's input: the activation handed over by
// the previous stage, or on the first stage the paired image/text features
// concatenated column-wise.
func (s *Stage) takeInput(inputs map[string]*tensor.Local) (*tensor.Local, error) {
	if s.inputAct != nil {
		x := s.inputAct
		s.inputAct = nil
		if x.DType() != shapes.Float32 {
			x = x.ConvertTo(shapes.Float32)
		}
		if x.Shape().Rank() != 2 || x.Shape().Dimensions[1] != 2*s.in {
			return nil, errors.Errorf("stage %s: activation shape %s, want [batch, %d]",
				s.name, x.Shape(), 2*s.in)
		}
		return x, nil
	}
	img, okImg := inputs["images"]
	txt, okTxt := inputs["captions"]
	if !okImg || !okTxt {
		return nil, errors.Errorf("stage %s: no input activation and no images/captions tensors", s.name)
	}
	if img.Shape().Dimensions[0] != txt.Shape().Dimensions[0] {
		return nil, errors.Errorf("stage %s: images and captions disagree on batch size", s.name)
	}
	img, txt = img.ConvertTo(shapes.Float32), txt.ConvertTo(shapes.Float32)
	batch := img.Shape().Dimensions[0]
	x := tensor.FromShape(shapes.Make(shapes.Float32, batch, 2*s.in))
	xd := tensor.Data[float32](x)
	id, td := tensor.Data[float32](img), tensor.Data[float32](txt)
	for b := 0; b < batch; b++ {
		copy(xd[b*2*s.in:], id[b*s.in:(b+1)*s.in])
		copy(xd[b*2*s.in+s.in:], td[b*s.in:(b+1)*s.in])
	}
	return x, nil
}

func (s *Stage) Backward(state any, outputGrad *tensor.Local) (*tensor.Local, error) {
	st, ok := state.(*stageState)
	if !ok || st == nil {
		return nil, errors.Errorf("stage %s: backward without matching forward state", s.name)
	}
	if outputGrad.DType() != shapes.Float32 {
		outputGrad = outputGrad.ConvertTo(shapes.Float32)
	}
	batch := st.x.Shape().Dimensions[0]
	dy := tensor.Data[float32](outputGrad)
	zd := tensor.Data[float32](st.z)
	gd := tensor.Data[float32](s.gain.Value)

	// Gain gradient and pre-gain gradient.
	dgain := make([]float32, 2*s.out)
	dz := make([]float32, batch*2*s.out)
	for b := 0; b < batch; b++ {
		row := b * 2 * s.out
		for k := 0; k < 2*s.out; k++ {
			dgain[k] += dy[row+k] * zd[row+k]
			dz[row+k] = dy[row+k] * gd[k]
		}
	}
	if err := s.gain.AccumulateGrad(tensor.FromFlat(dgain, 2*s.out)); err != nil {
		return nil, err
	}

	xd := tensor.Data[float32](st.x)
	dx := make([]float32, batch*2*s.in)
	for tower := 0; tower < 2; tower++ {
		w := s.vision
		if tower == 1 {
			w = s.text
		}
		wd := tensor.Data[float32](w.Value)
		dw := make([]float32, s.in*s.out)
		for b := 0; b < batch; b++ {
			xRow := b*2*s.in + tower*s.in
			zRow := b*2*s.out + tower*s.out
			for a := 0; a < s.in; a++ {
				xv := xd[xRow+a]
				var acc float32
				for k := 0; k < s.out; k++ {
					dw[a*s.out+k] += xv * dz[zRow+k]
					acc += dz[zRow+k] * wd[a*s.out+k]
				}
				dx[xRow+a] = acc
			}
		}
		if err := w.AccumulateGrad(tensor.FromFlat(dw, s.in, s.out)); err != nil {
			return nil, err
		}
	}
	return tensor.FromFlat(dx, batch, 2*s.in), nil
}

// matmulHalves computes z = x*W per tower half.
func matmulHalves(x, visionW, textW, z *tensor.Local, in, out int) {
	batch := x.Shape().Dimensions[0]
	xd := tensor.Data[float32](x)
	zd := tensor.Data[float32](z)
	for tower := 0; tower < 2; tower++ {
		w := visionW
		if tower == 1 {
			w = textW
		}
		wd := tensor.Data[float32](w)
		for b := 0; b < batch; b++ {
			xRow := b*2*in + tower*in
			zRow := b*2*out + tower*out
			for k := 0; k < out; k++ {
				var acc float32
				for a := 0; a < in; a++ {
					acc += xd[xRow+a] * wd[a*out+k]
				}
				zd[zRow+k] = acc
			}
		}
	}
}

func (s *Stage) Parameters() []*module.Param {
	return []*module.Param{s.vision, s.text, s.gain}
}

func (s *Stage) StateDict() map[string]*tensor.Local {
	return module.StateDictOf(s.Parameters())
}

func (s *Stage) LoadStateDict(state map[string]*tensor.Local, strict bool) error {
	return module.LoadInto(s.Parameters(), state, strict)
}

// BuildStages constructs the model chunks one rank hosts: numChunks stages
// of width dim named by their global stage index. Seeds derive from the
// global stage so every data-parallel replica of a stage starts identical.
func BuildStages(pipelineRank, pipelineSize, numChunks, dim int, seed int64) module.StageSet {
	if pipelineSize == 1 && numChunks == 1 {
		return module.SingleStage(NewStage("stage0", dim, dim, seed))
	}
	mods := make([]module.Module, numChunks)
	for v := 0; v < numChunks; v++ {
		g := v*pipelineSize + pipelineRank
		mods[v] = NewStage(fmt.Sprintf("stage%d", g), dim, dim, seed+int64(g))
	}
	if numChunks == 1 {
		return module.SingleStage(mods[0])
	}
	return module.MultiStage(mods)
}
