// Package parallel computes process-group membership for the three
// parallelism axes of a training world: tensor, pipeline and data
// parallelism.
//
// Ranks are laid out with the tensor axis fastest, then data, then pipeline:
//
//	rank = pipeRank*(tp*dp) + dataRank*tp + tensorRank
//
// so tensor groups are contiguous rank blocks (they communicate the most),
// and pipeline groups stride by tp*dp.
//
// Virtual pipeline stages (interleaved pipelining) are not ambient state:
// every query that depends on the virtual stage takes it as an explicit
// argument.
package parallel

import (
	"github.com/pkg/errors"
)

// Topology answers group-membership queries for one rank of the world.
// It is immutable after construction.
type Topology struct {
	rank      int
	worldSize int

	tensorSize   int
	pipelineSize int
	dataSize     int

	// virtualStages is the number of virtual pipeline stages hosted per
	// rank; 1 when interleaving is disabled.
	virtualStages int
}

// New validates the world layout and returns the Topology for rank.
// virtualStages <= 1 means no interleaving.
func New(rank, worldSize, tensorSize, pipelineSize, virtualStages int) (*Topology, error) {
	if worldSize <= 0 || rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("parallel: invalid rank %d for world size %d", rank, worldSize)
	}
	if tensorSize <= 0 || pipelineSize <= 0 {
		return nil, errors.Errorf("parallel: tensor size %d and pipeline size %d must be positive", tensorSize, pipelineSize)
	}
	if worldSize%(tensorSize*pipelineSize) != 0 {
		return nil, errors.Errorf("parallel: world size %d is not divisible by tensor size %d x pipeline size %d",
			worldSize, tensorSize, pipelineSize)
	}
	if virtualStages > 1 && pipelineSize <= 1 {
		return nil, errors.Errorf("parallel: virtual pipeline stages require pipeline size > 1, got %d", pipelineSize)
	}
	if virtualStages < 1 {
		virtualStages = 1
	}
	return &Topology{
		rank:          rank,
		worldSize:     worldSize,
		tensorSize:    tensorSize,
		pipelineSize:  pipelineSize,
		dataSize:      worldSize / (tensorSize * pipelineSize),
		virtualStages: virtualStages,
	}, nil
}

// Rank returns this process's global rank.
func (t *Topology) Rank() int { return t.rank }

// WorldSize returns the total number of ranks.
func (t *Topology) WorldSize() int { return t.worldSize }

// TensorParallelSize returns the tensor-parallel group width.
func (t *Topology) TensorParallelSize() int { return t.tensorSize }

// PipelineParallelSize returns the number of pipeline stages per model replica.
func (t *Topology) PipelineParallelSize() int { return t.pipelineSize }

// DataParallelSize returns the number of model replicas.
func (t *Topology) DataParallelSize() int { return t.dataSize }

// VirtualStages returns the number of virtual pipeline stages hosted on each
// rank (1 when interleaving is disabled).
func (t *Topology) VirtualStages() int { return t.virtualStages }

// TensorParallelRank returns this rank's index within its tensor group.
func (t *Topology) TensorParallelRank() int { return t.rank % t.tensorSize }

// DataParallelRank returns this rank's index within its data-parallel group.
func (t *Topology) DataParallelRank() int {
	return (t.rank % (t.tensorSize * t.dataSize)) / t.tensorSize
}

// PipelineRank returns this rank's pipeline stage index (ignoring virtual
// stages).
func (t *Topology) PipelineRank() int {
	return t.rank / (t.tensorSize * t.dataSize)
}

// TensorParallelGroup returns the global ranks of this rank's tensor group.
func (t *Topology) TensorParallelGroup() []int {
	base := t.rank - t.TensorParallelRank()
	group := make([]int, t.tensorSize)
	for i := range group {
		group[i] = base + i
	}
	return group
}

// DataParallelGroup returns the global ranks of this rank's data-parallel
// group: same tensor and pipeline coordinates, all data replicas.
func (t *Topology) DataParallelGroup() []int {
	base := t.PipelineRank()*(t.tensorSize*t.dataSize) + t.TensorParallelRank()
	group := make([]int, t.dataSize)
	for i := range group {
		group[i] = base + i*t.tensorSize
	}
	return group
}

// PipelineGroup returns the global ranks of this rank's pipeline, first
// stage first.
func (t *Topology) PipelineGroup() []int {
	stride := t.tensorSize * t.dataSize
	base := t.rank % stride
	group := make([]int, t.pipelineSize)
	for i := range group {
		group[i] = base + i*stride
	}
	return group
}

// ModelParallelGroup returns the ranks sharing this rank's model replica:
// the union of its tensor and pipeline groups over all stages.
func (t *Topology) ModelParallelGroup() []int {
	stride := t.tensorSize * t.dataSize
	base := t.DataParallelRank() * t.tensorSize
	group := make([]int, 0, t.pipelineSize*t.tensorSize)
	for p := 0; p < t.pipelineSize; p++ {
		for j := 0; j < t.tensorSize; j++ {
			group = append(group, p*stride+base+j)
		}
	}
	return group
}

// WorldGroup returns all global ranks.
func (t *Topology) WorldGroup() []int {
	group := make([]int, t.worldSize)
	for i := range group {
		group[i] = i
	}
	return group
}

// GlobalStages returns the total number of pipeline stages across virtual
// interleaving: pipelineSize * virtualStages.
func (t *Topology) GlobalStages() int {
	return t.pipelineSize * t.virtualStages
}

// GlobalStage returns the global stage index of the given virtual stage on
// this rank. Under interleaving, rank r hosts global stages r, r+P, r+2P, …
// where P is the pipeline size.
func (t *Topology) GlobalStage(virtualStage int) int {
	return virtualStage*t.pipelineSize + t.PipelineRank()
}

// StageRank returns the global rank hosting the given global stage, within
// this rank's pipeline.
func (t *Topology) StageRank(globalStage int) int {
	return t.PipelineGroup()[globalStage%t.pipelineSize]
}

// IsFirstStage reports whether the given virtual stage on this rank is the
// very first stage of the model. With virtualStage < 0 the virtual axis is
// ignored, i.e. it reports whether this rank hosts the first stage at all.
func (t *Topology) IsFirstStage(virtualStage int) bool {
	if t.PipelineRank() != 0 {
		return false
	}
	return virtualStage <= 0
}

// IsLastStage reports whether the given virtual stage on this rank is the
// terminal stage of the model. With virtualStage < 0 the virtual axis is
// ignored.
func (t *Topology) IsLastStage(virtualStage int) bool {
	if t.PipelineRank() != t.pipelineSize-1 {
		return false
	}
	return virtualStage < 0 || virtualStage == t.virtualStages-1
}

// LastRank returns the global rank used as the broadcast source for final
// step metrics. It is always a member of the terminal pipeline stage — never
// assume rank 0, which hosts the first stage.
func (t *Topology) LastRank() int {
	return t.worldSize - 1
}
