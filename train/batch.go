// Package train drives distributed training steps: it partitions global
// batches into micro-batches, selects and runs a pipeline schedule, applies
// the conditional gradient synchronization protocol, and reports losses and
// metrics consistently across all ranks.
package train

import (
	"github.com/pkg/errors"

	"github.com/distclip/distclip/config"
	"github.com/distclip/distclip/types/tensor"
)

// ErrBatchShape is returned when the tensors of a global batch cannot be cut
// into the configured number of micro-batches. Batches are never padded.
var ErrBatchShape = errors.New("batch shape incompatible with micro-batching")

// MicroBatch is one micro-batch of the step. Tensors is nil on ranks whose
// pipeline stage receives activations instead of data.
type MicroBatch struct {
	Index   int
	Size    int
	Tensors map[string]*tensor.Local
}

// BatchPlan is the partitioning of one global batch on this rank.
type BatchPlan struct {
	Micro []MicroBatch
}

// NumMicroBatches returns the number of micro-batches in the plan.
func (p *BatchPlan) NumMicroBatches() int { return len(p.Micro) }

// Partitioner cuts per-rank batches into micro-batches. The micro-batch
// count is a pure function of the configuration, so every rank computes the
// same plan shape even when it holds no batch data.
type Partitioner struct {
	microSize int
	numMicro  int
	dropLast  bool
}

// NewPartitioner builds a partitioner from a validated configuration.
func NewPartitioner(cfg *config.Config, dataParallelSize int) (*Partitioner, error) {
	per := cfg.MicroBatchSize * dataParallelSize
	if cfg.GlobalBatchSize%per != 0 {
		return nil, errors.Wrapf(config.ErrConfiguration,
			"global batch size %d is not divisible by micro batch size %d x data-parallel size %d",
			cfg.GlobalBatchSize, cfg.MicroBatchSize, dataParallelSize)
	}
	return &Partitioner{
		microSize: cfg.MicroBatchSize,
		numMicro:  cfg.GlobalBatchSize / per,
		dropLast:  cfg.DropLast,
	}, nil
}

// NumMicroBatches returns the micro-batch count of every step.
func (p *Partitioner) NumMicroBatches() int { return p.numMicro }

// MicroBatchSize returns the per-micro-batch row count.
func (p *Partitioner) MicroBatchSize() int { return p.microSize }

// Partition cuts batch into micro-batches. A nil or empty batch yields a
// plan of data-less micro-batches, used by pipeline stages fed purely by
// activations. Partitioning is deterministic and never mutates its input, so
// repeating it on the same batch yields the same plan.
func (p *Partitioner) Partition(batch map[string]*tensor.Local) (*BatchPlan, error) {
	plan := &BatchPlan{Micro: make([]MicroBatch, p.numMicro)}
	for i := range plan.Micro {
		plan.Micro[i] = MicroBatch{Index: i, Size: p.microSize}
	}
	if len(batch) == 0 {
		return plan, nil
	}

	rows := -1
	for name, t := range batch {
		if t.Shape().IsScalar() {
			return nil, errors.Wrapf(ErrBatchShape, "tensor %q is a scalar", name)
		}
		n := t.Shape().Dimensions[0]
		if rows < 0 {
			rows = n
		} else if n != rows {
			return nil, errors.Wrapf(ErrBatchShape,
				"tensor %q has %d rows, others have %d", name, n, rows)
		}
	}
	need := p.numMicro * p.microSize
	if rows != need {
		if !p.dropLast {
			return nil, errors.Wrapf(ErrBatchShape,
				"batch has %d rows, need %d (%d micro-batches of %d, drop_last=false)",
				rows, need, p.numMicro, p.microSize)
		}
		// Drop-last keeps only complete micro-batches: surplus rows are
		// discarded, an undersized trailing batch shrinks the plan.
		if rows < need {
			complete := rows / p.microSize
			if complete == 0 {
				return nil, errors.Wrapf(ErrBatchShape,
					"batch has %d rows, not enough for one micro-batch of %d",
					rows, p.microSize)
			}
			plan.Micro = plan.Micro[:complete]
		}
	}

	for i := range plan.Micro {
		mb := make(map[string]*tensor.Local, len(batch))
		for name, t := range batch {
			mb[name] = t.Narrow0(i*p.microSize, p.microSize)
		}
		plan.Micro[i].Tensors = mb
	}
	return plan, nil
}
