package clip

import (
	"io"
	"math/rand"

	"github.com/distclip/distclip/types/shapes"
	"github.com/distclip/distclip/types/tensor"
)

// SyntheticDataset yields deterministic pseudo-random paired image/text
// batches, used by the command-line demo and the tests. Ranks whose stage
// takes no data construct it with emit=false and yield nil batches, keeping
// step counts aligned across the pipeline.
type SyntheticDataset struct {
	name    string
	rows    int
	dim     int
	batches int
	seed    int64
	emit    bool

	next int
}

// NewSyntheticDataset creates a dataset of batches batches of rows examples
// each, with per-tower feature width dim.
func NewSyntheticDataset(name string, rows, dim, batches int, seed int64, emit bool) *SyntheticDataset {
	return &SyntheticDataset{name: name, rows: rows, dim: dim, batches: batches, seed: seed, emit: emit}
}

func (d *SyntheticDataset) Name() string { return d.name }

func (d *SyntheticDataset) Yield() (map[string]*tensor.Local, error) {
	if d.next >= d.batches {
		return nil, io.EOF
	}
	i := d.next
	d.next++
	if !d.emit {
		return nil, nil
	}
	rng := rand.New(rand.NewSource(d.seed + int64(i)))
	fill := func() *tensor.Local {
		t := tensor.FromShape(shapes.Make(shapes.Float32, d.rows, d.dim))
		data := tensor.Data[float32](t)
		for j := range data {
			data[j] = rng.Float32()*2 - 1
		}
		return t
	}
	return map[string]*tensor.Local{"images": fill(), "captions": fill()}, nil
}

func (d *SyntheticDataset) Reset() error {
	d.next = 0
	return nil
}
