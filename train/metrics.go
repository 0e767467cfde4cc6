package train

import "github.com/gomlx/exceptions"

// MetricWithSize pairs a metric value with the number of examples it was
// computed over, so epoch aggregation can weight unevenly sized batches.
type MetricWithSize struct {
	Value float64
	Size  int
}

// WeightedAverage aggregates per-batch metrics by example count:
// sum(value_i * size_i) / sum(size_i). It panics on an empty slice, which
// indicates the caller ran an epoch with no batches.
func WeightedAverage(ms []MetricWithSize) float64 {
	if len(ms) == 0 {
		exceptions.Panicf("train: weighted average of no metrics")
	}
	var weighted, total float64
	for _, m := range ms {
		weighted += m.Value * float64(m.Size)
		total += float64(m.Size)
	}
	if total == 0 {
		exceptions.Panicf("train: weighted average over zero total examples")
	}
	return weighted / total
}

// Mean is a running unweighted mean accumulator, used for the per-step
// average over micro-batch losses (all micro-batches share one size).
type Mean struct {
	sum   float64
	count int
}

// Add folds one observation in.
func (m *Mean) Add(v float64) {
	m.sum += v
	m.count++
}

// Count returns the number of observations.
func (m *Mean) Count() int { return m.count }

// Value returns the mean, or 0 when nothing was observed.
func (m *Mean) Value() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}
