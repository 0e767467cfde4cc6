package train

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Losses 2.0 and 4.0 over 3 and 1 examples average to 2.5, not 3.0.
func TestWeightedAverage(t *testing.T) {
	got := WeightedAverage([]MetricWithSize{
		{Value: 2.0, Size: 3},
		{Value: 4.0, Size: 1},
	})
	assert.InDelta(t, 2.5, got, 1e-12)
}

func TestWeightedAverageSingle(t *testing.T) {
	assert.Equal(t, 7.0, WeightedAverage([]MetricWithSize{{Value: 7, Size: 128}}))
}

func TestWeightedAverageEmptyPanics(t *testing.T) {
	err := exceptions.TryCatch[error](func() { WeightedAverage(nil) })
	require.Error(t, err)
}

func TestMean(t *testing.T) {
	var m Mean
	assert.Equal(t, 0.0, m.Value())
	m.Add(1)
	m.Add(2)
	m.Add(6)
	assert.Equal(t, 3, m.Count())
	assert.InDelta(t, 3.0, m.Value(), 1e-12)
}
