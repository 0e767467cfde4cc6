package train

import (
	"math"

	"github.com/gomlx/exceptions"
)

// GradScaler implements dynamic loss scaling for fp16 training. Scales are
// kept at powers of two so scaling and unscaling are exact.
type GradScaler struct {
	scale        float64
	growthFactor float64
	backoff      float64
	interval     int
	goodSteps    int
}

// NewGradScaler creates a scaler with the usual defaults: initial scale
// 2^16, doubling after 2000 overflow-free steps, halving on overflow.
func NewGradScaler() *GradScaler {
	return &GradScaler{
		scale:        math.Exp2(16),
		growthFactor: 2,
		backoff:      0.5,
		interval:     2000,
	}
}

// Scale returns the current loss scale.
func (s *GradScaler) Scale() float64 { return s.scale }

// ScaleLoss applies the scale to a loss value before backward.
func (s *GradScaler) ScaleLoss(loss float64) float64 { return loss * s.scale }

// Unscale removes the scale from a gradient value.
func (s *GradScaler) Unscale(v float64) float64 { return v / s.scale }

// Update advances the scale after a step. overflow reports whether any
// gradient was non-finite; such steps are skipped by the caller and the
// scale backs off.
func (s *GradScaler) Update(overflow bool) {
	if overflow {
		s.scale *= s.backoff
		s.goodSteps = 0
		if s.scale < 1 {
			exceptions.Panicf("train: loss scale collapsed below 1, training diverged")
		}
		return
	}
	s.goodSteps++
	if s.goodSteps >= s.interval {
		s.scale *= s.growthFactor
		s.goodSteps = 0
	}
}
