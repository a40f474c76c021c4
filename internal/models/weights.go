package models

import (
	"fmt"
	"math"
	"time"
)

// WeightTolerance is how far a weight vector may drift from summing to 1.
const WeightTolerance = 1e-6

// Weights maps each canonical dimension to its voting weight.
type Weights map[Dimension]float64

// DefaultWeights returns the built-in weight vector.
func DefaultWeights() Weights {
	return Weights{
		DimensionSignal:    0.30,
		DimensionCatalyst:  0.20,
		DimensionSentiment: 0.20,
		DimensionOdds:      0.15,
		DimensionRiskAdj:   0.15,
	}
}

// Clone returns an independent copy.
func (w Weights) Clone() Weights {
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// Sum adds the canonical entries.
func (w Weights) Sum() float64 {
	var total float64
	for _, d := range CanonicalDimensions {
		total += w[d]
	}
	return total
}

// Normalize rescales the canonical entries to sum to 1. A zero vector is
// replaced by an even split.
func (w Weights) Normalize() Weights {
	out := make(Weights, len(CanonicalDimensions))
	total := w.Sum()
	if total <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		even := 1.0 / float64(len(CanonicalDimensions))
		for _, d := range CanonicalDimensions {
			out[d] = even
		}
		return out
	}
	for _, d := range CanonicalDimensions {
		out[d] = w[d] / total
	}
	return out
}

// Validate checks every canonical dimension is present, non-negative and
// the vector sums to 1.
func (w Weights) Validate() error {
	for _, d := range CanonicalDimensions {
		v, ok := w[d]
		if !ok {
			return fmt.Errorf("weight for %s is missing", d)
		}
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("weight for %s is invalid: %v", d, v)
		}
	}
	if sum := w.Sum(); math.Abs(sum-1) > WeightTolerance {
		return fmt.Errorf("weights sum to %.8f, want 1", sum)
	}
	return nil
}

// WeightSet is a persisted, adapted weight vector.
type WeightSet struct {
	ID          int64                 `json:"id"`
	Date        string                `json:"date"`
	Weights     Weights               `json:"weights"`
	Accuracy    map[Dimension]float64 `json:"accuracy"`
	SampleCount int                   `json:"sample_count"`
	Horizon     Horizon               `json:"horizon_used"`
	CreatedAt   time.Time             `json:"created_at"`
}
