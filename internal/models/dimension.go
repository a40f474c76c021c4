package models

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Dimension is one scoring axis owned by exactly one agent.
type Dimension string

const (
	DimensionSignal    Dimension = "signal"
	DimensionCatalyst  Dimension = "catalyst"
	DimensionSentiment Dimension = "sentiment"
	DimensionOdds      Dimension = "odds"
	DimensionRiskAdj   Dimension = "risk_adj"

	// DimensionML is the auxiliary prediction dimension. It nudges the final
	// score but never takes part in the weighted sum or the vote.
	DimensionML Dimension = "ml"
)

// CanonicalDimensions lists the weighted dimensions in a stable order.
var CanonicalDimensions = []Dimension{
	DimensionSignal,
	DimensionCatalyst,
	DimensionSentiment,
	DimensionOdds,
	DimensionRiskAdj,
}

// IsCanonical reports whether d carries a weight.
func (d Dimension) IsCanonical() bool {
	for _, c := range CanonicalDimensions {
		if d == c {
			return true
		}
	}
	return false
}

// IsKnown reports whether d is canonical or the auxiliary ml dimension.
func (d Dimension) IsKnown() bool {
	return d == DimensionML || d.IsCanonical()
}

// ParseDimension accepts the canonical names plus a few spellings agents use.
func ParseDimension(s string) (Dimension, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "signal":
		return DimensionSignal, nil
	case "catalyst":
		return DimensionCatalyst, nil
	case "sentiment":
		return DimensionSentiment, nil
	case "odds":
		return DimensionOdds, nil
	case "risk_adj", "risk-adj", "riskadj", "risk":
		return DimensionRiskAdj, nil
	case "ml", "ml_prediction":
		return DimensionML, nil
	}
	return "", fmt.Errorf("unknown dimension %q", s)
}

// Direction is the call an agent or decision makes for a topic.
type Direction string

const (
	DirectionBullish Direction = "bullish"
	DirectionBearish Direction = "bearish"
	DirectionNeutral Direction = "neutral"
)

// Directions lists every valid direction.
var Directions = []Direction{DirectionBullish, DirectionBearish, DirectionNeutral}

// ParseDirection normalizes a direction string.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bullish", "bull", "long", "up":
		return DirectionBullish, nil
	case "bearish", "bear", "short", "down":
		return DirectionBearish, nil
	case "neutral", "hold", "flat":
		return DirectionNeutral, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// Valid reports whether d is one of the three known directions.
func (d Direction) Valid() bool {
	return d == DirectionBullish || d == DirectionBearish || d == DirectionNeutral
}

// Sign maps bullish to +1, bearish to -1 and neutral to 0.
func (d Direction) Sign() float64 {
	switch d {
	case DirectionBullish:
		return 1
	case DirectionBearish:
		return -1
	default:
		return 0
	}
}

// NormalizeTopic trims and upper-cases a topic symbol so "nvda " and "NVDA"
// share one prediction row.
func NormalizeTopic(topic string) string {
	// A Caser is stateful and must not be shared between goroutines.
	return cases.Upper(language.Und).String(strings.TrimSpace(topic))
}
