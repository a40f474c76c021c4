package models

import "time"

// NeutralScore is the midpoint every low-confidence score is pulled toward.
const NeutralScore = 5.0

// DimensionPresence marks whether a canonical dimension contributed.
type DimensionPresence string

const (
	DimensionPresent DimensionPresence = "present"
	DimensionAbsent  DimensionPresence = "absent"
)

// VoteWeights holds the accumulated confidence x weight ballots per direction.
type VoteWeights struct {
	Bullish float64 `json:"bullish"`
	Bearish float64 `json:"bearish"`
	Neutral float64 `json:"neutral"`
}

// Add puts weight into the bucket for dir.
func (v *VoteWeights) Add(dir Direction, weight float64) {
	switch dir {
	case DirectionBullish:
		v.Bullish += weight
	case DirectionBearish:
		v.Bearish += weight
	case DirectionNeutral:
		v.Neutral += weight
	}
}

// Winner returns the heaviest bucket. Any tie at the top resolves to neutral.
func (v VoteWeights) Winner() Direction {
	switch {
	case v.Bullish > v.Bearish && v.Bullish > v.Neutral:
		return DirectionBullish
	case v.Bearish > v.Bullish && v.Bearish > v.Neutral:
		return DirectionBearish
	default:
		return DirectionNeutral
	}
}

// Decision is the reconciled output for one topic.
type Decision struct {
	Topic                  string                          `json:"topic"`
	FinalScore             float64                         `json:"final_score"`
	Direction              Direction                       `json:"direction"`
	Resonance              Resonance                       `json:"resonance"`
	DimensionScores        map[Dimension]float64           `json:"dimension_scores"`
	DimensionConfidence    map[Dimension]float64           `json:"dimension_confidence"`
	DimensionDirections    map[Dimension]Direction         `json:"dimension_directions"`
	DimensionStatus        map[Dimension]DimensionPresence `json:"dimension_status"`
	DimensionCoveragePct   float64                         `json:"dimension_coverage_pct"`
	VoteWeights            VoteWeights                     `json:"vote_weights"`
	GuardPenalty           float64                         `json:"guard_penalty"`
	GuardPenaltyApplied    bool                            `json:"guard_penalty_applied"`
	MLAdjustment           float64                         `json:"ml_adjustment"`
	DataQuality            map[Dimension]DataQualityTag    `json:"data_quality"`
	DataQualityPct         float64                         `json:"data_quality_pct"`
	SupportingAgentCount   int                             `json:"supporting_agent_count"`
	ContributingAgentCount int                             `json:"contributing_agent_count"`
	WeightsUsed            Weights                         `json:"weights_used"`
	GeneratedAt            time.Time                       `json:"generated_at"`
}

// NeutralDecision is returned when no agent produced a usable result.
func NeutralDecision(topic string, weights Weights, now time.Time) Decision {
	status := make(map[Dimension]DimensionPresence, len(CanonicalDimensions))
	for _, d := range CanonicalDimensions {
		status[d] = DimensionAbsent
	}
	return Decision{
		Topic:               topic,
		FinalScore:          NeutralScore,
		Direction:           DirectionNeutral,
		DimensionScores:     map[Dimension]float64{},
		DimensionConfidence: map[Dimension]float64{},
		DimensionDirections: map[Dimension]Direction{},
		DimensionStatus:     status,
		DataQuality:         map[Dimension]DataQualityTag{},
		WeightsUsed:         weights,
		GeneratedAt:         now.UTC(),
	}
}
