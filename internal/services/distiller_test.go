package services

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/irfndi/celebrum-distiller/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResonance models.Resonance

func (s staticResonance) DetectResonance(string) models.Resonance { return models.Resonance(s) }

func newTestDistiller(board ResonanceSource) *Distiller {
	return NewDistiller(DefaultDistillerConfig(), models.DefaultWeights(), board, quietLogger())
}

func scenarioX() []models.AgentResult {
	return []models.AgentResult{
		models.Present(models.DimensionSignal, 8.0, models.DirectionBullish, 0.9),
		models.Present(models.DimensionCatalyst, 7.0, models.DirectionBullish, 0.8),
		models.Present(models.DimensionSentiment, 6.0, models.DirectionBearish, 0.2),
		models.Present(models.DimensionOdds, 7.5, models.DirectionBullish, 0.7),
		models.Present(models.DimensionRiskAdj, 8.0, models.DirectionNeutral, 0.9),
	}
}

func TestDistill_NoResultsIsNeutral(t *testing.T) {
	d := newTestDistiller(nil)

	for name, results := range map[string][]models.AgentResult{
		"nil":    nil,
		"absent": {models.Absent(models.DimensionSignal)},
		"failed": {models.Failed(models.DimensionOdds, errors.New("timeout")), models.Failed(models.DimensionRiskAdj, nil)},
	} {
		t.Run(name, func(t *testing.T) {
			decision := d.Distill(context.Background(), "X", results)
			assert.Equal(t, 5.0, decision.FinalScore)
			assert.Equal(t, models.DirectionNeutral, decision.Direction)
			assert.Zero(t, decision.SupportingAgentCount)
			for _, dim := range models.CanonicalDimensions {
				assert.Equal(t, models.DimensionAbsent, decision.DimensionStatus[dim])
			}
		})
	}
}

func TestDistill_ScenarioX(t *testing.T) {
	decision := newTestDistiller(staticResonance{}).Distill(context.Background(), "x", scenarioX())

	assert.Equal(t, "X", decision.Topic)
	assert.GreaterOrEqual(t, decision.FinalScore, 6.5)
	assert.LessOrEqual(t, decision.FinalScore, 8.0)
	assert.InDelta(t, 6.8375, decision.FinalScore, 1e-4)
	assert.Equal(t, models.DirectionBullish, decision.Direction)
	assert.False(t, decision.Resonance.Detected)
	assert.False(t, decision.GuardPenaltyApplied)
	assert.Equal(t, 3, decision.SupportingAgentCount)
	assert.Equal(t, 5, decision.ContributingAgentCount)
	assert.InDelta(t, 100.0, decision.DimensionCoveragePct, 1e-9)
	assert.InDelta(t, 100.0, decision.DataQualityPct, 1e-9)

	want := models.VoteWeights{Bullish: 0.535, Bearish: 0.04, Neutral: 0.135}
	assert.Empty(t, cmp.Diff(want, decision.VoteWeights, cmp.Comparer(func(a, b float64) bool {
		return math.Abs(a-b) < 1e-9
	})))
}

func TestDistill_WeightedVoteBeatsMajority(t *testing.T) {
	results := []models.AgentResult{
		models.Present(models.DimensionSignal, 8, models.DirectionBullish, 0.9),
		models.Present(models.DimensionCatalyst, 8, models.DirectionBullish, 0.85),
		models.Present(models.DimensionSentiment, 3, models.DirectionBearish, 0.25),
		models.Present(models.DimensionOdds, 3, models.DirectionBearish, 0.2),
		models.Present(models.DimensionRiskAdj, 4, models.DirectionBearish, 0.25),
	}
	decision := newTestDistiller(nil).Distill(context.Background(), "VOTE", results)
	assert.Equal(t, models.DirectionBullish, decision.Direction)
	assert.Equal(t, 2, decision.SupportingAgentCount)
}

func TestDistill_RenormalizesOverPresentDimensions(t *testing.T) {
	results := []models.AgentResult{
		models.Present(models.DimensionSignal, 9, models.DirectionBullish, 1),
		models.Absent(models.DimensionCatalyst),
	}
	decision := newTestDistiller(nil).Distill(context.Background(), "ONE", results)

	assert.InDelta(t, 9.0, decision.FinalScore, 1e-9)
	assert.Equal(t, models.DimensionPresent, decision.DimensionStatus[models.DimensionSignal])
	assert.Equal(t, models.DimensionAbsent, decision.DimensionStatus[models.DimensionCatalyst])
	assert.InDelta(t, 20.0, decision.DimensionCoveragePct, 1e-9)
}

func TestDistill_LowConfidencePullsTowardNeutral(t *testing.T) {
	d := newTestDistiller(nil)
	sure := d.Distill(context.Background(), "A", []models.AgentResult{models.Present(models.DimensionOdds, 10, models.DirectionBullish, 1)})
	unsure := d.Distill(context.Background(), "A", []models.AgentResult{models.Present(models.DimensionOdds, 10, models.DirectionBullish, 0)})

	assert.InDelta(t, 10.0, sure.FinalScore, 1e-9)
	assert.InDelta(t, 5.0, unsure.FinalScore, 1e-9)
}

func TestDistill_MalformedResultsAreAbsent(t *testing.T) {
	results := []models.AgentResult{
		models.Present(models.DimensionSignal, math.NaN(), models.DirectionBullish, 0.9),
		models.Present(models.DimensionCatalyst, 7, models.Direction("sideways"), 0.9),
		models.Present(models.Dimension("astrology"), 10, models.DirectionBullish, 1),
		models.Present(models.DimensionOdds, 7, models.DirectionBullish, math.Inf(1)),
		{Status: "weird", Dimension: models.DimensionSentiment},
		models.Present(models.DimensionRiskAdj, 15, models.DirectionBullish, 2),
		models.Present(models.DimensionRiskAdj, 0, models.DirectionBearish, 1),
	}

	var decision models.Decision
	require.NotPanics(t, func() {
		decision = newTestDistiller(nil).Distill(context.Background(), "BAD", results)
	})

	// Only the first risk result survives, clamped to 10 and confidence 1.
	assert.Equal(t, 1, decision.ContributingAgentCount)
	assert.InDelta(t, 10.0, decision.DimensionScores[models.DimensionRiskAdj], 1e-9)
	assert.InDelta(t, 1.0, decision.DimensionConfidence[models.DimensionRiskAdj], 1e-9)
	assert.InDelta(t, 10.0, decision.FinalScore, 1e-9)
	for _, dim := range []models.Dimension{models.DimensionSignal, models.DimensionCatalyst, models.DimensionOdds, models.DimensionSentiment} {
		assert.Equal(t, models.DimensionAbsent, decision.DimensionStatus[dim], "dimension %s", dim)
	}
}

func TestDistiller_GuardPenalty(t *testing.T) {
	d := newTestDistiller(nil)

	assert.Zero(t, d.GuardPenalty(4.0))
	assert.Zero(t, d.GuardPenalty(9.5))
	assert.InDelta(t, 0.3, d.GuardPenalty(0), 1e-9)

	previous := 0.0
	for risk := 3.9; risk >= 0; risk -= 0.1 {
		p := d.GuardPenalty(risk)
		assert.Greater(t, p, previous, "risk %.1f", risk)
		assert.LessOrEqual(t, p, 0.3)
		previous = p
	}
}

func TestDistill_GuardPenaltyApplied(t *testing.T) {
	results := []models.AgentResult{
		models.Present(models.DimensionSignal, 10, models.DirectionBullish, 1),
		models.Present(models.DimensionRiskAdj, 2, models.DirectionBearish, 1),
	}
	decision := newTestDistiller(nil).Distill(context.Background(), "RISK", results)

	// Weighted: (10*0.30 + 2*0.15) / 0.45 = 7.3333; penalty (4-2)/4*0.3 = 0.15.
	assert.True(t, decision.GuardPenaltyApplied)
	assert.InDelta(t, 0.15, decision.GuardPenalty, 1e-9)
	assert.InDelta(t, 7.3333*0.85, decision.FinalScore, 1e-3)
}

func TestDistill_ResonanceBoost(t *testing.T) {
	res := staticResonance{Detected: true, Direction: models.DirectionBearish, CrossDimensionCount: 4, ConfidenceBoost: 20}
	results := []models.AgentResult{
		models.Present(models.DimensionSignal, 6, models.DirectionBullish, 0.3),
		models.Present(models.DimensionCatalyst, 6, models.DirectionBearish, 0.3),
	}

	without := newTestDistiller(nil).Distill(context.Background(), "R", results)
	with := newTestDistiller(res).Distill(context.Background(), "R", results)

	assert.Equal(t, models.DirectionBullish, without.Direction)
	assert.Equal(t, models.DirectionBearish, with.Direction)
	assert.True(t, with.Resonance.Detected)
	assert.InDelta(t, -0.5, with.Resonance.ScoreNudge, 1e-9)
	assert.InDelta(t, without.FinalScore-0.5, with.FinalScore, 1e-9)
	assert.InDelta(t, without.VoteWeights.Bearish+0.2, with.VoteWeights.Bearish, 1e-9)
}

func TestDistill_MLNudgeIsBoundedAndUnweighted(t *testing.T) {
	base := []models.AgentResult{models.Present(models.DimensionOdds, 6, models.DirectionBullish, 1)}
	d := newTestDistiller(nil)

	plain := d.Distill(context.Background(), "ML", base)
	up := d.Distill(context.Background(), "ML", append(base, models.Present(models.DimensionML, 10, models.DirectionBullish, 1)))
	down := d.Distill(context.Background(), "ML", append(base, models.Present(models.DimensionML, 0, models.DirectionBearish, 0.5)))

	assert.InDelta(t, 0.3, up.MLAdjustment, 1e-9)
	assert.InDelta(t, plain.FinalScore+0.3, up.FinalScore, 1e-9)
	assert.InDelta(t, -0.15, down.MLAdjustment, 1e-9)
	assert.Equal(t, plain.Direction, down.Direction)
	assert.Equal(t, plain.VoteWeights, down.VoteWeights)
	assert.InDelta(t, 20.0, up.DimensionCoveragePct, 1e-9)
	assert.Equal(t, 2, up.ContributingAgentCount)
}

func TestDistill_DataQualityPct(t *testing.T) {
	fallback := models.Present(models.DimensionSentiment, 5, models.DirectionNeutral, 0.5)
	fallback.DataQualityTag = models.DataQualitySample
	results := []models.AgentResult{
		models.Present(models.DimensionSignal, 6, models.DirectionBullish, 0.6),
		fallback,
	}
	decision := newTestDistiller(nil).Distill(context.Background(), "Q", results)

	assert.InDelta(t, 50.0, decision.DataQualityPct, 1e-9)
	assert.Equal(t, models.DataQualitySample, decision.DataQuality[models.DimensionSentiment])
}

func TestNewDistiller_InvalidWeightsFallBack(t *testing.T) {
	d := NewDistiller(DistillerConfig{}, models.Weights{models.DimensionSignal: 1.5}, nil, quietLogger())
	assert.Equal(t, models.DefaultWeights(), d.Weights())
}
