package services

import (
	"context"
	"math"
	"time"

	"github.com/irfndi/celebrum-distiller/internal/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DistillerConfig holds the score-shaping constants.
type DistillerConfig struct {
	MaxResonanceNudge float64 `mapstructure:"max_resonance_nudge"`
	GuardThreshold    float64 `mapstructure:"guard_threshold"`
	MaxGuardPenalty   float64 `mapstructure:"max_guard_penalty"`
	MaxMLNudge        float64 `mapstructure:"max_ml_nudge"`
}

// DefaultDistillerConfig returns the stock constants.
func DefaultDistillerConfig() DistillerConfig {
	return DistillerConfig{
		MaxResonanceNudge: 0.5,
		GuardThreshold:    4.0,
		MaxGuardPenalty:   0.3,
		MaxMLNudge:        0.3,
	}
}

// ResonanceSource is the part of the signal board the distiller reads.
type ResonanceSource interface {
	DetectResonance(topic string) models.Resonance
}

// Distiller reconciles every agent result for a topic into one Decision.
type Distiller struct {
	cfg     DistillerConfig
	weights models.Weights
	board   ResonanceSource
	logger  *logrus.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewDistiller builds a distiller reading resonance from board. A nil board
// disables the resonance step. Invalid weights fall back to the defaults.
func NewDistiller(cfg DistillerConfig, weights models.Weights, board ResonanceSource, logger *logrus.Logger) *Distiller {
	if logger == nil {
		logger = logrus.New()
	}
	if weights == nil || weights.Validate() != nil {
		if weights != nil {
			logger.WithField("weights", weights).Warn("Invalid weight vector, using defaults")
		}
		weights = models.DefaultWeights()
	}
	def := DefaultDistillerConfig()
	if cfg.GuardThreshold <= 0 {
		cfg.GuardThreshold = def.GuardThreshold
	}
	if cfg.MaxGuardPenalty <= 0 || cfg.MaxGuardPenalty >= 1 {
		cfg.MaxGuardPenalty = def.MaxGuardPenalty
	}
	if cfg.MaxResonanceNudge < 0 {
		cfg.MaxResonanceNudge = def.MaxResonanceNudge
	}
	if cfg.MaxMLNudge < 0 {
		cfg.MaxMLNudge = def.MaxMLNudge
	}
	return &Distiller{
		cfg:     cfg,
		weights: weights.Clone(),
		board:   board,
		logger:  logger,
		tracer:  otel.Tracer("celebrum-distiller/services"),
		now:     time.Now,
	}
}

// Weights returns a copy of the vector the distiller votes with.
func (d *Distiller) Weights() models.Weights {
	return d.weights.Clone()
}

// Distill reduces results to a Decision. It never fails: with no usable
// result it returns the neutral default.
func (d *Distiller) Distill(ctx context.Context, topic string, results []models.AgentResult) models.Decision {
	_, span := d.tracer.Start(ctx, "distiller.distill", trace.WithAttributes(attribute.String("topic", topic)))
	defer span.End()

	topic = models.NormalizeTopic(topic)
	present, ml := d.filter(topic, results)
	if len(present) == 0 && ml == nil {
		d.logger.WithField("topic", topic).Warn("No usable agent results, emitting neutral decision")
		return models.NeutralDecision(topic, d.weights.Clone(), d.now())
	}

	decision := models.NeutralDecision(topic, d.weights.Clone(), d.now())

	// Weighted score over present dimensions, each pulled toward neutral by
	// its missing confidence.
	var weightSum float64
	for dim := range present {
		weightSum += d.weights[dim]
	}
	score := models.NeutralScore
	var votes models.VoteWeights
	if weightSum > 0 {
		score = 0
	}
	for _, dim := range models.CanonicalDimensions {
		r, ok := present[dim]
		if !ok {
			continue
		}
		if weightSum > 0 {
			adjusted := r.Score*r.Confidence + models.NeutralScore*(1-r.Confidence)
			score += adjusted * d.weights[dim] / weightSum
		}
		votes.Add(r.Direction, r.Confidence*d.weights[dim])

		decision.DimensionScores[dim] = r.Score
		decision.DimensionConfidence[dim] = r.Confidence
		decision.DimensionDirections[dim] = r.Direction
		decision.DimensionStatus[dim] = models.DimensionPresent
		decision.DataQuality[dim] = r.DataQualityTag
	}

	if d.board != nil {
		res := d.board.DetectResonance(topic)
		if res.Detected {
			res.ScoreNudge = res.ConfidenceBoost / maxResonanceBoost * d.cfg.MaxResonanceNudge * res.Direction.Sign()
			score += res.ScoreNudge
			votes.Add(res.Direction, res.ConfidenceBoost/100)
			span.AddEvent("resonance", trace.WithAttributes(
				attribute.Int("cross_dimension_count", res.CrossDimensionCount),
				attribute.String("direction", string(res.Direction)),
			))
		}
		decision.Resonance = res
	}
	decision.VoteWeights = votes
	decision.Direction = votes.Winner()

	if risk, ok := present[models.DimensionRiskAdj]; ok {
		penalty := d.GuardPenalty(risk.Score)
		if penalty > 0 {
			score *= 1 - penalty
			decision.GuardPenalty = penalty
			decision.GuardPenaltyApplied = true
			d.logger.WithFields(logrus.Fields{
				"topic":      topic,
				"risk_score": risk.Score,
				"penalty":    penalty,
			}).Info("Risk guard penalty applied")
		}
	}

	if ml != nil {
		nudge := clamp((ml.Score-models.NeutralScore)/models.NeutralScore*ml.Confidence*d.cfg.MaxMLNudge,
			-d.cfg.MaxMLNudge, d.cfg.MaxMLNudge)
		score += nudge
		decision.MLAdjustment = nudge
		decision.DimensionScores[models.DimensionML] = ml.Score
		decision.DimensionConfidence[models.DimensionML] = ml.Confidence
		decision.DimensionDirections[models.DimensionML] = ml.Direction
		decision.DataQuality[models.DimensionML] = ml.DataQualityTag
	}

	decision.FinalScore = math.Round(clamp(score, 0, 10)*10000) / 10000

	contributing := len(present)
	if ml != nil {
		contributing++
	}
	realData := 0
	for _, tag := range decision.DataQuality {
		if tag.IsReal() {
			realData++
		}
	}
	decision.ContributingAgentCount = contributing
	decision.DataQualityPct = 100 * float64(realData) / float64(contributing)
	decision.DimensionCoveragePct = 100 * float64(len(present)) / float64(len(models.CanonicalDimensions))
	for _, dir := range decision.DimensionDirections {
		if dir == decision.Direction {
			decision.SupportingAgentCount++
		}
	}

	span.SetAttributes(
		attribute.Float64("final_score", decision.FinalScore),
		attribute.String("direction", string(decision.Direction)),
	)
	d.logger.WithFields(logrus.Fields{
		"topic":        topic,
		"final_score":  decision.FinalScore,
		"direction":    decision.Direction,
		"coverage_pct": decision.DimensionCoveragePct,
		"resonance":    decision.Resonance.Detected,
	}).Debug("Decision distilled")
	return decision
}

// GuardPenalty is the fraction removed from the final score for a risk
// score below the guard threshold. It is zero at or above the threshold and
// grows linearly to MaxGuardPenalty at a risk score of 0.
func (d *Distiller) GuardPenalty(riskScore float64) float64 {
	if math.IsNaN(riskScore) || riskScore >= d.cfg.GuardThreshold {
		return 0
	}
	shortfall := (d.cfg.GuardThreshold - math.Max(riskScore, 0)) / d.cfg.GuardThreshold
	return math.Min(d.cfg.MaxGuardPenalty, shortfall*d.cfg.MaxGuardPenalty)
}

// filter keeps one well-formed present result per known dimension.
func (d *Distiller) filter(topic string, results []models.AgentResult) (map[models.Dimension]models.AgentResult, *models.AgentResult) {
	present := make(map[models.Dimension]models.AgentResult, len(results))
	var ml *models.AgentResult

	for _, r := range results {
		fields := logrus.Fields{"topic": topic, "dimension": r.Dimension}
		switch r.Status {
		case models.StatusPresent:
		case models.StatusAbsent:
			d.logger.WithFields(fields).Debug("Dimension abstained")
			continue
		case models.StatusError:
			d.logger.WithFields(fields).WithError(r.Err).Warn("Dimension failed, treating as absent")
			continue
		default:
			d.logger.WithFields(fields).Warn("Unknown result status, treating as absent")
			continue
		}

		if !r.Dimension.IsKnown() {
			d.logger.WithFields(fields).Warn("Unknown dimension, ignoring result")
			continue
		}
		if !finite(r.Score) || !finite(r.Confidence) || !r.Direction.Valid() {
			d.logger.WithFields(fields).Warn("Malformed agent result, treating as absent")
			continue
		}
		r.Score = clamp(r.Score, 0, 10)
		r.Confidence = clamp(r.Confidence, 0, 1)

		if r.Dimension == models.DimensionML {
			if ml == nil {
				aux := r
				ml = &aux
			}
			continue
		}
		if _, dup := present[r.Dimension]; dup {
			d.logger.WithFields(fields).Warn("Duplicate result for dimension, keeping the first")
			continue
		}
		present[r.Dimension] = r
	}
	return present, ml
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
