package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/irfndi/celebrum-distiller/internal/database"
	"github.com/irfndi/celebrum-distiller/internal/models"
	"github.com/montanaflynn/stats"
	"github.com/sirupsen/logrus"
)

const (
	// minCandidateWeight keeps a dimension from being voted out entirely.
	minCandidateWeight = 0.05
	neutralAccuracy    = 0.5
)

// BiasPolicy tunes the self-score bias correction. The thresholds are
// empirical and may need recalibration per deployment.
type BiasPolicy struct {
	Enabled         bool    `mapstructure:"enabled"`
	GapThreshold    float64 `mapstructure:"gap_threshold"`
	MaxAdjust       float64 `mapstructure:"max_adjust"`
	MinGroupSamples int     `mapstructure:"min_group_samples"`
}

// AdaptationConfig controls how weights are re-derived from outcomes.
type AdaptationConfig struct {
	MinSamplesT7 int
	MinSamplesT1 int
	SmoothingT7  float64
	SmoothingT1  float64
	WindowDays   int
	Bias         BiasPolicy
}

// DefaultAdaptationConfig returns the stock adaptation settings.
func DefaultAdaptationConfig() AdaptationConfig {
	return AdaptationConfig{
		MinSamplesT7: 10,
		MinSamplesT1: 5,
		SmoothingT7:  0.8,
		SmoothingT1:  0.5,
		WindowDays:   DefaultWindowDays,
		Bias: BiasPolicy{
			Enabled:         true,
			GapThreshold:    0.5,
			MaxAdjust:       0.10,
			MinGroupSamples: 3,
		},
	}
}

// WeightAdapter turns verified outcomes into a new voting weight vector.
type WeightAdapter struct {
	predictions database.PredictionStore
	weights     database.WeightStore
	defaults    models.Weights
	cfg         AdaptationConfig
	logger      *logrus.Logger
	now         func() time.Time
}

// NewWeightAdapter creates an adapter. defaults is the configured vector
// used until an adapted set with enough samples exists.
func NewWeightAdapter(predictions database.PredictionStore, weights database.WeightStore, defaults models.Weights, cfg AdaptationConfig, logger *logrus.Logger) *WeightAdapter {
	def := DefaultAdaptationConfig()
	if cfg.MinSamplesT7 <= 0 {
		cfg.MinSamplesT7 = def.MinSamplesT7
	}
	if cfg.MinSamplesT1 <= 0 {
		cfg.MinSamplesT1 = def.MinSamplesT1
	}
	if cfg.SmoothingT7 <= 0 || cfg.SmoothingT7 > 1 {
		cfg.SmoothingT7 = def.SmoothingT7
	}
	if cfg.SmoothingT1 <= 0 || cfg.SmoothingT1 > 1 {
		cfg.SmoothingT1 = def.SmoothingT1
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = def.WindowDays
	}
	if defaults == nil || defaults.Validate() != nil {
		defaults = models.DefaultWeights()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &WeightAdapter{
		predictions: predictions,
		weights:     weights,
		defaults:    defaults.Clone(),
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// CurrentWeights returns the newest T+7 set with enough samples, else the
// newest such T+1 set, else the defaults. The horizon is empty for the
// defaults.
func (a *WeightAdapter) CurrentWeights(ctx context.Context) (models.Weights, models.Horizon, error) {
	for _, h := range []models.Horizon{models.HorizonT7, models.HorizonT1} {
		ws, err := a.weights.LatestWeightSet(ctx, h, a.minSamples(h))
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			return a.defaults.Clone(), "", fmt.Errorf("load %s weights: %w", h, err)
		}
		if verr := ws.Weights.Validate(); verr != nil {
			a.logger.WithFields(logrus.Fields{"horizon": h, "weight_set_id": ws.ID}).
				WithError(verr).Warn("Stored weight set is invalid, skipping")
			continue
		}
		return ws.Weights.Clone(), h, nil
	}
	return a.defaults.Clone(), "", nil
}

// AdaptWeights derives and persists a new weight vector. It returns nil
// without error when neither horizon has enough checked samples.
func (a *WeightAdapter) AdaptWeights(ctx context.Context, today time.Time) (*models.WeightSet, error) {
	since := truncateDay(today).AddDate(0, 0, -a.cfg.WindowDays).Format(models.DateLayout)

	horizon, records, err := a.pickHorizon(ctx, since)
	if err != nil {
		return nil, err
	}
	if horizon == "" {
		a.logger.WithField("since", since).Info("Not enough verified predictions to adapt weights")
		return nil, nil
	}

	accuracy := a.dimensionAccuracy(records, horizon)
	candidate := make(models.Weights, len(models.CanonicalDimensions))
	for _, dim := range models.CanonicalDimensions {
		candidate[dim] = math.Max(minCandidateWeight, accuracy[dim]*accuracy[dim])
	}
	candidate = candidate.Normalize()

	previous, _, err := a.CurrentWeights(ctx)
	if err != nil {
		a.logger.WithError(err).Warn("Falling back to default weights as smoothing base")
	}
	ratio := a.smoothing(horizon)
	blended := make(models.Weights, len(models.CanonicalDimensions))
	for _, dim := range models.CanonicalDimensions {
		blended[dim] = previous[dim]*(1-ratio) + candidate[dim]*ratio
	}
	blended = blended.Normalize()

	if a.cfg.Bias.Enabled {
		blended = a.correctBias(blended, records, horizon)
	}
	if err := blended.Validate(); err != nil {
		return nil, fmt.Errorf("adapted weights invalid: %w", err)
	}

	ws := &models.WeightSet{
		Date:        truncateDay(today).Format(models.DateLayout),
		Weights:     blended,
		Accuracy:    accuracy,
		SampleCount: len(records),
		Horizon:     horizon,
		CreatedAt:   a.now().UTC(),
	}
	if err := a.weights.SaveWeightSet(ctx, ws); err != nil {
		a.logger.WithError(err).Error("Failed to save adapted weights")
		return nil, fmt.Errorf("save weight set: %w", err)
	}

	a.logger.WithFields(logrus.Fields{
		"horizon":      horizon,
		"sample_count": ws.SampleCount,
		"weights":      ws.Weights,
	}).Info("Adapted voting weights")
	return ws, nil
}

// pickHorizon prefers T+7 and falls back to T+1 when T+7 samples are scarce.
func (a *WeightAdapter) pickHorizon(ctx context.Context, since string) (models.Horizon, []models.PredictionRecord, error) {
	for _, h := range []models.Horizon{models.HorizonT7, models.HorizonT1} {
		rows, err := a.predictions.ListChecked(ctx, h, since)
		if err != nil {
			return "", nil, fmt.Errorf("list checked %s predictions: %w", h, err)
		}
		usable := rows[:0]
		for _, r := range rows {
			if r.Outcome(h).ReturnPct != nil {
				usable = append(usable, r)
			}
		}
		if len(usable) >= a.minSamples(h) {
			return h, usable, nil
		}
	}
	return "", nil, nil
}

// dimensionAccuracy scores each dimension's own call against the realized
// return. Dimensions with too few calls get a neutral 0.5.
func (a *WeightAdapter) dimensionAccuracy(records []models.PredictionRecord, h models.Horizon) map[models.Dimension]float64 {
	minSamples := a.minSamples(h)
	accuracy := make(map[models.Dimension]float64, len(models.CanonicalDimensions))
	for _, dim := range models.CanonicalDimensions {
		var bucket models.AccuracyBucket
		for i := range records {
			dir, ok := records[i].AgentDirections[dim]
			if !ok || !dir.Valid() {
				continue
			}
			bucket.Record(models.IsCorrect(dir, *records[i].Outcome(h).ReturnPct))
		}
		if bucket.Checked < minSamples {
			accuracy[dim] = neutralAccuracy
			continue
		}
		accuracy[dim] = bucket.Accuracy
	}
	return accuracy
}

// correctBias compares each dimension's mean self-score (confidence x 10)
// when it was wrong against when it was right. An agent that is more sure
// of itself when wrong loses weight; one that is more sure when right gains
// half as much.
func (a *WeightAdapter) correctBias(w models.Weights, records []models.PredictionRecord, h models.Horizon) models.Weights {
	policy := a.cfg.Bias
	out := w.Clone()
	adjusted := false

	for _, dim := range models.CanonicalDimensions {
		var right, wrong []float64
		for i := range records {
			dir, ok := records[i].AgentDirections[dim]
			if !ok || !dir.Valid() {
				continue
			}
			conf, ok := records[i].DimensionConfidence[dim]
			if !ok {
				continue
			}
			selfScore := conf * 10
			if models.IsCorrect(dir, *records[i].Outcome(h).ReturnPct) {
				right = append(right, selfScore)
			} else {
				wrong = append(wrong, selfScore)
			}
		}
		if len(right) < policy.MinGroupSamples || len(wrong) < policy.MinGroupSamples {
			continue
		}
		meanWrong, err1 := stats.Mean(wrong)
		meanRight, err2 := stats.Mean(right)
		if err1 != nil || err2 != nil {
			continue
		}

		gap := meanWrong - meanRight
		fields := logrus.Fields{"dimension": dim, "mean_wrong": meanWrong, "mean_right": meanRight}
		switch {
		case gap > policy.GapThreshold:
			out[dim] *= 1 - policy.MaxAdjust
			adjusted = true
			a.logger.WithFields(fields).Info("Overconfident dimension, reducing weight")
		case -gap > policy.GapThreshold:
			out[dim] *= 1 + policy.MaxAdjust/2
			adjusted = true
			a.logger.WithFields(fields).Info("Underconfident dimension, raising weight")
		}
	}

	if !adjusted {
		return out
	}
	return out.Normalize()
}

func (a *WeightAdapter) minSamples(h models.Horizon) int {
	if h == models.HorizonT1 {
		return a.cfg.MinSamplesT1
	}
	return a.cfg.MinSamplesT7
}

func (a *WeightAdapter) smoothing(h models.Horizon) float64 {
	if h == models.HorizonT1 {
		return a.cfg.SmoothingT1
	}
	return a.cfg.SmoothingT7
}
