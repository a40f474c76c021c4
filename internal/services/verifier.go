package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/irfndi/celebrum-distiller/internal/database"
	"github.com/irfndi/celebrum-distiller/internal/models"
	"github.com/montanaflynn/stats"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultWindowDays is the rolling accuracy window.
const DefaultWindowDays = 90

// PriceSource returns the closing price of topic on date.
type PriceSource interface {
	PriceAt(ctx context.Context, topic string, date time.Time) (float64, error)
}

// SnapshotSource is the part of the signal board saved with a prediction.
type SnapshotSource interface {
	CompactSnapshot() []models.CompactSignal
}

// OutcomeVerifier saves decisions as predictions and later resolves them
// against realized prices.
type OutcomeVerifier struct {
	store      database.PredictionStore
	prices     PriceSource
	board      SnapshotSource
	windowDays int
	logger     *logrus.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewOutcomeVerifier creates a verifier. board may be nil, in which case
// SavePrediction stores no snapshot.
func NewOutcomeVerifier(store database.PredictionStore, prices PriceSource, board SnapshotSource, windowDays int, logger *logrus.Logger) *OutcomeVerifier {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &OutcomeVerifier{
		store:      store,
		prices:     prices,
		board:      board,
		windowDays: windowDays,
		logger:     logger,
		tracer:     otel.Tracer("celebrum-distiller/services"),
		now:        time.Now,
	}
}

// SavePrediction persists d with the board's current compact snapshot.
func (v *OutcomeVerifier) SavePrediction(ctx context.Context, d models.Decision) (*models.PredictionRecord, error) {
	var snapshot []models.CompactSignal
	if v.board != nil {
		snapshot = v.board.CompactSnapshot()
	}
	return v.SaveWithSnapshot(ctx, d, snapshot)
}

// SaveWithSnapshot upserts d keyed by (date, topic). The price at prediction
// time is fetched once; when that fails the record is kept with a null price
// and can never be verified.
func (v *OutcomeVerifier) SaveWithSnapshot(ctx context.Context, d models.Decision, snapshot []models.CompactSignal) (*models.PredictionRecord, error) {
	ctx, span := v.tracer.Start(ctx, "verifier.save_prediction", trace.WithAttributes(attribute.String("topic", d.Topic)))
	defer span.End()

	at := d.GeneratedAt
	if at.IsZero() {
		at = v.now()
	}
	at = at.UTC()

	rec := models.NewPredictionRecord(d, at)
	rec.Topic = models.NormalizeTopic(rec.Topic)
	rec.ID = uuid.NewString()

	fields := logrus.Fields{"topic": rec.Topic, "date": rec.Date}
	if v.prices != nil {
		price, err := v.prices.PriceAt(ctx, rec.Topic, at)
		if err != nil {
			v.logger.WithFields(fields).WithError(err).Warn("Price at prediction unavailable, saving without price")
		} else {
			rec.PriceAtPrediction = &price
		}
	}

	if len(snapshot) > 0 {
		raw, err := json.Marshal(snapshot)
		if err != nil {
			v.logger.WithFields(fields).WithError(err).Warn("Failed to encode board snapshot")
		} else {
			rec.BoardSnapshot = raw
		}
	}

	if err := v.store.UpsertPrediction(ctx, &rec); err != nil {
		span.RecordError(err)
		v.logger.WithFields(fields).WithError(err).Error("Failed to save prediction")
		return nil, fmt.Errorf("save prediction %s/%s: %w", rec.Date, rec.Topic, err)
	}
	v.logger.WithFields(fields).WithField("direction", rec.Direction).Info("Prediction saved")
	return &rec, nil
}

// RunVerification resolves every horizon that matured on or before today,
// then reports accuracy over the rolling window. A store failure at one
// horizon does not stop the others; the errors are joined.
func (v *OutcomeVerifier) RunVerification(ctx context.Context, today time.Time) (*models.VerificationStats, error) {
	ctx, span := v.tracer.Start(ctx, "verifier.run_verification")
	defer span.End()

	today = truncateDay(today)
	result := &models.VerificationStats{
		RunDate:  today.Format(models.DateLayout),
		Horizons: make(map[models.Horizon]*models.HorizonStats, len(models.Horizons)),
		Accuracy: make(map[models.Horizon]*models.AccuracyReport, len(models.Horizons)),
	}

	var errs []error
	for _, h := range models.Horizons {
		hs, err := v.verifyHorizon(ctx, h, today)
		result.Horizons[h] = hs
		if err != nil {
			errs = append(errs, err)
			continue
		}
		report, err := v.Accuracy(ctx, h, v.windowDays, today)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		result.Accuracy[h] = report
	}

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
	}
	return result, err
}

func (v *OutcomeVerifier) verifyHorizon(ctx context.Context, h models.Horizon, today time.Time) (*models.HorizonStats, error) {
	hs := &models.HorizonStats{}
	cutoff := today.AddDate(0, 0, -h.Days()).Format(models.DateLayout)

	due, err := v.store.ListDue(ctx, h, cutoff)
	if err != nil {
		v.logger.WithField("horizon", h).WithError(err).Error("Failed to list due predictions")
		return hs, fmt.Errorf("list due predictions at %s: %w", h, err)
	}
	hs.Due = len(due)

	for i := range due {
		rec := &due[i]
		fields := logrus.Fields{"topic": rec.Topic, "date": rec.Date, "horizon": h}

		if rec.PriceAtPrediction == nil || *rec.PriceAtPrediction <= 0 || v.prices == nil {
			hs.SkippedNoPrice++
			continue
		}
		dueDate, err := rec.DueDate(h)
		if err != nil {
			hs.Failed++
			v.logger.WithFields(fields).WithError(err).Warn("Unparseable prediction date")
			continue
		}
		realized, err := v.prices.PriceAt(ctx, rec.Topic, dueDate)
		if err != nil {
			hs.SkippedNoPrice++
			v.logger.WithFields(fields).WithError(err).Debug("Realized price unavailable, will retry next run")
			continue
		}

		ret := ReturnPct(*rec.PriceAtPrediction, realized)
		correct := models.IsCorrect(rec.Direction, ret)
		ok, err := v.store.RecordOutcome(ctx, rec.ID, h, models.HorizonOutcome{
			Price:     &realized,
			ReturnPct: &ret,
			Correct:   &correct,
		})
		switch {
		case err != nil:
			hs.Failed++
			v.logger.WithFields(fields).WithError(err).Error("Failed to record outcome")
		case !ok:
			hs.AlreadyChecked++
		default:
			hs.Verified++
			if correct {
				hs.Correct++
			}
			v.logger.WithFields(fields).WithFields(logrus.Fields{
				"return_pct": ret,
				"correct":    correct,
			}).Debug("Prediction verified")
		}
	}

	v.logger.WithFields(logrus.Fields{
		"horizon":          h,
		"due":              hs.Due,
		"verified":         hs.Verified,
		"correct":          hs.Correct,
		"skipped_no_price": hs.SkippedNoPrice,
	}).Info("Verification pass finished")
	return hs, nil
}

// Accuracy aggregates checked predictions at h dated within windowDays of
// today.
func (v *OutcomeVerifier) Accuracy(ctx context.Context, h models.Horizon, windowDays int, today time.Time) (*models.AccuracyReport, error) {
	if windowDays <= 0 {
		windowDays = v.windowDays
	}
	since := truncateDay(today).AddDate(0, 0, -windowDays).Format(models.DateLayout)

	checked, err := v.store.ListChecked(ctx, h, since)
	if err != nil {
		return nil, fmt.Errorf("list checked predictions at %s: %w", h, err)
	}

	report := &models.AccuracyReport{
		Horizon:     h,
		WindowDays:  windowDays,
		Since:       since,
		ByDirection: make(map[models.Direction]*models.AccuracyBucket),
		ByTopic:     make(map[string]*models.AccuracyBucket),
	}
	returns := make([]float64, 0, len(checked))
	for i := range checked {
		o := checked[i].Outcome(h)
		if o.Correct == nil {
			continue
		}
		report.Overall.Record(*o.Correct)
		bucketFor(report.ByDirection, checked[i].Direction).Record(*o.Correct)
		bucketFor(report.ByTopic, checked[i].Topic).Record(*o.Correct)
		if o.ReturnPct != nil {
			returns = append(returns, *o.ReturnPct)
		}
	}

	if len(returns) > 0 {
		if mean, err := stats.Mean(returns); err == nil {
			report.MeanReturnPct = roundTo(mean, 4)
		}
		if median, err := stats.Median(returns); err == nil {
			report.MedianReturnPct = roundTo(median, 4)
		}
	}
	return report, nil
}

// ReturnPct is (realized - predicted) / predicted * 100 rounded to four
// decimals. Decimal arithmetic keeps -2.0 from coming out as -1.9999999.
func ReturnPct(predicted, realized float64) float64 {
	p := decimal.NewFromFloat(predicted)
	if p.IsZero() {
		return 0
	}
	r := decimal.NewFromFloat(realized)
	pct, _ := r.Sub(p).Div(p).Mul(decimal.NewFromInt(100)).Round(4).Float64()
	return pct
}

func bucketFor[K comparable](m map[K]*models.AccuracyBucket, key K) *models.AccuracyBucket {
	b, ok := m[key]
	if !ok {
		b = &models.AccuracyBucket{}
		m[key] = b
	}
	return b
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func roundTo(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}
