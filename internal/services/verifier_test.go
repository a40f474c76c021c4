package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/irfndi/celebrum-distiller/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bullishDecision(topic string, at time.Time) models.Decision {
	d := models.NeutralDecision(topic, models.DefaultWeights(), at)
	d.Direction = models.DirectionBullish
	d.FinalScore = 7.1
	d.DimensionScores[models.DimensionSignal] = 8
	d.DimensionConfidence[models.DimensionSignal] = 0.9
	d.DimensionDirections[models.DimensionSignal] = models.DirectionBullish
	return d
}

func TestReturnPct(t *testing.T) {
	assert.Equal(t, -2.0, ReturnPct(100, 98))
	assert.Equal(t, 10.0, ReturnPct(50, 55))
	assert.Equal(t, 0.3333, ReturnPct(300, 301))
	assert.Equal(t, 0.0, ReturnPct(0, 10))
}

func TestOutcomeVerifier_ScenarioY(t *testing.T) {
	store := openStore(t)
	prices := newPriceTable()
	ctx := context.Background()

	today := day("2026-03-20")
	predicted := today.AddDate(0, 0, -10)
	prices.Set("Y", predicted, 100)
	prices.Set("Y", predicted.AddDate(0, 0, 7), 98)

	v := NewOutcomeVerifier(store, prices, nil, 90, quietLogger())
	rec, err := v.SavePrediction(ctx, bullishDecision("y", predicted))
	require.NoError(t, err)
	require.NotNil(t, rec.PriceAtPrediction)
	assert.Equal(t, 100.0, *rec.PriceAtPrediction)
	assert.Equal(t, "Y", rec.Topic)

	stats, err := v.RunVerification(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-20", stats.RunDate)

	t1 := stats.Horizons[models.HorizonT1]
	assert.Equal(t, 1, t1.Due)
	assert.Equal(t, 1, t1.SkippedNoPrice)
	assert.Zero(t, t1.Verified)

	t7 := stats.Horizons[models.HorizonT7]
	assert.Equal(t, 1, t7.Due)
	assert.Equal(t, 1, t7.Verified)
	assert.Zero(t, t7.Correct)
	assert.Zero(t, stats.Horizons[models.HorizonT30].Due)

	got, err := store.GetPrediction(ctx, predicted.Format(models.DateLayout), "Y")
	require.NoError(t, err)
	o := got.Outcome(models.HorizonT7)
	assert.True(t, o.Checked)
	require.NotNil(t, o.ReturnPct)
	assert.Equal(t, -2.0, *o.ReturnPct)
	require.NotNil(t, o.Correct)
	assert.False(t, *o.Correct)
	assert.False(t, got.Outcome(models.HorizonT1).Checked)

	report := stats.Accuracy[models.HorizonT7]
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Overall.Checked)
	assert.Zero(t, report.Overall.Correct)
	assert.Equal(t, 0, report.ByDirection[models.DirectionBullish].Correct)
	assert.Equal(t, 1, report.ByTopic["Y"].Checked)
	assert.Equal(t, -2.0, report.MeanReturnPct)

	// A second run finds nothing due at T+7 and leaves the outcome alone.
	prices.Set("Y", predicted.AddDate(0, 0, 7), 150)
	again, err := v.RunVerification(ctx, today)
	require.NoError(t, err)
	assert.Zero(t, again.Horizons[models.HorizonT7].Due)

	got, err = store.GetPrediction(ctx, predicted.Format(models.DateLayout), "Y")
	require.NoError(t, err)
	assert.Equal(t, -2.0, *got.Outcome(models.HorizonT7).ReturnPct)
	assert.False(t, *got.Outcome(models.HorizonT7).Correct)
}

func TestOutcomeVerifier_SaveWithoutPrice(t *testing.T) {
	store := openStore(t)
	v := NewOutcomeVerifier(store, newPriceTable(), nil, 0, quietLogger())
	ctx := context.Background()
	at := day("2026-01-05")

	rec, err := v.SavePrediction(ctx, bullishDecision("NOPRICE", at))
	require.NoError(t, err)
	assert.Nil(t, rec.PriceAtPrediction)

	stats, err := v.RunVerification(ctx, day("2026-03-01"))
	require.NoError(t, err)
	for _, h := range models.Horizons {
		assert.Zero(t, stats.Horizons[h].Verified, "horizon %s", h)
	}
}

func TestOutcomeVerifier_SaveStoresBoardSnapshot(t *testing.T) {
	store := openStore(t)
	board := NewSignalBoard(DefaultBoardConfig(), quietLogger())
	board.Publish(entry(models.DimensionSignal, "SNAP", models.DirectionBullish))

	prices := newPriceTable()
	at := day("2026-02-01")
	prices.Set("SNAP", at, 12.5)

	v := NewOutcomeVerifier(store, prices, board, 90, quietLogger())
	_, err := v.SavePrediction(context.Background(), bullishDecision("SNAP", at))
	require.NoError(t, err)

	got, err := store.GetPrediction(context.Background(), "2026-02-01", "SNAP")
	require.NoError(t, err)
	var snap []models.CompactSignal
	require.NoError(t, json.Unmarshal(got.BoardSnapshot, &snap))
	require.Len(t, snap, 1)
	assert.Equal(t, "SNAP", snap[0].Topic)
	assert.Equal(t, []string{"signal"}, snap[0].Supporters)
}

func TestOutcomeVerifier_UpsertFailureIsReturned(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.Close())

	v := NewOutcomeVerifier(store, nil, nil, 90, quietLogger())
	_, err := v.SavePrediction(context.Background(), bullishDecision("CLOSED", day("2026-02-01")))
	assert.Error(t, err)

	_, err = v.RunVerification(context.Background(), day("2026-03-01"))
	assert.Error(t, err)
}

func TestOutcomeVerifier_AccuracyByBucket(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	today := day("2026-06-30")

	seed := []struct {
		date, topic string
		dir         models.Direction
		ret         float64
	}{
		{"2026-06-01", "AAA", models.DirectionBullish, 4},
		{"2026-06-02", "AAA", models.DirectionBullish, -3},
		{"2026-06-03", "BBB", models.DirectionBearish, -5},
		{"2026-06-04", "BBB", models.DirectionNeutral, 1},
		{"2025-01-01", "OLD", models.DirectionBullish, 9},
	}
	for _, s := range seed {
		seedChecked(t, store, s.date, s.topic, s.dir, models.HorizonT7, s.ret, nil)
	}

	v := NewOutcomeVerifier(store, nil, nil, 90, quietLogger())
	report, err := v.Accuracy(ctx, models.HorizonT7, 0, today)
	require.NoError(t, err)

	assert.Equal(t, 90, report.WindowDays)
	assert.Equal(t, 4, report.Overall.Checked)
	assert.Equal(t, 3, report.Overall.Correct)
	assert.InDelta(t, 0.75, report.Overall.Accuracy, 1e-9)
	assert.Equal(t, 1, report.ByDirection[models.DirectionBullish].Correct)
	assert.Equal(t, 2, report.ByDirection[models.DirectionBullish].Checked)
	assert.InDelta(t, 1.0, report.ByTopic["BBB"].Accuracy, 1e-9)
	assert.NotContains(t, report.ByTopic, "OLD")
	assert.InDelta(t, -0.75, report.MeanReturnPct, 1e-9)
	assert.InDelta(t, -1.0, report.MedianReturnPct, 1e-9)

	empty, err := v.Accuracy(ctx, models.HorizonT30, 30, today)
	require.NoError(t, err)
	assert.Zero(t, empty.Overall.Checked)
	assert.Zero(t, empty.Overall.Accuracy)
}
