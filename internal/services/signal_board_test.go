package services

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/irfndi/celebrum-distiller/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(dim models.Dimension, topic string, dir models.Direction) models.SignalEntry {
	return models.SignalEntry{
		AgentID:   string(dim) + "-agent",
		Dimension: dim,
		Topic:     topic,
		Direction: dir,
		SelfScore: 7,
	}
}

func TestSignalBoard_PublishMergesSameTopicAndDirection(t *testing.T) {
	board := NewSignalBoard(DefaultBoardConfig(), quietLogger())

	board.Publish(entry(models.DimensionSignal, "nvda", models.DirectionBullish))
	board.Publish(entry(models.DimensionCatalyst, "NVDA", models.DirectionBullish))

	snap := board.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "NVDA", snap[0].Topic)
	assert.Equal(t, 2, snap[0].SupportCount)
	assert.ElementsMatch(t, []string{"signal", "catalyst"}, snap[0].Supporters)
	// Decayed by 0.1 then boosted by 0.15, capped at 1.
	assert.InDelta(t, 1.0, snap[0].Strength, 1e-9)
}

func TestSignalBoard_DecayDropsStaleEntries(t *testing.T) {
	board := NewSignalBoard(BoardConfig{Capacity: 20, DecayRate: 0.3, MinStrength: 0.2, SupportBoost: 0.15}, quietLogger())

	board.Publish(entry(models.DimensionSignal, "OLD", models.DirectionBullish))
	for i := 0; i < 3; i++ {
		board.Publish(entry(models.DimensionOdds, fmt.Sprintf("T%d", i), models.DirectionBearish))
	}

	// OLD decays 1.0 -> 0.7 -> 0.4 -> 0.1 and is dropped.
	for _, e := range board.Snapshot() {
		assert.NotEqual(t, "OLD", e.Topic)
	}
}

func TestSignalBoard_Properties(t *testing.T) {
	cfg := BoardConfig{Capacity: 5, DecayRate: 0.05, MinStrength: 0.1, SupportBoost: 0.3}
	board := NewSignalBoard(cfg, quietLogger())
	rng := rand.New(rand.NewSource(7))
	topics := []string{"A", "B", "C", "D", "E", "F", "G"}

	for i := 0; i < 500; i++ {
		e := entry(models.CanonicalDimensions[rng.Intn(5)], topics[rng.Intn(len(topics))], models.Directions[rng.Intn(3)])
		e.Strength = rng.Float64()*3 - 1
		board.Publish(e)

		snap := board.Snapshot()
		require.LessOrEqual(t, len(snap), cfg.Capacity)
		for _, s := range snap {
			require.GreaterOrEqual(t, s.Strength, 0.0)
			require.LessOrEqual(t, s.Strength, 1.0)
		}
	}
}

func TestSignalBoard_EvictsWeakestThenOldest(t *testing.T) {
	board := NewSignalBoard(BoardConfig{Capacity: 2, DecayRate: 0, MinStrength: 0, SupportBoost: 0.1}, quietLogger())
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	weak := entry(models.DimensionSignal, "WEAK", models.DirectionBullish)
	weak.Strength = 0.3
	weak.Timestamp = base
	older := entry(models.DimensionSignal, "OLDER", models.DirectionBullish)
	older.Strength = 0.8
	older.Timestamp = base.Add(time.Minute)
	newer := entry(models.DimensionSignal, "NEWER", models.DirectionBullish)
	newer.Strength = 0.8
	newer.Timestamp = base.Add(2 * time.Minute)

	board.Publish(weak)
	board.Publish(older)
	board.Publish(newer)
	got := board.TopSignals("", 0)
	require.Len(t, got, 2)
	assert.ElementsMatch(t, []string{"OLDER", "NEWER"}, []string{got[0].Topic, got[1].Topic})

	tie := entry(models.DimensionOdds, "TIE", models.DirectionBullish)
	tie.Strength = 0.8
	tie.Timestamp = base.Add(3 * time.Minute)
	board.Publish(tie)
	got = board.TopSignals("", 0)
	assert.ElementsMatch(t, []string{"NEWER", "TIE"}, []string{got[0].Topic, got[1].Topic})
}

func TestSignalBoard_ResonanceNeedsDistinctDimensions(t *testing.T) {
	board := NewSignalBoard(DefaultBoardConfig(), quietLogger())

	for i := 0; i < 10; i++ {
		board.Publish(entry(models.DimensionSignal, "BTC", models.DirectionBullish))
	}
	res := board.DetectResonance("BTC")
	assert.False(t, res.Detected)
	assert.Equal(t, 1, res.CrossDimensionCount)

	board.Publish(entry(models.DimensionCatalyst, "BTC", models.DirectionBullish))
	assert.False(t, board.DetectResonance("BTC").Detected)

	board.Publish(entry(models.DimensionSentiment, "BTC", models.DirectionBullish))
	res = board.DetectResonance("btc")
	assert.True(t, res.Detected)
	assert.Equal(t, models.DirectionBullish, res.Direction)
	assert.Equal(t, 3, res.CrossDimensionCount)
	assert.InDelta(t, 15.0, res.ConfidenceBoost, 1e-9)

	board.Publish(entry(models.DimensionOdds, "BTC", models.DirectionBullish))
	board.Publish(entry(models.DimensionRiskAdj, "BTC", models.DirectionBullish))
	assert.InDelta(t, 20.0, board.DetectResonance("BTC").ConfidenceBoost, 1e-9)

	assert.False(t, board.DetectResonance("ETH").Detected)
}

func TestSignalBoard_TopSignalsAndCompactSnapshot(t *testing.T) {
	board := NewSignalBoard(DefaultBoardConfig(), quietLogger())
	board.Publish(entry(models.DimensionSignal, "AAA", models.DirectionBullish))
	board.Publish(entry(models.DimensionSignal, "BBB", models.DirectionBearish))
	board.Publish(entry(models.DimensionOdds, "BBB", models.DirectionBearish))

	top := board.TopSignals("", 1)
	require.Len(t, top, 1)
	assert.Equal(t, "BBB", top[0].Topic)

	onlyA := board.TopSignals("aaa", 10)
	require.Len(t, onlyA, 1)
	assert.Equal(t, "AAA", onlyA[0].Topic)

	// Callers get copies.
	onlyA[0].Supporters[0] = "mutated"
	assert.Equal(t, "signal", board.TopSignals("AAA", 1)[0].Supporters[0])

	compact := board.CompactSnapshot()
	require.Len(t, compact, 2)
	for _, c := range compact {
		assert.Equal(t, c.Strength, float64(int(c.Strength*100+0.5))/100)
	}

	board.Clear()
	assert.Zero(t, board.Len())
	assert.Empty(t, board.CompactSnapshot())
}

func TestSignalBoard_ConcurrentPublish(t *testing.T) {
	board := NewSignalBoard(DefaultBoardConfig(), quietLogger())
	var wg sync.WaitGroup
	for _, dim := range models.CanonicalDimensions {
		wg.Add(1)
		go func(dim models.Dimension) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				board.Publish(entry(dim, "SOL", models.DirectionBullish))
				_ = board.DetectResonance("SOL")
			}
		}(dim)
	}
	wg.Wait()

	res := board.DetectResonance("SOL")
	assert.True(t, res.Detected)
	assert.Equal(t, 5, res.CrossDimensionCount)
}
