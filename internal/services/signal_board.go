package services

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/irfndi/celebrum-distiller/internal/models"
	"github.com/sirupsen/logrus"
)

// BoardConfig tunes the decaying signal board.
type BoardConfig struct {
	Capacity     int     `mapstructure:"capacity"`
	DecayRate    float64 `mapstructure:"decay_rate"`
	MinStrength  float64 `mapstructure:"min_strength"`
	SupportBoost float64 `mapstructure:"support_boost"`
}

// DefaultBoardConfig returns the stock board settings.
func DefaultBoardConfig() BoardConfig {
	return BoardConfig{
		Capacity:     20,
		DecayRate:    0.1,
		MinStrength:  0.2,
		SupportBoost: 0.15,
	}
}

const (
	// MinResonanceDimensions is how many distinct dimensions must agree
	// before resonance is declared.
	MinResonanceDimensions = 3
	resonanceBoostPerDim   = 5.0
	maxResonanceBoost      = 20.0
)

// SignalBoard is a bounded, decaying set of agent findings shared by the
// agents of a batch and the distiller. Every operation takes the same lock.
type SignalBoard struct {
	cfg     BoardConfig
	logger  *logrus.Logger
	entries []models.SignalEntry
	mu      sync.Mutex
	now     func() time.Time
}

// NewSignalBoard creates an empty board.
func NewSignalBoard(cfg BoardConfig, logger *logrus.Logger) *SignalBoard {
	def := DefaultBoardConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.DecayRate < 0 {
		cfg.DecayRate = def.DecayRate
	}
	if cfg.MinStrength < 0 {
		cfg.MinStrength = def.MinStrength
	}
	if cfg.SupportBoost < 0 {
		cfg.SupportBoost = def.SupportBoost
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &SignalBoard{
		cfg:     cfg,
		logger:  logger,
		entries: make([]models.SignalEntry, 0, cfg.Capacity),
		now:     time.Now,
	}
}

// Publish decays the board, drops faded entries, then merges or appends
// the new entry and evicts the weakest entries past capacity.
func (b *SignalBoard) Publish(entry models.SignalEntry) {
	entry.Topic = models.NormalizeTopic(entry.Topic)
	if !entry.Direction.Valid() {
		entry.Direction = models.DirectionNeutral
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = b.now()
	}
	if entry.Strength <= 0 || math.IsNaN(entry.Strength) {
		entry.Strength = 1.0
	}
	entry.Strength = clamp(entry.Strength, 0, 1)
	entry.SelfScore = clamp(entry.SelfScore, 0, 10)

	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.entries[:0]
	for _, e := range b.entries {
		e.Strength = clamp(e.Strength-b.cfg.DecayRate, 0, 1)
		if e.Strength < b.cfg.MinStrength {
			continue
		}
		kept = append(kept, e)
	}
	b.entries = kept

	merged := false
	for i := range b.entries {
		e := &b.entries[i]
		if e.Topic != entry.Topic || e.Direction != entry.Direction {
			continue
		}
		e.SupportCount++
		e.Strength = clamp(e.Strength+b.cfg.SupportBoost, 0, 1)
		e.Supporters = addSupporter(e.Supporters, entry.SupporterKey())
		e.Timestamp = entry.Timestamp
		if entry.SelfScore > e.SelfScore {
			e.SelfScore = entry.SelfScore
		}
		merged = true
		break
	}

	if !merged {
		entry.SupportCount = 1
		entry.Supporters = addSupporter(nil, entry.SupporterKey())
		b.entries = append(b.entries, entry)
	}

	if len(b.entries) > b.cfg.Capacity {
		sort.SliceStable(b.entries, func(i, j int) bool {
			if b.entries[i].Strength != b.entries[j].Strength {
				return b.entries[i].Strength > b.entries[j].Strength
			}
			return b.entries[i].Timestamp.After(b.entries[j].Timestamp)
		})
		evicted := len(b.entries) - b.cfg.Capacity
		b.entries = b.entries[:b.cfg.Capacity]
		b.logger.WithFields(logrus.Fields{
			"evicted":  evicted,
			"capacity": b.cfg.Capacity,
		}).Debug("Signal board over capacity, evicted weakest entries")
	}
}

// TopSignals returns up to n entries ordered by strength then support. An
// empty topic matches every topic; n <= 0 means no limit.
func (b *SignalBoard) TopSignals(topic string, n int) []models.SignalEntry {
	topic = models.NormalizeTopic(topic)

	b.mu.Lock()
	out := make([]models.SignalEntry, 0, len(b.entries))
	for _, e := range b.entries {
		if topic != "" && e.Topic != topic {
			continue
		}
		out = append(out, copyEntry(e))
	}
	b.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].SupportCount > out[j].SupportCount
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// DetectResonance reports whether at least three distinct dimensions agree
// on one direction for topic. Repeated publishes from one dimension count
// once.
func (b *SignalBoard) DetectResonance(topic string) models.Resonance {
	topic = models.NormalizeTopic(topic)

	b.mu.Lock()
	byDirection := make(map[models.Direction]map[string]struct{}, 3)
	for _, e := range b.entries {
		if e.Topic != topic {
			continue
		}
		set, ok := byDirection[e.Direction]
		if !ok {
			set = make(map[string]struct{})
			byDirection[e.Direction] = set
		}
		for _, s := range e.Supporters {
			set[s] = struct{}{}
		}
	}
	b.mu.Unlock()

	best := models.Resonance{}
	for _, dir := range models.Directions {
		count := len(byDirection[dir])
		if count > best.CrossDimensionCount {
			best.CrossDimensionCount = count
			best.Direction = dir
		}
	}
	if best.CrossDimensionCount < MinResonanceDimensions {
		return models.Resonance{CrossDimensionCount: best.CrossDimensionCount}
	}
	best.Detected = true
	best.ConfidenceBoost = math.Min(resonanceBoostPerDim*float64(best.CrossDimensionCount), maxResonanceBoost)
	return best
}

// Snapshot returns a deep copy of every entry.
func (b *SignalBoard) Snapshot() []models.SignalEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]models.SignalEntry, len(b.entries))
	for i, e := range b.entries {
		out[i] = copyEntry(e)
	}
	return out
}

// CompactSnapshot returns the trimmed view persisted with predictions.
func (b *SignalBoard) CompactSnapshot() []models.CompactSignal {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]models.CompactSignal, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, models.CompactSignal{
			Topic:        e.Topic,
			Direction:    e.Direction,
			Strength:     math.Round(e.Strength*100) / 100,
			SupportCount: e.SupportCount,
			Supporters:   append([]string(nil), e.Supporters...),
		})
	}
	return out
}

// Len returns the number of live entries.
func (b *SignalBoard) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Clear empties the board.
func (b *SignalBoard) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = b.entries[:0]
}

func addSupporter(supporters []string, key string) []string {
	if key == "" {
		return supporters
	}
	for _, s := range supporters {
		if s == key {
			return supporters
		}
	}
	return append(supporters, key)
}

func copyEntry(e models.SignalEntry) models.SignalEntry {
	e.Supporters = append([]string(nil), e.Supporters...)
	return e
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
