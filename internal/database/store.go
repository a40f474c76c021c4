package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/irfndi/celebrum-distiller/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// ErrPredictionVerified is returned when a save targets a (date, topic) row
// that already has a checked horizon.
var ErrPredictionVerified = errors.New("prediction already verified")

// PredictionStore persists decisions and their verification outcomes.
type PredictionStore interface {
	// UpsertPrediction inserts or replaces the decision fields for
	// (date, topic). Once any horizon of the row is checked the row is
	// frozen and ErrPredictionVerified is returned. The stored id is
	// written back into rec.
	UpsertPrediction(ctx context.Context, rec *models.PredictionRecord) error
	GetPrediction(ctx context.Context, date, topic string) (*models.PredictionRecord, error)
	// ListPredictions returns rows with since <= date <= until, oldest first.
	ListPredictions(ctx context.Context, since, until string) ([]models.PredictionRecord, error)
	// ListDue returns unchecked rows with a price whose date is on or
	// before cutoff.
	ListDue(ctx context.Context, h models.Horizon, cutoff string) ([]models.PredictionRecord, error)
	// RecordOutcome writes one horizon result in a single statement guarded
	// by the checked flag. It reports false when the horizon was already
	// checked.
	RecordOutcome(ctx context.Context, id string, h models.Horizon, outcome models.HorizonOutcome) (bool, error)
	// ListChecked returns checked rows at horizon h dated on or after since.
	ListChecked(ctx context.Context, h models.Horizon, since string) ([]models.PredictionRecord, error)
	DeleteBefore(ctx context.Context, cutoff string) (int64, error)
}

// WeightStore persists adapted weight vectors.
type WeightStore interface {
	SaveWeightSet(ctx context.Context, ws *models.WeightSet) error
	// LatestWeightSet returns the newest set for h with at least minSamples
	// samples, or ErrNotFound.
	LatestWeightSet(ctx context.Context, h models.Horizon, minSamples int) (*models.WeightSet, error)
}

// CheckpointStore remembers which topics of a batch already finished.
type CheckpointStore interface {
	MarkDone(ctx context.Context, batchID, topic string, decision models.Decision) error
	Completed(ctx context.Context, batchID string) (map[string]models.Decision, error)
	Clear(ctx context.Context, batchID string) error
}

// Store is everything the engine needs from a persistence backend.
type Store interface {
	PredictionStore
	WeightStore
	CheckpointStore
	HealthCheck(ctx context.Context) error
	Close() error
}

type horizonColumns struct {
	price, ret, correct, checked string
}

func columnsFor(h models.Horizon) (horizonColumns, error) {
	switch h {
	case models.HorizonT1:
		return horizonColumns{"price_t1", "return_t1", "correct_t1", "checked_t1"}, nil
	case models.HorizonT7:
		return horizonColumns{"price_t7", "return_t7", "correct_t7", "checked_t7"}, nil
	case models.HorizonT30:
		return horizonColumns{"price_t30", "return_t30", "correct_t30", "checked_t30"}, nil
	}
	return horizonColumns{}, fmt.Errorf("unknown horizon %q", h)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanPrediction reads the column order shared by both stores' selects.
func scanPrediction(row rowScanner) (models.PredictionRecord, error) {
	var (
		rec       models.PredictionRecord
		direction string
		price     sql.NullFloat64
		snapshot  sql.NullString
		hPrice    [3]sql.NullFloat64
		hReturn   [3]sql.NullFloat64
		hCorrect  [3]sql.NullBool
		hChecked  [3]bool
	)
	var scoresJSON, confidenceJSON, dirsJSON string
	var createdAt, updatedAt int64
	err := row.Scan(
		&rec.ID, &rec.Date, &rec.Topic, &rec.FinalScore, &direction, &price,
		&scoresJSON, &confidenceJSON, &dirsJSON,
		&hPrice[0], &hReturn[0], &hCorrect[0], &hChecked[0],
		&hPrice[1], &hReturn[1], &hCorrect[1], &hChecked[1],
		&hPrice[2], &hReturn[2], &hCorrect[2], &hChecked[2],
		&snapshot, &createdAt, &updatedAt,
	)
	if err != nil {
		return rec, err
	}

	rec.Direction = models.Direction(direction)
	rec.PriceAtPrediction = nullFloat(price)
	if err := decodeJSONColumn(scoresJSON, &rec.DimensionScores); err != nil {
		return rec, fmt.Errorf("decode dimension scores: %w", err)
	}
	if err := decodeJSONColumn(confidenceJSON, &rec.DimensionConfidence); err != nil {
		return rec, fmt.Errorf("decode dimension confidence: %w", err)
	}
	if err := decodeJSONColumn(dirsJSON, &rec.AgentDirections); err != nil {
		return rec, fmt.Errorf("decode agent directions: %w", err)
	}
	if snapshot.Valid && snapshot.String != "" {
		rec.BoardSnapshot = json.RawMessage(snapshot.String)
	}
	rec.Outcomes = make(map[models.Horizon]*models.HorizonOutcome, len(models.Horizons))
	for i, h := range models.Horizons {
		o := &models.HorizonOutcome{
			Price:     nullFloat(hPrice[i]),
			ReturnPct: nullFloat(hReturn[i]),
			Checked:   hChecked[i],
		}
		if hCorrect[i].Valid {
			c := hCorrect[i].Bool
			o.Correct = &c
		}
		rec.Outcomes[h] = o
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rec, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func decodeJSONColumn[T any](raw string, dest *T) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dest)
}

func encodeJSONColumn(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func snapshotColumn(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
