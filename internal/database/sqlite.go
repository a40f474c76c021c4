package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/irfndi/celebrum-distiller/internal/database/migrations"
	"github.com/irfndi/celebrum-distiller/internal/models"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

var _ Store = (*SQLiteStore)(nil)

const sqlitePredictionColumns = `id, date, topic, final_score, direction, price_at_prediction,
	dimension_scores_json, dimension_confidence_json, agent_directions_json,
	price_t1, return_t1, correct_t1, checked_t1,
	price_t7, return_t7, correct_t7, checked_t7,
	price_t30, return_t30, correct_t30, checked_t30,
	board_snapshot_json, created_at, updated_at`

// SQLiteStore is the embedded store backed by modernc.org/sqlite.
type SQLiteStore struct {
	db     *sql.DB
	logger *logrus.Logger
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(ctx context.Context, path string, logger *logrus.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time keeps SQLITE_BUSY out of the persistence pool.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	applied, err := ApplySQLiteMigrations(ctx, db, migrations.SQLite, "sqlite")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if len(applied) > 0 {
		logger.WithFields(logrus.Fields{
			"path":       path,
			"migrations": applied,
		}).Info("Applied schema migrations")
	}

	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

// Close releases the connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertPrediction implements PredictionStore.
func (s *SQLiteStore) UpsertPrediction(ctx context.Context, rec *models.PredictionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil || rec.Date == "" || rec.Topic == "" {
		return fmt.Errorf("prediction date and topic are required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	scores, err := encodeJSONColumn(rec.DimensionScores)
	if err != nil {
		return fmt.Errorf("encode dimension scores: %w", err)
	}
	confidence, err := encodeJSONColumn(rec.DimensionConfidence)
	if err != nil {
		return fmt.Errorf("encode dimension confidence: %w", err)
	}
	dirs, err := encodeJSONColumn(rec.AgentDirections)
	if err != nil {
		return fmt.Errorf("encode agent directions: %w", err)
	}
	now := s.now().UTC().UnixMilli()

	var id string
	err = s.db.QueryRowContext(ctx, `
INSERT INTO predictions (
    id, date, topic, final_score, direction, price_at_prediction,
    dimension_scores_json, dimension_confidence_json, agent_directions_json,
    board_snapshot_json, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (date, topic) DO UPDATE SET
    final_score = excluded.final_score,
    direction = excluded.direction,
    price_at_prediction = COALESCE(excluded.price_at_prediction, predictions.price_at_prediction),
    dimension_scores_json = excluded.dimension_scores_json,
    dimension_confidence_json = excluded.dimension_confidence_json,
    agent_directions_json = excluded.agent_directions_json,
    board_snapshot_json = COALESCE(excluded.board_snapshot_json, predictions.board_snapshot_json),
    updated_at = excluded.updated_at
WHERE predictions.checked_t1 = 0 AND predictions.checked_t7 = 0 AND predictions.checked_t30 = 0
RETURNING id`,
		rec.ID, rec.Date, rec.Topic, rec.FinalScore, string(rec.Direction), rec.PriceAtPrediction,
		scores, confidence, dirs, snapshotColumn(rec.BoardSnapshot), now, now,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("upsert prediction %s/%s: %w", rec.Date, rec.Topic, ErrPredictionVerified)
	}
	if err != nil {
		return fmt.Errorf("upsert prediction %s/%s: %w", rec.Date, rec.Topic, err)
	}
	rec.ID = id
	return nil
}

// GetPrediction implements PredictionStore.
func (s *SQLiteStore) GetPrediction(ctx context.Context, date, topic string) (*models.PredictionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sqlitePredictionColumns+" FROM predictions WHERE date = ? AND topic = ?",
		date, topic)
	rec, err := scanPrediction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prediction %s/%s: %w", date, topic, err)
	}
	return &rec, nil
}

// ListPredictions implements PredictionStore.
func (s *SQLiteStore) ListPredictions(ctx context.Context, since, until string) ([]models.PredictionRecord, error) {
	return s.queryPredictions(ctx,
		"SELECT "+sqlitePredictionColumns+" FROM predictions WHERE date >= ? AND date <= ? ORDER BY date, topic",
		since, until)
}

// ListDue implements PredictionStore.
func (s *SQLiteStore) ListDue(ctx context.Context, h models.Horizon, cutoff string) ([]models.PredictionRecord, error) {
	cols, err := columnsFor(h)
	if err != nil {
		return nil, err
	}
	return s.queryPredictions(ctx,
		"SELECT "+sqlitePredictionColumns+" FROM predictions WHERE "+cols.checked+
			" = 0 AND date <= ? AND price_at_prediction IS NOT NULL ORDER BY date, topic",
		cutoff)
}

// RecordOutcome implements PredictionStore.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, id string, h models.Horizon, outcome models.HorizonOutcome) (bool, error) {
	cols, err := columnsFor(h)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE predictions SET "+cols.price+" = ?, "+cols.ret+" = ?, "+cols.correct+" = ?, "+
			cols.checked+" = 1, updated_at = ? WHERE id = ? AND "+cols.checked+" = 0",
		outcome.Price, outcome.ReturnPct, outcome.Correct, s.now().UTC().UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("record %s outcome for %s: %w", h, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record %s outcome for %s: %w", h, id, err)
	}
	return n == 1, nil
}

// ListChecked implements PredictionStore.
func (s *SQLiteStore) ListChecked(ctx context.Context, h models.Horizon, since string) ([]models.PredictionRecord, error) {
	cols, err := columnsFor(h)
	if err != nil {
		return nil, err
	}
	return s.queryPredictions(ctx,
		"SELECT "+sqlitePredictionColumns+" FROM predictions WHERE "+cols.checked+
			" = 1 AND "+cols.correct+" IS NOT NULL AND date >= ? ORDER BY date, topic",
		since)
}

// DeleteBefore implements PredictionStore.
func (s *SQLiteStore) DeleteBefore(ctx context.Context, cutoff string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM predictions WHERE date < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete predictions before %s: %w", cutoff, err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) queryPredictions(ctx context.Context, query string, args ...any) ([]models.PredictionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query predictions: %w", err)
	}
	defer rows.Close()

	var out []models.PredictionRecord
	for rows.Next() {
		rec, err := scanPrediction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate predictions: %w", err)
	}
	return out, nil
}

// SaveWeightSet implements WeightStore.
func (s *SQLiteStore) SaveWeightSet(ctx context.Context, ws *models.WeightSet) error {
	if ws == nil {
		return fmt.Errorf("weight set is required")
	}
	if err := ws.Weights.Validate(); err != nil {
		return fmt.Errorf("refusing to save weight set: %w", err)
	}
	weights, err := encodeJSONColumn(ws.Weights)
	if err != nil {
		return fmt.Errorf("encode weights: %w", err)
	}
	accuracy, err := encodeJSONColumn(ws.Accuracy)
	if err != nil {
		return fmt.Errorf("encode accuracy: %w", err)
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO adapted_weights (date, horizon, weights_json, accuracy_json, sample_count, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		ws.Date, string(ws.Horizon), weights, accuracy, ws.SampleCount, ws.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert weight set: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ws.ID = id
	}
	return nil
}

// LatestWeightSet implements WeightStore.
func (s *SQLiteStore) LatestWeightSet(ctx context.Context, h models.Horizon, minSamples int) (*models.WeightSet, error) {
	var (
		ws        models.WeightSet
		horizon   string
		weights   string
		accuracy  string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, date, horizon, weights_json, accuracy_json, sample_count, created_at
FROM adapted_weights
WHERE horizon = ? AND sample_count >= ?
ORDER BY created_at DESC, id DESC
LIMIT 1`, string(h), minSamples).Scan(&ws.ID, &ws.Date, &horizon, &weights, &accuracy, &ws.SampleCount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s weight set: %w", h, err)
	}
	ws.Horizon = models.Horizon(horizon)
	ws.CreatedAt = time.UnixMilli(createdAt).UTC()
	if err := decodeJSONColumn(weights, &ws.Weights); err != nil {
		return nil, fmt.Errorf("decode weights: %w", err)
	}
	if err := decodeJSONColumn(accuracy, &ws.Accuracy); err != nil {
		return nil, fmt.Errorf("decode accuracy: %w", err)
	}
	return &ws, nil
}

// MarkDone implements CheckpointStore.
func (s *SQLiteStore) MarkDone(ctx context.Context, batchID, topic string, decision models.Decision) error {
	payload, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("encode checkpoint decision: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO batch_checkpoints (batch_id, topic, decision_json, completed_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (batch_id, topic) DO UPDATE SET
    decision_json = excluded.decision_json,
    completed_at = excluded.completed_at`,
		batchID, topic, string(payload), s.now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("checkpoint %s/%s: %w", batchID, topic, err)
	}
	return nil
}

// Completed implements CheckpointStore.
func (s *SQLiteStore) Completed(ctx context.Context, batchID string) (map[string]models.Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT topic, decision_json FROM batch_checkpoints WHERE batch_id = ?", batchID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", batchID, err)
	}
	defer rows.Close()

	out := make(map[string]models.Decision)
	for rows.Next() {
		var topic, payload string
		if err := rows.Scan(&topic, &payload); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		var d models.Decision
		if err := json.Unmarshal([]byte(payload), &d); err != nil {
			s.logger.WithFields(logrus.Fields{
				"batch_id": batchID,
				"topic":    topic,
			}).WithError(err).Warn("Dropping unreadable checkpoint entry")
			continue
		}
		out[topic] = d
	}
	return out, rows.Err()
}

// Clear implements CheckpointStore.
func (s *SQLiteStore) Clear(ctx context.Context, batchID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM batch_checkpoints WHERE batch_id = ?", batchID); err != nil {
		return fmt.Errorf("clear checkpoint %s: %w", batchID, err)
	}
	return nil
}
