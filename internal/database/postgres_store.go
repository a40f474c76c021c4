package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/irfndi/celebrum-distiller/internal/database/migrations"
	"github.com/irfndi/celebrum-distiller/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
)

var _ Store = (*PostgresStore)(nil)

// DatabasePool is the slice of pgxpool.Pool the Postgres store uses, so a
// pgxmock pool can stand in for tests.
type DatabasePool interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

const pgPredictionColumns = `id::text, date::text, topic, final_score, direction, price_at_prediction,
	dimension_scores_json::text, dimension_confidence_json::text, agent_directions_json::text,
	price_t1, return_t1, correct_t1, checked_t1,
	price_t7, return_t7, correct_t7, checked_t7,
	price_t30, return_t30, correct_t30, checked_t30,
	board_snapshot_json::text,
	(EXTRACT(EPOCH FROM created_at) * 1000)::bigint,
	(EXTRACT(EPOCH FROM updated_at) * 1000)::bigint`

// PostgresStore keeps predictions, weights and checkpoints in Postgres.
type PostgresStore struct {
	pool    DatabasePool
	closeFn func()
	logger  *logrus.Logger
}

// NewPostgresStore wraps an open pool. closeFn may be nil.
func NewPostgresStore(pool DatabasePool, closeFn func(), logger *logrus.Logger) *PostgresStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &PostgresStore{pool: pool, closeFn: closeFn, logger: logger}
}

// Migrate applies pending Postgres migrations, one transaction per file.
func (s *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	list, err := LoadMigrations(migrations.Postgres, "postgres")
	if err != nil {
		return nil, err
	}
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+migrationTable+` (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
)`); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}

	var current int
	if err := s.pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM "+migrationTable).Scan(&current); err != nil {
		return nil, fmt.Errorf("read schema version: %w", err)
	}

	var applied []string
	for _, m := range list {
		if m.Version <= current {
			continue
		}
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return applied, fmt.Errorf("begin migration %s: %w", m.Name, err)
		}
		if strings.TrimSpace(m.Up) != "" {
			if _, err := tx.Exec(ctx, m.Up); err != nil {
				_ = tx.Rollback(ctx)
				return applied, fmt.Errorf("exec migration %s: %w", m.Name, err)
			}
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO "+migrationTable+" (version, name) VALUES ($1, $2)", m.Version, m.Name); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("record migration %s: %w", m.Name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return applied, fmt.Errorf("commit migration %s: %w", m.Name, err)
		}
		applied = append(applied, m.Name)
	}
	if len(applied) > 0 {
		s.logger.WithField("migrations", applied).Info("Applied schema migrations")
	}
	return applied, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// HealthCheck pings the pool.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// UpsertPrediction implements PredictionStore.
func (s *PostgresStore) UpsertPrediction(ctx context.Context, rec *models.PredictionRecord) error {
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
	var snapshot *string
	if len(rec.BoardSnapshot) > 0 {
		v := string(rec.BoardSnapshot)
		snapshot = &v
	}

	var id string
	err = s.pool.QueryRow(ctx, `
INSERT INTO predictions (
    id, date, topic, final_score, direction, price_at_prediction,
    dimension_scores_json, dimension_confidence_json, agent_directions_json, board_snapshot_json
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (date, topic) DO UPDATE SET
    final_score = EXCLUDED.final_score,
    direction = EXCLUDED.direction,
    price_at_prediction = COALESCE(EXCLUDED.price_at_prediction, predictions.price_at_prediction),
    dimension_scores_json = EXCLUDED.dimension_scores_json,
    dimension_confidence_json = EXCLUDED.dimension_confidence_json,
    agent_directions_json = EXCLUDED.agent_directions_json,
    board_snapshot_json = COALESCE(EXCLUDED.board_snapshot_json, predictions.board_snapshot_json),
    updated_at = CURRENT_TIMESTAMP
WHERE NOT (predictions.checked_t1 OR predictions.checked_t7 OR predictions.checked_t30)
RETURNING id::text`,
		rec.ID, rec.Date, rec.Topic, rec.FinalScore, string(rec.Direction), rec.PriceAtPrediction,
		scores, confidence, dirs, snapshot,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("upsert prediction %s/%s: %w", rec.Date, rec.Topic, ErrPredictionVerified)
	}
	if err != nil {
		return fmt.Errorf("upsert prediction %s/%s: %w", rec.Date, rec.Topic, err)
	}
	rec.ID = id
	return nil
}

// GetPrediction implements PredictionStore.
func (s *PostgresStore) GetPrediction(ctx context.Context, date, topic string) (*models.PredictionRecord, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+pgPredictionColumns+" FROM predictions WHERE date = $1 AND topic = $2", date, topic)
	rec, err := scanPrediction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prediction %s/%s: %w", date, topic, err)
	}
	return &rec, nil
}

// ListPredictions implements PredictionStore.
func (s *PostgresStore) ListPredictions(ctx context.Context, since, until string) ([]models.PredictionRecord, error) {
	return s.queryPredictions(ctx,
		"SELECT "+pgPredictionColumns+" FROM predictions WHERE date >= $1 AND date <= $2 ORDER BY date, topic",
		since, until)
}

// ListDue implements PredictionStore.
func (s *PostgresStore) ListDue(ctx context.Context, h models.Horizon, cutoff string) ([]models.PredictionRecord, error) {
	cols, err := columnsFor(h)
	if err != nil {
		return nil, err
	}
	return s.queryPredictions(ctx,
		"SELECT "+pgPredictionColumns+" FROM predictions WHERE NOT "+cols.checked+
			" AND date <= $1 AND price_at_prediction IS NOT NULL ORDER BY date, topic",
		cutoff)
}

// RecordOutcome implements PredictionStore.
func (s *PostgresStore) RecordOutcome(ctx context.Context, id string, h models.Horizon, outcome models.HorizonOutcome) (bool, error) {
	cols, err := columnsFor(h)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		"UPDATE predictions SET "+cols.price+" = $1, "+cols.ret+" = $2, "+cols.correct+" = $3, "+
			cols.checked+" = TRUE, updated_at = CURRENT_TIMESTAMP WHERE id = $4 AND NOT "+cols.checked,
		outcome.Price, outcome.ReturnPct, outcome.Correct, id)
	if err != nil {
		return false, fmt.Errorf("record %s outcome for %s: %w", h, id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListChecked implements PredictionStore.
func (s *PostgresStore) ListChecked(ctx context.Context, h models.Horizon, since string) ([]models.PredictionRecord, error) {
	cols, err := columnsFor(h)
	if err != nil {
		return nil, err
	}
	return s.queryPredictions(ctx,
		"SELECT "+pgPredictionColumns+" FROM predictions WHERE "+cols.checked+
			" AND "+cols.correct+" IS NOT NULL AND date >= $1 ORDER BY date, topic",
		since)
}

// DeleteBefore implements PredictionStore.
func (s *PostgresStore) DeleteBefore(ctx context.Context, cutoff string) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM predictions WHERE date < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete predictions before %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) queryPredictions(ctx context.Context, query string, args ...interface{}) ([]models.PredictionRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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
func (s *PostgresStore) SaveWeightSet(ctx context.Context, ws *models.WeightSet) error {
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
		ws.CreatedAt = time.Now().UTC()
	}
	err = s.pool.QueryRow(ctx, `
INSERT INTO adapted_weights (date, horizon, weights_json, accuracy_json, sample_count, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`,
		ws.Date, string(ws.Horizon), weights, accuracy, ws.SampleCount, ws.CreatedAt,
	).Scan(&ws.ID)
	if err != nil {
		return fmt.Errorf("insert weight set: %w", err)
	}
	return nil
}

// LatestWeightSet implements WeightStore.
func (s *PostgresStore) LatestWeightSet(ctx context.Context, h models.Horizon, minSamples int) (*models.WeightSet, error) {
	var (
		ws       models.WeightSet
		horizon  string
		weights  string
		accuracy string
	)
	err := s.pool.QueryRow(ctx, `
SELECT id, date::text, horizon, weights_json::text, accuracy_json::text, sample_count, created_at
FROM adapted_weights
WHERE horizon = $1 AND sample_count >= $2
ORDER BY created_at DESC, id DESC
LIMIT 1`, string(h), minSamples).Scan(&ws.ID, &ws.Date, &horizon, &weights, &accuracy, &ws.SampleCount, &ws.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s weight set: %w", h, err)
	}
	ws.Horizon = models.Horizon(horizon)
	if err := decodeJSONColumn(weights, &ws.Weights); err != nil {
		return nil, fmt.Errorf("decode weights: %w", err)
	}
	if err := decodeJSONColumn(accuracy, &ws.Accuracy); err != nil {
		return nil, fmt.Errorf("decode accuracy: %w", err)
	}
	return &ws, nil
}

// MarkDone implements CheckpointStore.
func (s *PostgresStore) MarkDone(ctx context.Context, batchID, topic string, decision models.Decision) error {
	payload, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("encode checkpoint decision: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO batch_checkpoints (batch_id, topic, decision_json)
VALUES ($1, $2, $3)
ON CONFLICT (batch_id, topic) DO UPDATE SET
    decision_json = EXCLUDED.decision_json,
    completed_at = CURRENT_TIMESTAMP`, batchID, topic, string(payload))
	if err != nil {
		return fmt.Errorf("checkpoint %s/%s: %w", batchID, topic, err)
	}
	return nil
}

// Completed implements CheckpointStore.
func (s *PostgresStore) Completed(ctx context.Context, batchID string) (map[string]models.Decision, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT topic, decision_json::text FROM batch_checkpoints WHERE batch_id = $1", batchID)
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
func (s *PostgresStore) Clear(ctx context.Context, batchID string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM batch_checkpoints WHERE batch_id = $1", batchID); err != nil {
		return fmt.Errorf("clear checkpoint %s: %w", batchID, err)
	}
	return nil
}
