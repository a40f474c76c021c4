package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/irfndi/celebrum-distiller/internal/database"
	"github.com/irfndi/celebrum-distiller/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultCheckpointTTL bounds how long an abandoned batch can be resumed.
const DefaultCheckpointTTL = 7 * 24 * time.Hour

var (
	_ database.CheckpointStore = (*RedisCheckpointStore)(nil)
	_ database.CheckpointStore = (*InMemoryCheckpointStore)(nil)
)

// RedisCheckpointStore keeps one hash per batch, field = topic, value = the
// Decision JSON. Every write refreshes the hash TTL.
type RedisCheckpointStore struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
	logger *logrus.Logger
}

// NewRedisCheckpointStore creates a checkpoint store. A non-positive ttl
// uses DefaultCheckpointTTL.
func NewRedisCheckpointStore(client redis.Cmdable, ttl time.Duration, logger *logrus.Logger) *RedisCheckpointStore {
	if ttl <= 0 {
		ttl = DefaultCheckpointTTL
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisCheckpointStore{client: client, ttl: ttl, prefix: "checkpoint:", logger: logger}
}

func (s *RedisCheckpointStore) key(batchID string) string {
	return s.prefix + batchID
}

// MarkDone records topic as finished within batchID.
func (s *RedisCheckpointStore) MarkDone(ctx context.Context, batchID, topic string, decision models.Decision) error {
	payload, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("encode checkpoint decision: %w", err)
	}
	key := s.key(batchID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, topic, payload)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("checkpoint %s/%s: %w", batchID, topic, err)
	}
	return nil
}

// Completed returns the decisions already recorded for batchID. Entries
// that no longer decode are skipped with a warning.
func (s *RedisCheckpointStore) Completed(ctx context.Context, batchID string) (map[string]models.Decision, error) {
	raw, err := s.client.HGetAll(ctx, s.key(batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", batchID, err)
	}
	out := make(map[string]models.Decision, len(raw))
	for topic, payload := range raw {
		var d models.Decision
		if err := json.Unmarshal([]byte(payload), &d); err != nil {
			s.logger.WithFields(logrus.Fields{"batch_id": batchID, "topic": topic}).
				WithError(err).Warn("Dropping unreadable checkpoint entry")
			continue
		}
		out[topic] = d
	}
	return out, nil
}

// Clear deletes the batch hash.
func (s *RedisCheckpointStore) Clear(ctx context.Context, batchID string) error {
	if err := s.client.Del(ctx, s.key(batchID)).Err(); err != nil {
		return fmt.Errorf("clear checkpoint %s: %w", batchID, err)
	}
	return nil
}

// InMemoryCheckpointStore is a process-local CheckpointStore. It does not
// survive a restart and is meant for tests and one-shot runs.
type InMemoryCheckpointStore struct {
	mu      sync.RWMutex
	batches map[string]map[string]models.Decision
}

// NewInMemoryCheckpointStore creates an empty store.
func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{batches: make(map[string]map[string]models.Decision)}
}

func (s *InMemoryCheckpointStore) MarkDone(_ context.Context, batchID, topic string, decision models.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		batch = make(map[string]models.Decision)
		s.batches[batchID] = batch
	}
	batch[topic] = decision
	return nil
}

func (s *InMemoryCheckpointStore) Completed(_ context.Context, batchID string) (map[string]models.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.Decision, len(s.batches[batchID]))
	for topic, d := range s.batches[batchID] {
		out[topic] = d
	}
	return out, nil
}

func (s *InMemoryCheckpointStore) Clear(_ context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.batches, batchID)
	return nil
}
