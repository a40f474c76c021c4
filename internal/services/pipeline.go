package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/irfndi/celebrum-distiller/internal/agents"
	"github.com/irfndi/celebrum-distiller/internal/database"
	"github.com/irfndi/celebrum-distiller/internal/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DecisionSaver persists a decision together with the board snapshot taken
// when it was made. OutcomeVerifier implements it.
type DecisionSaver interface {
	SaveWithSnapshot(ctx context.Context, d models.Decision, snapshot []models.CompactSignal) (*models.PredictionRecord, error)
}

// BatchResult summarizes one Run.
type BatchResult struct {
	BatchID   string            `json:"batch_id"`
	Decisions []models.Decision `json:"decisions"`
	// Resumed counts topics restored from the checkpoint instead of analyzed.
	Resumed      int  `json:"resumed"`
	Saved        int  `json:"saved"`
	SaveFailures int  `json:"save_failures"`
	Complete     bool `json:"complete"`
}

// BatchRunner drives agents, the board and the distiller over a list of
// topics, one topic at a time.
type BatchRunner struct {
	agents          []agents.Agent
	board           *SignalBoard
	distiller       *Distiller
	saver           DecisionSaver
	checkpoints     database.CheckpointStore
	timeouts        *TimeoutManager
	persistPoolSize int
	logger          *logrus.Logger
	tracer          trace.Tracer
	now             func() time.Time
}

// BatchRunnerConfig wires a BatchRunner. Checkpoints and Timeouts are
// optional; PersistPoolSize <= 0 sizes the pool from the host.
type BatchRunnerConfig struct {
	Agents          []agents.Agent
	Board           *SignalBoard
	Distiller       *Distiller
	Saver           DecisionSaver
	Checkpoints     database.CheckpointStore
	Timeouts        *TimeoutManager
	PersistPoolSize int
}

// NewBatchRunner validates cfg and returns a runner. The distiller must read
// resonance from the same board the runner publishes to.
func NewBatchRunner(cfg BatchRunnerConfig, logger *logrus.Logger) (*BatchRunner, error) {
	if cfg.Board == nil {
		return nil, fmt.Errorf("batch runner: signal board is required")
	}
	if cfg.Distiller == nil {
		return nil, fmt.Errorf("batch runner: distiller is required")
	}
	if cfg.Saver == nil {
		return nil, fmt.Errorf("batch runner: decision saver is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Timeouts == nil {
		cfg.Timeouts = NewTimeoutManager(DefaultAgentTimeout, logger)
	}
	return &BatchRunner{
		agents:          cfg.Agents,
		board:           cfg.Board,
		distiller:       cfg.Distiller,
		saver:           cfg.Saver,
		checkpoints:     cfg.Checkpoints,
		timeouts:        cfg.Timeouts,
		persistPoolSize: cfg.PersistPoolSize,
		logger:          logger,
		tracer:          otel.Tracer("celebrum-distiller/services"),
		now:             time.Now,
	}, nil
}

// BatchID derives a stable id from the run date and the topic set, so the
// same batch re-run on the same day resumes from its checkpoint.
func BatchID(date time.Time, topics []string) string {
	sorted := append([]string(nil), topics...)
	sort.Strings(sorted)
	name := date.UTC().Format(models.DateLayout) + "|" + strings.Join(sorted, ",")
	return date.UTC().Format(models.DateLayout) + "-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// Run processes topics in order and returns one Decision per distinct topic.
// Saves run on a worker pool that is drained before Run returns. The
// checkpoint is cleared only when every topic was analyzed and saved; if ctx
// ends between topics Run stops and returns ctx.Err() with the checkpoint
// left for the next attempt.
func (r *BatchRunner) Run(ctx context.Context, topics []string) (*BatchResult, error) {
	topics = uniqueTopics(topics)
	batchID := BatchID(r.now(), topics)

	ctx, span := r.tracer.Start(ctx, "batch.run", trace.WithAttributes(
		attribute.String("batch_id", batchID),
		attribute.Int("topics", len(topics)),
	))
	defer span.End()

	log := r.logger.WithFields(logrus.Fields{"batch_id": batchID, "topics": len(topics)})
	log.Info("Starting batch")

	done := map[string]models.Decision{}
	if r.checkpoints != nil {
		completed, err := r.checkpoints.Completed(ctx, batchID)
		if err != nil {
			log.WithError(err).Warn("Checkpoint unavailable, analyzing every topic")
		} else {
			done = completed
		}
	}

	result := &BatchResult{BatchID: batchID, Decisions: make([]models.Decision, 0, len(topics))}
	pool := NewWorkerPool("persist", r.persistPoolSize, r.logger)

	var stopErr error
	for _, topic := range topics {
		if d, ok := done[topic]; ok {
			result.Decisions = append(result.Decisions, d)
			result.Resumed++
			log.WithField("topic", topic).Debug("Topic restored from checkpoint")
			continue
		}
		if err := ctx.Err(); err != nil {
			stopErr = err
			break
		}

		decision := r.ProcessTopic(ctx, topic)
		result.Decisions = append(result.Decisions, decision)

		// A finished decision is saved even if the caller has given up.
		if err := pool.Submit(context.WithoutCancel(ctx), r.persistTask(batchID, decision, r.board.CompactSnapshot())); err != nil {
			stopErr = err
			break
		}
	}

	// Writes already queued are never abandoned, whatever happened to ctx.
	if err := pool.Drain(context.WithoutCancel(ctx)); err != nil {
		log.WithError(err).Error("Persistence pool did not drain")
	}
	stats := pool.Stats()
	result.Saved = int(stats.Completed)
	result.SaveFailures = int(stats.Failed)

	if stopErr != nil {
		span.SetStatus(codes.Error, stopErr.Error())
		log.WithError(stopErr).WithField("processed", len(result.Decisions)).Warn("Batch stopped early, checkpoint kept")
		return result, stopErr
	}
	if result.SaveFailures > 0 {
		err := fmt.Errorf("batch %s: %d of %d saves failed", batchID, result.SaveFailures, stats.Submitted)
		span.RecordError(err)
		log.WithError(err).Error("Batch finished with persistence errors, checkpoint kept")
		return result, err
	}

	if r.checkpoints != nil {
		if err := r.checkpoints.Clear(ctx, batchID); err != nil {
			log.WithError(err).Warn("Failed to clear batch checkpoint")
		}
	}
	result.Complete = true
	log.WithFields(logrus.Fields{"saved": result.Saved, "resumed": result.Resumed}).Info("Batch complete")
	return result, nil
}

// ProcessTopic runs every agent on topic in parallel, each under its own
// timeout, then distills the results. It always returns a Decision.
func (r *BatchRunner) ProcessTopic(ctx context.Context, topic string) models.Decision {
	topic = models.NormalizeTopic(topic)
	ctx, span := r.tracer.Start(ctx, "batch.topic", trace.WithAttributes(attribute.String("topic", topic)))
	defer span.End()

	results := make([]models.AgentResult, len(r.agents))
	var wg sync.WaitGroup
	for i, agent := range r.agents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.callAgent(ctx, topic, agent)
		}()
	}
	wg.Wait()

	return r.distiller.Distill(ctx, topic, results)
}

func (r *BatchRunner) callAgent(ctx context.Context, topic string, agent agents.Agent) models.AgentResult {
	dim := agent.Dimension()
	fields := logrus.Fields{"topic": topic, "dimension": dim, "operation": agent.Name()}

	res, err := ExecuteWithTimeout(ctx, r.timeouts, agent.Name()+":"+topic, func(ctx context.Context) (models.AgentResult, error) {
		ctx, span := r.tracer.Start(ctx, "agent.analyze", trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("dimension", string(dim)),
		))
		defer span.End()
		res, err := agent.Analyze(ctx, topic)
		if err != nil {
			span.RecordError(err)
		}
		return res, err
	})
	if err != nil {
		r.logger.WithFields(fields).WithError(err).Warn("Agent failed, dimension absent")
		return models.Failed(dim, err)
	}
	if res.Dimension == "" {
		res.Dimension = dim
	}
	if res.Status == models.StatusError {
		r.logger.WithFields(fields).WithError(res.Err).Warn("Agent reported an error, dimension absent")
		return res
	}

	if res.IsPresent() && res.Dimension.IsCanonical() && res.Direction.Valid() {
		r.board.Publish(models.SignalEntry{
			AgentID:       agent.Name(),
			Dimension:     res.Dimension,
			Topic:         topic,
			DiscoveryText: res.DiscoveryText,
			Source:        res.SourceID,
			SelfScore:     res.Confidence * 10,
			Direction:     res.Direction,
		})
	}
	return res
}

// persistTask saves d and only then marks the topic done, so a crash can
// never checkpoint a topic whose prediction was lost.
func (r *BatchRunner) persistTask(batchID string, d models.Decision, snapshot []models.CompactSignal) Task {
	return func(ctx context.Context) error {
		if _, err := r.saver.SaveWithSnapshot(ctx, d, snapshot); err != nil {
			return err
		}
		if r.checkpoints == nil {
			return nil
		}
		if err := r.checkpoints.MarkDone(ctx, batchID, d.Topic, d); err != nil {
			r.logger.WithFields(logrus.Fields{"batch_id": batchID, "topic": d.Topic}).
				WithError(err).Warn("Failed to checkpoint topic")
		}
		return nil
	}
}

func uniqueTopics(topics []string) []string {
	seen := make(map[string]struct{}, len(topics))
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		t = models.NormalizeTopic(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
