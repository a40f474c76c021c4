package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/irfndi/celebrum-distiller/internal/agents"
	"github.com/irfndi/celebrum-distiller/internal/cache"
	"github.com/irfndi/celebrum-distiller/internal/config"
	"github.com/irfndi/celebrum-distiller/internal/database"
	"github.com/irfndi/celebrum-distiller/internal/logging"
	"github.com/irfndi/celebrum-distiller/internal/market"
	"github.com/irfndi/celebrum-distiller/internal/models"
	"github.com/irfndi/celebrum-distiller/internal/services"
	"github.com/irfndi/celebrum-distiller/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// app holds every long-lived collaborator built from one Config.
type app struct {
	cfg       *config.Config
	logger    *logrus.Logger
	telemetry *telemetry.Provider
	store     database.Store
	redis     *database.RedisClient

	checkpoints database.CheckpointStore
	prices      *market.Client
	board       *services.SignalBoard
	verifier    *services.OutcomeVerifier
	adapter     *services.WeightAdapter
	timeouts    *services.TimeoutManager
}

// newApp loads the config at path and opens the store, caches and clients.
// Logs go to logOut so command output on stdout stays machine readable.
func newApp(ctx context.Context, path string, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger := logging.NewLoggerWithOutput(cfg.LogLevel, cfg.Environment, logOut)
	a := &app{cfg: cfg, logger: logger}

	a.telemetry, err = telemetry.Setup(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
		Environment:  cfg.Environment,
		StdoutWriter: logOut,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if a.telemetry.Logger != nil {
		logger.AddHook(logging.NewOTelHook(a.telemetry.Logger, cfg.Telemetry.ServiceName))
	}

	a.store, err = openStore(ctx, cfg.Database, logger)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	var priceCache cache.PriceCache = cache.NewInMemoryPriceCache(cfg.Market.CacheTTL)
	a.checkpoints = a.store
	if cfg.Redis.Enabled {
		a.redis, err = database.NewRedisConnection(ctx, cfg.Redis, logger)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, using the database for checkpoints and memory for prices")
		} else {
			a.checkpoints = cache.NewRedisCheckpointStore(a.redis.Client, cache.DefaultCheckpointTTL, logger)
			priceCache = cache.NewRedisPriceCache(a.redis.Client, cfg.Market.CacheTTL, logger)
		}
	}

	a.prices = market.NewClient(market.Options{
		BaseURL:           cfg.Market.BaseURL,
		Timeout:           cfg.Market.Timeout,
		RequestsPerSecond: cfg.Market.RequestsPerSecond,
		MaxRetries:        cfg.Market.MaxRetries,
		Breaker: services.CircuitBreakerConfig{
			FailureThreshold: cfg.Market.BreakerFailures,
			SuccessThreshold: 1,
			OpenTimeout:      cfg.Market.BreakerReset,
			MaxRequests:      1,
		},
	}, priceCache, logger)

	a.board = services.NewSignalBoard(services.BoardConfig{
		Capacity:     cfg.Board.Capacity,
		DecayRate:    cfg.Board.DecayRate,
		MinStrength:  cfg.Board.MinStrength,
		SupportBoost: cfg.Board.SupportBoost,
	}, logger)
	a.verifier = services.NewOutcomeVerifier(a.store, a.prices, a.board, cfg.Verification.WindowDays, logger)
	a.adapter = services.NewWeightAdapter(a.store, a.store, cfg.Distiller.Weights(), services.AdaptationConfig{
		MinSamplesT7: cfg.Adaptation.MinSamplesT7,
		MinSamplesT1: cfg.Adaptation.MinSamplesT1,
		SmoothingT7:  cfg.Adaptation.SmoothingT7,
		SmoothingT1:  cfg.Adaptation.SmoothingT1,
		WindowDays:   cfg.Verification.WindowDays,
		Bias:         services.BiasPolicy(cfg.Adaptation.Bias),
	}, logger)
	a.timeouts = services.NewTimeoutManager(cfg.Distiller.AgentTimeout, logger)
	return a, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *logrus.Logger) (database.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		store, err := database.OpenPostgresStore(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return store, nil
	default:
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		store, err := database.OpenSQLite(ctx, cfg.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, nil
	}
}

// remoteAgents builds one HTTP agent per configured dimension.
func (a *app) remoteAgents() ([]agents.Agent, error) {
	out := make([]agents.Agent, 0, len(a.cfg.Agents))
	for _, ac := range a.cfg.Agents {
		dim, err := models.ParseDimension(ac.Dimension)
		if err != nil {
			return nil, err
		}
		out = append(out, agents.NewRemoteAgent(dim, ac.URL, agents.RemoteOptions{
			Timeout:    a.cfg.Distiller.AgentTimeout,
			MaxRetries: 2,
		}, a.logger))
	}
	return out, nil
}

// batchRunner assembles a runner whose distiller votes with the newest
// adapted weights.
func (a *app) batchRunner(ctx context.Context) (*services.BatchRunner, error) {
	agentList, err := a.remoteAgents()
	if err != nil {
		return nil, err
	}
	if len(agentList) == 0 {
		return nil, errors.New("no agents configured")
	}

	weights, horizon, err := a.adapter.CurrentWeights(ctx)
	if err != nil {
		a.logger.WithError(err).Warn("Failed to load adapted weights, using defaults")
	}
	source := string(horizon)
	if source == "" {
		source = "default"
	}
	a.logger.WithFields(logrus.Fields{"weights": weights, "source": source}).Info("Loaded voting weights")

	distiller := services.NewDistiller(services.DistillerConfig{
		MaxResonanceNudge: a.cfg.Distiller.MaxResonanceNudge,
		GuardThreshold:    a.cfg.Distiller.GuardThreshold,
		MaxGuardPenalty:   a.cfg.Distiller.MaxGuardPenalty,
		MaxMLNudge:        a.cfg.Distiller.MaxMLNudge,
	}, weights, a.board, a.logger)

	return services.NewBatchRunner(services.BatchRunnerConfig{
		Agents:          agentList,
		Board:           a.board,
		Distiller:       distiller,
		Saver:           a.verifier,
		Checkpoints:     a.checkpoints,
		Timeouts:        a.timeouts,
		PersistPoolSize: a.cfg.Workers.PersistPoolSize,
	}, a.logger)
}

// Close releases everything newApp opened, newest first.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.timeouts != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.timeouts.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
