package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/irfndi/celebrum-distiller/internal/models"
	"github.com/sirupsen/logrus"
)

// Retainer deletes predictions dated before cutoff.
type Retainer interface {
	DeleteBefore(ctx context.Context, cutoff string) (int64, error)
}

// CleanupConfig defines cleanup configuration
type CleanupConfig struct {
	RetentionDays   int `mapstructure:"retention_days"`
	IntervalMinutes int `mapstructure:"interval_minutes"`
}

// DefaultCleanupConfig keeps 400 days of predictions and runs daily.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{RetentionDays: 400, IntervalMinutes: 1440}
}

// CleanupService handles automatic cleanup of old predictions
type CleanupService struct {
	store  Retainer
	config CleanupConfig
	logger *logrus.Logger
	now    func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastRun time.Time
	removed int64
}

// NewCleanupService creates a new cleanup service
func NewCleanupService(store Retainer, config CleanupConfig, logger *logrus.Logger) *CleanupService {
	def := DefaultCleanupConfig()
	if config.RetentionDays <= 0 {
		config.RetentionDays = def.RetentionDays
	}
	// Rows must survive until their T+30 check.
	if minDays := models.HorizonT30.Days() + 1; config.RetentionDays < minDays {
		config.RetentionDays = minDays
	}
	if config.IntervalMinutes <= 0 {
		config.IntervalMinutes = def.IntervalMinutes
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &CleanupService{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Start runs one cleanup immediately and then on every interval until ctx
// ends or Stop is called. Calling Start twice is a no-op.
func (c *CleanupService) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"retention_days":   c.config.RetentionDays,
		"interval_minutes": c.config.IntervalMinutes,
	}).Info("Starting cleanup service")

	go func() {
		defer close(done)
		if _, err := c.RunCleanup(ctx); err != nil {
			c.logger.WithError(err).Error("Initial cleanup failed")
		}

		ticker := time.NewTicker(time.Duration(c.config.IntervalMinutes) * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.RunCleanup(ctx); err != nil {
					c.logger.WithError(err).Error("Cleanup failed")
				}
			}
		}
	}()
}

// Stop stops the cleanup service and waits for a running pass to finish.
func (c *CleanupService) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	c.logger.Info("Stopping cleanup service")
	cancel()
	<-done
}

// RunCleanup performs a manual cleanup operation and returns the number of
// predictions deleted.
func (c *CleanupService) RunCleanup(ctx context.Context) (int64, error) {
	cutoff := truncateDay(c.now().UTC()).AddDate(0, 0, -c.config.RetentionDays).Format(models.DateLayout)
	n, err := c.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete predictions before %s: %w", cutoff, err)
	}

	c.mu.Lock()
	c.lastRun = c.now()
	c.removed += n
	c.mu.Unlock()

	if n > 0 {
		c.logger.WithFields(logrus.Fields{"deleted": n, "cutoff": cutoff}).Info("Cleaned up old predictions")
	}
	return n, nil
}

// Stats reports when cleanup last ran and how many rows it removed in total.
func (c *CleanupService) Stats() (time.Time, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRun, c.removed
}
