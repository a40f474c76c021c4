package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrOperationTimeout wraps context.DeadlineExceeded for a timed-out call.
var ErrOperationTimeout = errors.New("operation timed out")

// DefaultAgentTimeout is the time box for one agent call.
const DefaultAgentTimeout = 60 * time.Second

// TimeoutManager time-boxes individual calls and tracks which are in flight.
type TimeoutManager struct {
	logger         *logrus.Logger
	defaultTimeout time.Duration
	mu             sync.RWMutex
	active         map[string]time.Time
	wg             sync.WaitGroup
}

// NewTimeoutManager creates a manager. A non-positive timeout falls back to
// DefaultAgentTimeout.
func NewTimeoutManager(defaultTimeout time.Duration, logger *logrus.Logger) *TimeoutManager {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultAgentTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &TimeoutManager{
		logger:         logger,
		defaultTimeout: defaultTimeout,
		active:         make(map[string]time.Time),
	}
}

// DefaultTimeout returns the configured time box.
func (tm *TimeoutManager) DefaultTimeout() time.Duration {
	return tm.defaultTimeout
}

// ExecuteWithTimeout runs op under the manager's default timeout. The
// operation context keeps the parent's values but not its cancellation, so a
// caller abandoning the batch lets in-flight calls finish or time out on
// their own. The caller stops waiting as soon as the time box expires.
func ExecuteWithTimeout[T any](parent context.Context, tm *TimeoutManager, operationID string, op func(ctx context.Context) (T, error)) (T, error) {
	return ExecuteWithCustomTimeout(parent, tm, operationID, tm.defaultTimeout, op)
}

// ExecuteWithCustomTimeout is ExecuteWithTimeout with an explicit time box.
func ExecuteWithCustomTimeout[T any](parent context.Context, tm *TimeoutManager, operationID string, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		timeout = tm.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	defer cancel()
	start := time.Now()
	tm.begin(operationID, start)

	type result struct {
		data T
		err  error
	}
	resultChan := make(chan result, 1)

	go func() {
		defer tm.complete(operationID)
		data, err := op(ctx)
		resultChan <- result{data: data, err: err}
	}()

	completed := func(res result) (T, error) {
		tm.logger.WithFields(logrus.Fields{
			"operation_id": operationID,
			"duration":     time.Since(start),
			"success":      res.err == nil,
		}).Debug("Operation completed")
		return res.data, res.err
	}

	select {
	case res := <-resultChan:
		return completed(res)

	case <-ctx.Done():
		// A result that landed together with the deadline still counts.
		select {
		case res := <-resultChan:
			return completed(res)
		default:
		}
		var zero T
		tm.logger.WithFields(logrus.Fields{
			"operation_id": operationID,
			"duration":     time.Since(start),
			"timeout":      timeout,
		}).Warn("Operation timed out")
		return zero, fmt.Errorf("%w after %s: %w", ErrOperationTimeout, timeout, ctx.Err())
	}
}

func (tm *TimeoutManager) begin(operationID string, start time.Time) {
	tm.wg.Add(1)
	tm.mu.Lock()
	tm.active[operationID] = start
	tm.mu.Unlock()
}

func (tm *TimeoutManager) complete(operationID string) {
	tm.mu.Lock()
	delete(tm.active, operationID)
	tm.mu.Unlock()
	tm.wg.Done()
}

// GetActiveOperationCount reports how many operations are still running.
func (tm *TimeoutManager) GetActiveOperationCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.active)
}

// GetActiveOperations returns the ids of operations still running, sorted.
func (tm *TimeoutManager) GetActiveOperations() []string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	operations := make([]string, 0, len(tm.active))
	for id := range tm.active {
		operations = append(operations, id)
	}
	sort.Strings(operations)
	return operations
}

// Shutdown waits for in-flight operations, including ones whose caller
// already gave up, or until ctx is done.
func (tm *TimeoutManager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		tm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		tm.logger.WithField("active_operations", tm.GetActiveOperationCount()).
			Warn("Shutdown deadline reached with operations still running")
		return ctx.Err()
	}
}
