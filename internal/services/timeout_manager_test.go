package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTimeoutManager_Defaults(t *testing.T) {
	tm := NewTimeoutManager(0, nil)
	assert.Equal(t, DefaultAgentTimeout, tm.DefaultTimeout())
	assert.Equal(t, 0, tm.GetActiveOperationCount())
}

func TestExecuteWithTimeout_ReturnsResult(t *testing.T) {
	tm := NewTimeoutManager(time.Second, quietLogger())

	got, err := ExecuteWithTimeout(context.Background(), tm, "op-1", func(ctx context.Context) (int, error) {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	require.NoError(t, tm.Shutdown(context.Background()))
	assert.Equal(t, 0, tm.GetActiveOperationCount())
}

func TestExecuteWithTimeout_InstantOperationsNeverTimeOut(t *testing.T) {
	tm := NewTimeoutManager(time.Minute, quietLogger())

	var wg sync.WaitGroup
	var mu sync.Mutex
	var timedOut int
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_, err := ExecuteWithTimeout(context.Background(), tm, fmt.Sprintf("op-%d-%d", g, i),
					func(context.Context) (int, error) { return i, nil })
				if errors.Is(err, ErrOperationTimeout) {
					mu.Lock()
					timedOut++
					mu.Unlock()
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Zero(t, timedOut)
	require.NoError(t, tm.Shutdown(context.Background()))
}

func TestExecuteWithTimeout_PropagatesError(t *testing.T) {
	tm := NewTimeoutManager(time.Second, quietLogger())

	_, err := ExecuteWithTimeout(context.Background(), tm, "op-err", func(context.Context) (string, error) {
		return "", errBoom
	})
	assert.ErrorIs(t, err, errBoom)
}

func TestExecuteWithCustomTimeout_TimesOut(t *testing.T) {
	tm := NewTimeoutManager(time.Minute, quietLogger())
	release := make(chan struct{})

	start := time.Now()
	_, err := ExecuteWithCustomTimeout(context.Background(), tm, "slow", 20*time.Millisecond, func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOperationTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	// The abandoned call is still tracked until it returns.
	assert.Equal(t, []string{"slow"}, tm.GetActiveOperations())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tm.Shutdown(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, tm.Shutdown(context.Background()))
	assert.Empty(t, tm.GetActiveOperations())
}

func TestExecuteWithTimeout_IgnoresParentCancellation(t *testing.T) {
	tm := NewTimeoutManager(time.Second, quietLogger())
	parent, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey("k"), "v"))
	cancel()

	got, err := ExecuteWithTimeout(parent, tm, "detached", func(ctx context.Context) (string, error) {
		if ctx.Err() != nil {
			return "", errors.New("operation saw parent cancellation")
		}
		return ctx.Value(ctxKey("k")).(string), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

type ctxKey string
