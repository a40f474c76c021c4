package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/irfndi/celebrum-distiller/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRetainer struct {
	mock.Mock
}

func (m *mockRetainer) DeleteBefore(ctx context.Context, cutoff string) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func TestNewCleanupService_Defaults(t *testing.T) {
	c := NewCleanupService(&mockRetainer{}, CleanupConfig{}, nil)
	assert.Equal(t, DefaultCleanupConfig(), c.config)

	short := NewCleanupService(&mockRetainer{}, CleanupConfig{RetentionDays: 7, IntervalMinutes: 5}, quietLogger())
	assert.Equal(t, 31, short.config.RetentionDays)
	assert.Equal(t, 5, short.config.IntervalMinutes)
}

func TestCleanupService_RunCleanupUsesCutoff(t *testing.T) {
	store := &mockRetainer{}
	store.On("DeleteBefore", mock.Anything, "2025-12-01").Return(int64(3), nil).Once()

	c := NewCleanupService(store, CleanupConfig{RetentionDays: 100}, quietLogger())
	c.now = func() time.Time { return time.Date(2026, 3, 11, 23, 0, 0, 0, time.UTC) }

	n, err := c.RunCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	last, removed := c.Stats()
	assert.False(t, last.IsZero())
	assert.Equal(t, int64(3), removed)
	store.AssertExpectations(t)
}

func TestCleanupService_RunCleanupError(t *testing.T) {
	store := &mockRetainer{}
	store.On("DeleteBefore", mock.Anything, mock.Anything).Return(int64(0), errors.New("locked"))

	c := NewCleanupService(store, CleanupConfig{}, quietLogger())
	_, err := c.RunCleanup(context.Background())
	assert.ErrorContains(t, err, "locked")

	last, _ := c.Stats()
	assert.True(t, last.IsZero())
}

func TestCleanupService_DeletesFromStore(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	for _, date := range []string{"2024-01-01", "2025-06-01", "2026-03-01"} {
		rec := models.NewPredictionRecord(models.NeutralDecision("OLD", models.DefaultWeights(), day(date)), day(date))
		rec.ID = fmt.Sprintf("id-%s", date)
		require.NoError(t, store.UpsertPrediction(ctx, &rec))
	}

	c := NewCleanupService(store, CleanupConfig{RetentionDays: 400}, quietLogger())
	c.now = func() time.Time { return day("2026-03-20") }

	n, err := c.RunCleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := store.ListPredictions(ctx, "2000-01-01", "2100-01-01")
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, "2025-06-01", left[0].Date)
}

func TestCleanupService_StartStop(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	store := &mockRetainer{}
	store.On("DeleteBefore", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		mu.Lock()
		calls++
		mu.Unlock()
	}).Return(int64(0), nil)

	c := NewCleanupService(store, CleanupConfig{}, quietLogger())
	c.Start(context.Background())
	c.Start(context.Background())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)

	c.Stop()
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}
