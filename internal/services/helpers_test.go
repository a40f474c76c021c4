package services

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/irfndi/celebrum-distiller/internal/database"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func openStore(t *testing.T) *database.SQLiteStore {
	t.Helper()
	store, err := database.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "distiller.db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// priceTable is a PriceSource backed by a map keyed "TOPIC@YYYY-MM-DD".
type priceTable struct {
	mu     sync.Mutex
	prices map[string]float64
	calls  int
}

func newPriceTable() *priceTable {
	return &priceTable{prices: map[string]float64{}}
}

func (p *priceTable) Set(topic string, date time.Time, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[topic+"@"+date.Format("2006-01-02")] = price
}

func (p *priceTable) PriceAt(_ context.Context, topic string, date time.Time) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	price, ok := p.prices[topic+"@"+date.Format("2006-01-02")]
	if !ok {
		return 0, fmt.Errorf("no price for %s on %s", topic, date.Format("2006-01-02"))
	}
	return price, nil
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}
