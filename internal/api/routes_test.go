package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/celebrum-distiller/internal/api/handlers"
	"github.com/irfndi/celebrum-distiller/internal/database"
	"github.com/irfndi/celebrum-distiller/internal/models"
	"github.com/irfndi/celebrum-distiller/internal/services"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router *gin.Engine
	store  *database.SQLiteStore
	board  *services.SignalBoard
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestServer(t *testing.T, adminKey string) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := quietLogger()

	store, err := database.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "api.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	board := services.NewSignalBoard(services.DefaultBoardConfig(), logger)
	verifier := services.NewOutcomeVerifier(store, nil, board, 90, logger)
	adapter := services.NewWeightAdapter(store, store, models.DefaultWeights(), services.DefaultAdaptationConfig(), logger)
	cleanup := services.NewCleanupService(store, services.CleanupConfig{}, logger)

	router := NewRouter("distiller-test", Dependencies{
		Board:       board,
		Predictions: store,
		Verifier:    verifier,
		Weights:     adapter,
		Cleanup:     cleanup,
		Health:      map[string]handlers.HealthChecker{"database": store},
		Version:     "test",
		AdminKey:    adminKey,
	}, logger)
	return testServer{router: router, store: store, board: board}
}

func (s testServer) do(t *testing.T, method, path string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var body map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, "")
	w, body := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "healthy", body["services"].(map[string]any)["database"])

	require.NoError(t, s.store.Close())
	w, body = s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestBoard(t *testing.T) {
	s := newTestServer(t, "")
	for _, dim := range []models.Dimension{models.DimensionSignal, models.DimensionCatalyst, models.DimensionOdds} {
		s.board.Publish(models.SignalEntry{Dimension: dim, Topic: "NVDA", Direction: models.DirectionBullish, SelfScore: 8})
	}
	s.board.Publish(models.SignalEntry{Dimension: models.DimensionSentiment, Topic: "AMD", Direction: models.DirectionBearish})

	w, body := s.do(t, http.MethodGet, "/api/v1/board?topic=nvda&n=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "NVDA", body["topic"])
	assert.EqualValues(t, 2, body["size"])
	assert.Len(t, body["signals"], 1)
	resonance := body["resonance"].(map[string]any)
	assert.Equal(t, true, resonance["detected"])
	assert.EqualValues(t, 3, resonance["cross_dimension_count"])

	w, body = s.do(t, http.MethodGet, "/api/v1/board", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["signals"], 2)
	assert.NotContains(t, body, "resonance")

	w, _ = s.do(t, http.MethodGet, "/api/v1/board?n=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPredictions(t *testing.T) {
	s := newTestServer(t, "")
	ctx := context.Background()
	for _, date := range []string{"2026-01-10", "2026-02-10"} {
		at, _ := time.Parse(models.DateLayout, date)
		rec := models.NewPredictionRecord(models.NeutralDecision("TSLA", models.DefaultWeights(), at), at)
		rec.ID = "id-" + date
		require.NoError(t, s.store.UpsertPrediction(ctx, &rec))
	}

	w, body := s.do(t, http.MethodGet, "/api/v1/predictions?since=2026-02-01&until=2026-02-28", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	w, _ = s.do(t, http.MethodGet, "/api/v1/predictions?since=2026-13-01", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodGet, "/api/v1/predictions?since=2026-03-01&until=2026-02-01", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAccuracyAndWeights(t *testing.T) {
	s := newTestServer(t, "")

	w, body := s.do(t, http.MethodGet, "/api/v1/accuracy?horizon=t30&window_days=30", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "t30", body["horizon"])
	assert.EqualValues(t, 30, body["window_days"])

	w, _ = s.do(t, http.MethodGet, "/api/v1/accuracy?horizon=t3", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = s.do(t, http.MethodGet, "/api/v1/accuracy?window_days=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = s.do(t, http.MethodGet, "/api/v1/weights", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "default", body["source"])
	assert.InDelta(t, 0.30, body["weights"].(map[string]any)["signal"], 1e-9)
}

func TestOperatorTriggers(t *testing.T) {
	s := newTestServer(t, "secret")
	auth := map[string]string{"Authorization": "Bearer secret"}

	w, _ := s.do(t, http.MethodPost, "/api/v1/verify", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, body := s.do(t, http.MethodPost, "/api/v1/verify", auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body, "horizons")

	w, body = s.do(t, http.MethodPost, "/api/v1/weights/adapt", auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["updated"])

	w, body = s.do(t, http.MethodPost, "/api/v1/cleanup", map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["deleted"])

	w, body = s.do(t, http.MethodGet, "/api/v1/cleanup/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body, "last_run")
}
