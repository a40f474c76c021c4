package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/celebrum-distiller/internal/middleware"
	"github.com/irfndi/celebrum-distiller/internal/models"
)

// VerificationService runs the feedback loop and reports accuracy.
type VerificationService interface {
	RunVerification(ctx context.Context, today time.Time) (*models.VerificationStats, error)
	Accuracy(ctx context.Context, h models.Horizon, windowDays int, today time.Time) (*models.AccuracyReport, error)
}

// WeightService loads and adapts the distiller's weight vector.
type WeightService interface {
	CurrentWeights(ctx context.Context) (models.Weights, models.Horizon, error)
	AdaptWeights(ctx context.Context, today time.Time) (*models.WeightSet, error)
}

type ReportHandler struct {
	verifier VerificationService
	weights  WeightService
	now      func() time.Time
}

func NewReportHandler(verifier VerificationService, weights WeightService) *ReportHandler {
	return &ReportHandler{verifier: verifier, weights: weights, now: time.Now}
}

// GetAccuracy serves ?horizon=t7&window_days=90.
func (h *ReportHandler) GetAccuracy(c *gin.Context) {
	horizon, err := models.ParseHorizon(c.DefaultQuery("horizon", string(models.HorizonT7)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	window := 0
	if raw := c.Query("window_days"); raw != "" {
		window, err = strconv.Atoi(raw)
		if err != nil || window <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window_days must be a positive integer"})
			return
		}
	}

	report, err := h.verifier.Accuracy(c.Request.Context(), horizon, window, h.now().UTC())
	if err != nil {
		middleware.RecordError(c, err, "accuracy report")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute accuracy"})
		return
	}
	c.JSON(http.StatusOK, report)
}

type WeightsResponse struct {
	Weights models.Weights `json:"weights"`
	// Source is the horizon the vector was adapted from, or "default".
	Source string `json:"source"`
}

func (h *ReportHandler) GetWeights(c *gin.Context) {
	w, horizon, err := h.weights.CurrentWeights(c.Request.Context())
	if err != nil {
		middleware.RecordError(c, err, "load weights")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load weights"})
		return
	}
	source := string(horizon)
	if source == "" {
		source = "default"
	}
	c.JSON(http.StatusOK, WeightsResponse{Weights: w, Source: source})
}

// TriggerVerification resolves matured predictions now.
func (h *ReportHandler) TriggerVerification(c *gin.Context) {
	stats, err := h.verifier.RunVerification(c.Request.Context(), h.now().UTC())
	if err != nil {
		middleware.RecordError(c, err, "run verification")
		// Partial stats are still useful to the operator.
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "stats": stats})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// TriggerAdaptation recomputes weights. Too few verified samples is not an
// error; the response says nothing changed.
func (h *ReportHandler) TriggerAdaptation(c *gin.Context) {
	ws, err := h.weights.AdaptWeights(c.Request.Context(), h.now().UTC())
	if err != nil {
		middleware.RecordError(c, err, "adapt weights")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to adapt weights", "details": err.Error()})
		return
	}
	if ws == nil {
		c.JSON(http.StatusOK, gin.H{"updated": false, "message": "Insufficient verified samples"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true, "weight_set": ws})
}
