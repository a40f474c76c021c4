package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/celebrum-distiller/internal/middleware"
	"github.com/irfndi/celebrum-distiller/internal/models"
)

const defaultPredictionDays = 30

// PredictionLister is the read side of the prediction store.
type PredictionLister interface {
	ListPredictions(ctx context.Context, since, until string) ([]models.PredictionRecord, error)
}

type PredictionHandler struct {
	store PredictionLister
	now   func() time.Time
}

func NewPredictionHandler(store PredictionLister) *PredictionHandler {
	return &PredictionHandler{store: store, now: time.Now}
}

// GetPredictions lists predictions dated in [since, until]. Both default to
// the last 30 days ending today.
func (h *PredictionHandler) GetPredictions(c *gin.Context) {
	today := h.now().UTC()
	until, ok := dateQuery(c, "until", today)
	if !ok {
		return
	}
	since, ok := dateQuery(c, "since", until.AddDate(0, 0, -defaultPredictionDays))
	if !ok {
		return
	}
	if since.After(until) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since must not be after until"})
		return
	}

	records, err := h.store.ListPredictions(c.Request.Context(), since.Format(models.DateLayout), until.Format(models.DateLayout))
	if err != nil {
		middleware.RecordError(c, err, "list predictions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list predictions"})
		return
	}
	if records == nil {
		records = []models.PredictionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"since":       since.Format(models.DateLayout),
		"until":       until.Format(models.DateLayout),
		"count":       len(records),
		"predictions": records,
	})
}

// dateQuery parses a YYYY-MM-DD query parameter, writing a 400 on failure.
func dateQuery(c *gin.Context, key string, def time.Time) (time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	t, err := time.Parse(models.DateLayout, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": key + " must be YYYY-MM-DD"})
		return time.Time{}, false
	}
	return t, true
}
