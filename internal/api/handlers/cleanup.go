package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// CleanupInterface defines the interface for cleanup operations
type CleanupInterface interface {
	RunCleanup(ctx context.Context) (int64, error)
	Stats() (time.Time, int64)
}

// CleanupHandler handles cleanup-related API endpoints
type CleanupHandler struct {
	cleanupService CleanupInterface
}

// NewCleanupHandler creates a new cleanup handler
func NewCleanupHandler(cleanupService CleanupInterface) *CleanupHandler {
	return &CleanupHandler{
		cleanupService: cleanupService,
	}
}

// CleanupStatsResponse represents the response for retention statistics
type CleanupStatsResponse struct {
	LastRun      *time.Time `json:"last_run,omitempty"`
	TotalDeleted int64      `json:"total_deleted"`
}

// GetStats reports when retention cleanup last ran.
func (h *CleanupHandler) GetStats(c *gin.Context) {
	last, removed := h.cleanupService.Stats()
	resp := CleanupStatsResponse{TotalDeleted: removed}
	if !last.IsZero() {
		resp.LastRun = &last
	}
	c.JSON(http.StatusOK, resp)
}

// TriggerCleanup manually triggers a cleanup operation
func (h *CleanupHandler) TriggerCleanup(c *gin.Context) {
	deleted, err := h.cleanupService.RunCleanup(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Cleanup failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Cleanup completed", "deleted": deleted})
}
