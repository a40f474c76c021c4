package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/celebrum-distiller/internal/models"
)

// BoardReader is the read side of the signal board.
type BoardReader interface {
	TopSignals(topic string, n int) []models.SignalEntry
	DetectResonance(topic string) models.Resonance
	Len() int
}

type BoardHandler struct {
	board BoardReader
}

func NewBoardHandler(board BoardReader) *BoardHandler {
	return &BoardHandler{board: board}
}

type BoardResponse struct {
	Topic     string               `json:"topic,omitempty"`
	Size      int                  `json:"size"`
	Signals   []models.SignalEntry `json:"signals"`
	Resonance *models.Resonance    `json:"resonance,omitempty"`
}

// GetBoard returns the strongest signals, optionally for one topic. With a
// topic the resonance reading for that topic is included.
func (h *BoardHandler) GetBoard(c *gin.Context) {
	topic := models.NormalizeTopic(c.Query("topic"))
	n := 10
	if raw := c.Query("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "n must be a non-negative integer"})
			return
		}
		n = parsed
	}

	resp := BoardResponse{
		Topic:   topic,
		Size:    h.board.Len(),
		Signals: h.board.TopSignals(topic, n),
	}
	if resp.Signals == nil {
		resp.Signals = []models.SignalEntry{}
	}
	if topic != "" {
		res := h.board.DetectResonance(topic)
		resp.Resonance = &res
	}
	c.JSON(http.StatusOK, resp)
}
