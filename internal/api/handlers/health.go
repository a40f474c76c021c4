package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/celebrum-distiller/internal/services"
)

var startTime = time.Now()

// HealthChecker is anything that can report its own reachability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// BreakerState reports the state of a guarded dependency.
type BreakerState interface {
	GetState() services.CircuitBreakerState
}

type HealthHandler struct {
	checks   map[string]HealthChecker
	breakers map[string]BreakerState
	version  string
}

type HealthResponse struct {
	Status    string                    `json:"status"`
	Timestamp time.Time                 `json:"timestamp"`
	Services  map[string]string         `json:"services"`
	System    *services.SystemResources `json:"system,omitempty"`
	Version   string                    `json:"version"`
	Uptime    string                    `json:"uptime"`
}

// NewHealthHandler creates a handler. checks are probed on every request;
// an open breaker degrades the status without failing it.
func NewHealthHandler(version string, checks map[string]HealthChecker, breakers map[string]BreakerState) *HealthHandler {
	return &HealthHandler{checks: checks, breakers: breakers, version: version}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	svc := make(map[string]string, len(h.checks)+len(h.breakers))
	for name, check := range h.checks {
		if check == nil {
			continue
		}
		if err := check.HealthCheck(ctx); err != nil {
			svc[name] = "unhealthy: " + err.Error()
			status = "unhealthy"
			continue
		}
		svc[name] = "healthy"
	}
	for name, b := range h.breakers {
		state := b.GetState()
		svc[name] = "circuit " + state.String()
		if state != services.Closed && status == "healthy" {
			status = "degraded"
		}
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Services:  svc,
		Version:   h.version,
		Uptime:    time.Since(startTime).Round(time.Second).String(),
	}
	if res, err := services.ReadSystemResources(ctx); err == nil {
		response.System = &res
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, response)
}
