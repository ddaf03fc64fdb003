package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// InfoTimeFormat is the layout of the /info response.
const InfoTimeFormat = "2006-01-02 15:04:05"

// Info handles GET /info with the current UTC time.
func (h *StatusHandler) Info(c *gin.Context) {
	c.String(http.StatusOK, h.now().UTC().Format(InfoTimeFormat))
}

// Stats handles GET /stats
func (h *StatusHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.stats.Stats())
}

// Health handles GET /health
// Reports database and broker connectivity; any failure yields 503.
func (h *StatusHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.healthTimeout)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}

	if h.db != nil {
		if err := h.db.HealthCheck(ctx); err != nil {
			h.logger.Warn("Database health check failed", slog.String("error", err.Error()))
			checks["database"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}

	if h.broker != nil {
		if !h.broker.IsConnected() {
			checks["rabbitmq"] = "disconnected"
			status = http.StatusServiceUnavailable
		} else {
			checks["rabbitmq"] = "ok"
		}
	}

	result := "healthy"
	if status != http.StatusOK {
		result = "unhealthy"
	}

	c.JSON(status, gin.H{
		"status":  result,
		"service": "slicer-worker",
		"checks":  checks,
	})
}
