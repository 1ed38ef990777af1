package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/prerender/models"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Health returns a handler for GET /api/v1/health.
//
// Degrades status when more than 80% of tabs are in use. A browser that
// has not been launched yet is healthy; it starts on the first render.
func Health(rd Renderer, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := rd.Stats()

		status := "healthy"
		if stats.MaxTabs > 0 && stats.ActiveTabs > int(float64(stats.MaxTabs)*0.8) {
			status = "degraded"
		}

		c.JSON(http.StatusOK, models.HealthResponse{
			Status:  status,
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Browser: stats,
			Version: Version,
		})
	}
}
