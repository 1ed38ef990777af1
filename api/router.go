// Package api exposes the renderer over HTTP.
package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/use-agent/prerender/api/handler"
	"github.com/use-agent/prerender/api/middleware"
	"github.com/use-agent/prerender/cache"
	"github.com/use-agent/prerender/cleaner"
	"github.com/use-agent/prerender/config"
	"github.com/use-agent/prerender/metrics"
)

// Deps are the collaborators of the HTTP API. Cache, Markdown, Metrics and
// Gatherer are optional.
type Deps struct {
	Renderer handler.Renderer
	Markdown *cleaner.Markdown
	Cache    cache.Store
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery → RequestID → AccessLog
//	API:     Auth (if enabled) → RateLimit
//
// Health and metrics are outside auth so monitoring probes always work.
func NewRouter(d Deps, cfg *config.Config, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID(d.Logger))
	r.Use(middleware.AccessLog(d.Metrics))

	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")

	// Health: no auth required.
	v1.GET("/health", handler.Health(d.Renderer, startTime))

	// Protected group: auth + rate limit.
	protected := v1.Group("")
	if cfg.Auth.Enabled {
		protected.Use(middleware.Auth(cfg.Auth.APIKeys))
	}
	protected.Use(middleware.RateLimit(cfg.RateLimit))

	protected.POST("/render", handler.Render(d.Renderer, d.Markdown, d.Cache, d.Metrics))

	return r
}
