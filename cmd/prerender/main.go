package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/use-agent/prerender/api"
	"github.com/use-agent/prerender/cache"
	"github.com/use-agent/prerender/cleaner"
	"github.com/use-agent/prerender/config"
	"github.com/use-agent/prerender/fetch"
	"github.com/use-agent/prerender/metrics"
	"github.com/use-agent/prerender/renderer"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	slog.Info("prerender starting",
		"addr", cfg.Server.Addr(),
		"mode", cfg.Server.Mode,
		"maxTabs", cfg.Browser.MaxTabs,
		"cache", cfg.Cache.Backend,
	)

	// ── 3. Metrics ──────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// ── 4. Renderer (launches browser) ──────────────────────────────
	rd, err := newRenderer(cfg, m)
	if err != nil {
		slog.Error("failed to configure renderer", "error", err)
		os.Exit(1)
	}
	defer rd.Close()

	unsubscribe := rd.OnDisconnected(func() {
		slog.Warn("browser disconnected unexpectedly, relaunching on next render")
	})
	defer unsubscribe()

	launchCtx, cancelLaunch := context.WithTimeout(context.Background(), time.Minute)
	err = rd.Launch(launchCtx)
	cancelLaunch()
	if err != nil {
		slog.Error("failed to launch browser", "error", err)
		os.Exit(1)
	}

	// ── 5. Cache ────────────────────────────────────────────────────
	cc, err := newCache(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialise cache", "error", err)
		os.Exit(1)
	}
	if cc != nil {
		defer cc.Close()
	}

	// ── 6. Setup router ─────────────────────────────────────────────
	router := api.NewRouter(api.Deps{
		Renderer: rd,
		Markdown: cleaner.NewMarkdown(),
		Cache:    cc,
		Metrics:  m,
		Gatherer: reg,
		Logger:   slog.Default(),
	}, cfg, time.Now())

	// ── 7. Start HTTP server ────────────────────────────────────────
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── 8. Graceful shutdown ────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	// rd.Close() runs via defer and kills Chrome.
	slog.Info("prerender stopped")
}

func newRenderer(cfg *config.Config, m *metrics.Metrics) (*renderer.Renderer, error) {
	resources, err := renderer.DefaultResourcePolicy().With(cfg.Renderer.Resources)
	if err != nil {
		return nil, err
	}

	return renderer.New(renderer.Options{
		Browser: renderer.BrowserOptions{
			Headless:  cfg.Browser.Headless,
			NoSandbox: cfg.Browser.NoSandbox,
			Bin:       cfg.Browser.Bin,
			Proxy:     cfg.Browser.Proxy,
			Stealth:   cfg.Browser.Stealth,
		},
		Defaults: renderer.RenderConfig{
			UserAgent:          cfg.Renderer.UserAgent,
			Timeout:            cfg.Renderer.Timeout,
			FollowRedirect:     cfg.Renderer.FollowRedirect,
			Resources:          resources,
			DocumentMargin:     cfg.Renderer.DocumentMargin,
			SubresourceTimeout: cfg.Renderer.SubresourceTimeout,
		},
		MaxTabs:     cfg.Browser.MaxTabs,
		RotateAfter: cfg.Browser.RotateAfter,
		MaxTimeout:  cfg.Renderer.MaxTimeout,
		Fetcher: fetch.New(fetch.Options{
			Proxy:     cfg.Browser.Proxy,
			ChromeTLS: cfg.Browser.ChromeTLS,
		}),
		Logger:  slog.Default(),
		Metrics: m,
	}), nil
}

// newCache returns nil when caching is disabled.
func newCache(cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return cache.NewRedis(ctx, cfg.RedisURL, cfg.TTL)
	case "memory":
		return cache.NewMemory(cfg.MaxEntries, cfg.TTL), nil
	default:
		return nil, nil
	}
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
