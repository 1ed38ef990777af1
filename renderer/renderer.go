// Package renderer renders a single URL in a shared headless browser and
// returns its status, redirect, metadata, links and markup.
package renderer

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/use-agent/prerender/cleaner"
	"github.com/use-agent/prerender/fetch"
	"github.com/use-agent/prerender/metrics"
	"github.com/use-agent/prerender/models"
	"golang.org/x/sync/semaphore"
)

const defaultMaxTabs = 10

// Options configures a Renderer.
type Options struct {
	// Launch starts the browser. Default: LaunchRod(Browser).
	Launch  LaunchFunc
	Browser BrowserOptions

	// Defaults is the process-wide render configuration.
	Defaults RenderConfig

	// MaxTabs bounds concurrently open tabs. Default: 10.
	MaxTabs int

	// RotateAfter is the maximum browser session age. Default: 1h.
	RotateAfter time.Duration

	// MaxTimeout caps per-call timeouts. Zero means no cap.
	MaxTimeout time.Duration

	// Fetcher performs out-of-band fetches. Default: fetch.New with the
	// browser proxy.
	Fetcher Fetcher

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Renderer renders pages. It is safe for concurrent use; every Render call
// gets its own tab on the shared browser.
type Renderer struct {
	defaults RenderConfig
	sessions *SessionManager
	fetch    Fetcher
	tabs     *semaphore.Weighted
	maxTabs  int
	maxWait  time.Duration
	active   atomic.Int32
	log      *slog.Logger
	m        *metrics.Metrics
}

// New creates a Renderer. The browser is launched lazily by the first
// Render, or eagerly by Launch.
func New(opts Options) *Renderer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxTabs <= 0 {
		opts.MaxTabs = defaultMaxTabs
	}
	if opts.Launch == nil {
		if opts.Browser.Logger == nil {
			opts.Browser.Logger = opts.Logger
		}
		opts.Launch = LaunchRod(opts.Browser)
	}
	if opts.Fetcher == nil {
		opts.Fetcher = fetch.New(fetch.Options{Proxy: opts.Browser.Proxy})
	}
	defaults := opts.Defaults.withDefaults()

	return &Renderer{
		defaults: defaults,
		sessions: NewSessionManager(SessionManagerOptions{
			Launch:      opts.Launch,
			RotateAfter: opts.RotateAfter,
			Logger:      opts.Logger,
			Metrics:     opts.Metrics,
		}),
		fetch:   opts.Fetcher,
		tabs:    semaphore.NewWeighted(int64(opts.MaxTabs)),
		maxTabs: opts.MaxTabs,
		maxWait: opts.MaxTimeout,
		log:     opts.Logger,
		m:       opts.Metrics,
	}
}

// Launch starts the browser now instead of on the first Render.
func (r *Renderer) Launch(ctx context.Context) error {
	sess, err := r.sessions.Acquire(ctx)
	if err != nil {
		return err
	}
	r.sessions.Release(sess)
	return nil
}

// Close shuts the browser down. It is idempotent.
func (r *Renderer) Close() error {
	return r.sessions.Close()
}

// OnDisconnected subscribes fn to browser crashes. Shutdowns through Close
// are not reported.
func (r *Renderer) OnDisconnected(fn func()) (unsubscribe func()) {
	return r.sessions.OnDisconnected(fn)
}

// Defaults returns the process-wide render configuration.
func (r *Renderer) Defaults() RenderConfig { return r.defaults }

// Stats reports the browser state for health checks.
func (r *Renderer) Stats() models.BrowserStats {
	st := models.BrowserStats{
		ActiveTabs: int(r.active.Load()),
		MaxTabs:    r.maxTabs,
		Crashes:    r.sessions.Crashes(),
	}
	if s := r.sessions.Current(); s != nil {
		st.Launched = true
		st.SessionAgeSec = int64(s.Age().Seconds())
	}
	return st
}

// Render renders rawURL. A redirect that is not followed is a successful
// result with only Status and Redirect set. Errors are *models.RenderError.
func (r *Renderer) Render(ctx context.Context, rawURL string, opts RenderOptions) (*models.RenderResult, error) {
	start := time.Now()

	res, err := r.render(ctx, rawURL, opts)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = models.ErrCodeInternal
		if re, ok := err.(*models.RenderError); ok {
			outcome = re.Code
		}
	case res.HTML == "" && res.Redirect != "":
		outcome = "redirect"
	}
	r.m.RecordRender(outcome)
	r.m.ObservePhase("total", time.Since(start))
	return res, err
}

func (r *Renderer) render(ctx context.Context, rawURL string, opts RenderOptions) (*models.RenderResult, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	cfg := r.defaults.merge(opts)
	if r.maxWait > 0 && cfg.Timeout > r.maxWait {
		cfg.Timeout = r.maxWait
	}
	if err := cleaner.ValidateSelectors(cfg.ExtraMeta); err != nil {
		return nil, models.NewRenderError(models.ErrCodeInvalidInput, err.Error(), err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := r.tabs.Acquire(ctx, 1); err != nil {
		return nil, contextError(ctx)
	}
	defer r.tabs.Release(1)

	sess, err := r.sessions.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer r.sessions.Release(sess)

	return r.run(ctx, sess, rawURL, &cfg)
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return models.NewRenderError(models.ErrCodeInvalidInput, "invalid url", err)
	}
	if s := strings.ToLower(u.Scheme); (s != "http" && s != "https") || u.Host == "" {
		return models.NewRenderError(models.ErrCodeInvalidInput, "url must be absolute http(s)", nil)
	}
	return nil
}
