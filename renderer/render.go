package renderer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/use-agent/prerender/cleaner"
	"github.com/use-agent/prerender/models"
)

// snapshotJS makes relative URLs in the serialized markup resolvable by
// injecting <base href=location> when the page has none, and reports what
// only the browser knows: the final URL and the rendered image boxes.
const snapshotJS = `() => {
	if (!document.querySelector('base')) {
		const base = document.createElement('base')
		base.href = location.href
		const head = document.head || document.documentElement
		if (head) head.prepend(base)
	}
	return {
		url: location.href,
		images: Array.from(document.images, img => ({
			src: img.currentSrc || img.src,
			width: img.width,
			height: img.height,
		})),
	}
}`

const (
	pageReadyJS     = `() => window.PAGE_READY`
	pageReadyPollJS = `() => !!window.PAGE_READY`
)

type pageSnapshot struct {
	URL    string             `json:"url"`
	Images []cleaner.ImageBox `json:"images"`
}

// run performs one render on sess. The tab is always closed before it
// returns.
//
// Lifecycle:
//
//  1. Open tab          – one per render, never shared
//  2. DEFER: close tab  – errors swallowed, the browser may be gone
//  3. User agent        – before navigation
//  4. Interception      – before navigation, so the document is seen too
//  5. Load              – navigate, wait, extract; runs in the background
//  6. Wait              – first of: resolved, timeout, browser gone
//
// Every path out of step 6 goes through the resolver, so the caller sees
// exactly one result or one error even when the interceptor, the load
// goroutine and the timeout race each other.
func (r *Renderer) run(ctx context.Context, sess *Session, target string, cfg *RenderConfig) (*models.RenderResult, error) {
	log := r.log.With("url", target)

	// ── 1. Open tab ─────────────────────────────────────────────────
	openStart := time.Now()
	tab, err := sess.Browser().NewTab(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx)
		}
		return nil, models.NewRenderError(models.ErrCodeBrowserCrash, "failed to open tab", err)
	}
	r.phase(log, "open_tab", openStart)

	// ── 2. Close tab ────────────────────────────────────────────────
	r.active.Add(1)
	r.m.TabOpened()
	defer func() {
		if err := tab.Close(); err != nil {
			log.Debug("closing tab", "error", err)
		}
		r.active.Add(-1)
		r.m.TabClosed()
	}()

	tabCtx, stop := context.WithCancel(ctx)
	defer stop()

	// ── 3. User agent ───────────────────────────────────────────────
	if cfg.UserAgent != "" {
		if err := tab.SetUserAgent(tabCtx, cfg.UserAgent); err != nil {
			return nil, models.NewRenderError(models.ErrCodeBrowserCrash, "failed to set user agent", err)
		}
	}

	// ── 4. Interception ─────────────────────────────────────────────
	res := newResolver()
	nav := newNavTracker(tab.Loads())
	ic := &interceptor{
		cfg:   cfg,
		fetch: r.fetch,
		res:   res,
		nav:   nav,
		loads: tab.Loads,
		log:   log,
		m:     r.m,
	}
	if err := tab.Intercept(tabCtx, ic.handle); err != nil {
		return nil, models.NewRenderError(models.ErrCodeBrowserCrash, "failed to enable interception", err)
	}

	// ── 5. Load ─────────────────────────────────────────────────────
	go r.load(tabCtx, tab, nav, res, target, cfg, log)

	// ── 6. Wait ─────────────────────────────────────────────────────
	select {
	case <-res.Done():
	case <-ctx.Done():
		res.resolve(nil, contextError(ctx))
	case <-sess.Browser().Done():
		res.resolve(nil, models.NewRenderError(models.ErrCodeBrowserCrash, "browser disconnected during render", nil))
	}
	return res.result()
}

// load navigates, waits for the page to settle and extracts the result.
// Whatever it produces loses to an earlier resolution.
func (r *Renderer) load(ctx context.Context, tab Tab, nav *navTracker, res *resolver, target string, cfg *RenderConfig, log *slog.Logger) {
	gotoStart := time.Now()

	// ── a. Navigate ─────────────────────────────────────────────────
	if err := tab.Navigate(ctx, target); err != nil {
		res.resolve(nil, navigationError(ctx, err))
		return
	}

	// ── b. DOMContentLoaded of the latest navigation ────────────────
	// A navigation started by the page before the previous one loaded
	// moves the goal; wait again for the new document.
	for {
		if err := tab.WaitLoads(ctx, nav.nextLoad()); err != nil {
			res.resolve(nil, navigationError(ctx, err))
			return
		}
		if nav.settled(tab.Loads()) {
			break
		}
	}
	if res.resolved() {
		return
	}
	log.Debug("domcontentloaded", "navigations", nav.Navigations(), "state", nav.State())

	// ── c. PAGE_READY ───────────────────────────────────────────────
	if err := waitPageReady(ctx, tab); err != nil {
		res.resolve(nil, navigationError(ctx, err))
		return
	}
	r.phase(log, "goto", gotoStart)

	// ── d. Extract ──────────────────────────────────────────────────
	parseStart := time.Now()
	result, err := r.extract(ctx, tab, nav, cfg)
	if err != nil {
		res.resolve(nil, err)
		return
	}
	r.phase(log, "parse", parseStart)
	res.resolve(result, nil)
}

// waitPageReady waits for window.PAGE_READY to become truthy when the page
// set it to false. Pages that never set it are ready immediately.
func waitPageReady(ctx context.Context, tab Tab) error {
	v, err := tab.Eval(ctx, pageReadyJS)
	if err != nil {
		return err
	}
	if ready, ok := v.Val().(bool); !ok || ready {
		return nil
	}

	ticker := time.NewTicker(pageReadyPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		v, err := tab.Eval(ctx, pageReadyPollJS)
		if err != nil {
			return err
		}
		if v.Bool() {
			return nil
		}
	}
}

func (r *Renderer) extract(ctx context.Context, tab Tab, nav *navTracker, cfg *RenderConfig) (*models.RenderResult, error) {
	v, err := tab.Eval(ctx, snapshotJS)
	if err != nil {
		return nil, navigationError(ctx, err)
	}
	raw, err := json.Marshal(v.Val())
	if err != nil {
		return nil, models.NewRenderError(models.ErrCodeInternal, "failed to read page snapshot", err)
	}
	var snap pageSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, models.NewRenderError(models.ErrCodeInternal, "failed to read page snapshot", err)
	}
	if snap.Images == nil {
		snap.Images = []cleaner.ImageBox{}
	}

	html, err := tab.HTML(ctx)
	if err != nil {
		return nil, navigationError(ctx, err)
	}

	out, err := cleaner.Extract(cleaner.Input{
		HTML:             html,
		URL:              snap.URL,
		Images:           snap.Images,
		OpenGraph:        cfg.OpenGraph,
		ExtraMeta:        cfg.ExtraMeta,
		ExcludeCanonical: cfg.ExcludeCanonical,
	})
	if err != nil {
		return nil, models.NewRenderError(models.ErrCodeInternal, "content extraction failed", err)
	}

	result := nav.result()
	result.Meta = out.Meta
	result.OpenGraph = out.OpenGraph
	result.Links = out.Links
	result.HTML = html
	result.StaticHTML = out.StaticHTML
	return result, nil
}

func (r *Renderer) phase(log *slog.Logger, name string, since time.Time) {
	d := time.Since(since)
	log.Debug(name, "elapsed", d)
	r.m.ObservePhase(name, d)
}

func contextError(ctx context.Context) *models.RenderError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return models.NewRenderError(models.ErrCodeTimeout, "render timed out", ctx.Err())
	}
	return models.NewRenderError(models.ErrCodeInternal, "render canceled", ctx.Err())
}

func navigationError(ctx context.Context, err error) *models.RenderError {
	if ctx.Err() != nil {
		return contextError(ctx)
	}
	return models.NewRenderError(models.ErrCodeNavigation, "navigation failed", err)
}
