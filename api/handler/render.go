package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/prerender/api/middleware"
	"github.com/use-agent/prerender/cache"
	"github.com/use-agent/prerender/cleaner"
	"github.com/use-agent/prerender/metrics"
	"github.com/use-agent/prerender/models"
	"github.com/use-agent/prerender/opengraph"
	"github.com/use-agent/prerender/renderer"
	"github.com/use-agent/prerender/rewrite"
)

// Renderer renders one URL. *renderer.Renderer implements it.
type Renderer interface {
	Render(ctx context.Context, rawURL string, opts renderer.RenderOptions) (*models.RenderResult, error)
	Stats() models.BrowserStats
}

// Render returns a handler for POST /api/v1/render.
//
// Orchestration flow:
//  1. Parse & validate request, build render options.
//  2. Cache lookup when max_age_ms > 0.
//  3. Renderer.Render → result              (records render_ms)
//  4. Optional article and Markdown views of static_html.
//  5. Cache store, fill Timing, return 200.
//
// md, cc and m may be nil.
func Render(rd Renderer, md *cleaner.Markdown, cc cache.Store, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		totalStart := time.Now()
		log := middleware.Logger(c)

		// ── 1. Parse request ────────────────────────────────────────
		var req models.RenderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, models.NewRenderError(models.ErrCodeInvalidInput, err.Error(), err), models.TimingInfo{})
			return
		}
		opts, err := RenderOptions(&req)
		if err != nil {
			respondError(c, err, models.TimingInfo{})
			return
		}

		// ── 2. Cache lookup ─────────────────────────────────────────
		var cacheKey string
		maxAge := time.Duration(req.MaxAgeMs) * time.Millisecond
		if cc != nil && maxAge > 0 {
			cacheKey = cache.Key(req.URL, fingerprint(req))
			cached, hit, err := cc.Get(c.Request.Context(), cacheKey, maxAge)
			if err != nil {
				log.Warn("cache lookup failed", "error", err)
			}
			m.CacheLookup(hit)
			if hit {
				resp := models.RenderResponse{Success: true, Result: cached, CacheStatus: "hit"}
				resp.Markdown, resp.Article = contentViews(md, &req, cached, log)
				resp.Timing = models.TimingInfo{TotalMs: time.Since(totalStart).Milliseconds()}
				c.JSON(http.StatusOK, resp)
				return
			}
		}

		// ── 3. Render ───────────────────────────────────────────────
		renderStart := time.Now()
		res, err := rd.Render(c.Request.Context(), req.URL, opts)
		renderMs := time.Since(renderStart).Milliseconds()
		if err != nil {
			log.Info("render failed", "url", req.URL, "error", err)
			respondError(c, err, models.TimingInfo{
				TotalMs:  time.Since(totalStart).Milliseconds(),
				RenderMs: renderMs,
			})
			return
		}

		// ── 4. Article + Markdown ───────────────────────────────────
		resp := models.RenderResponse{Success: true, Result: res}
		resp.Markdown, resp.Article = contentViews(md, &req, res, log)

		// ── 5. Cache store + timing ─────────────────────────────────
		if cacheKey != "" {
			if err := cc.Set(c.Request.Context(), cacheKey, res); err != nil {
				log.Warn("cache store failed", "error", err)
			}
			resp.CacheStatus = "miss"
		}
		resp.Timing = models.TimingInfo{
			TotalMs:  time.Since(totalStart).Milliseconds(),
			RenderMs: renderMs,
		}

		c.JSON(http.StatusOK, resp)
	}
}

// RenderOptions converts an API request into renderer options. Errors are
// INVALID_INPUT.
func RenderOptions(req *models.RenderRequest) (renderer.RenderOptions, error) {
	opts := renderer.RenderOptions{
		UserAgent:      req.UserAgent,
		Timeout:        time.Duration(req.TimeoutMs) * time.Millisecond,
		FollowRedirect: req.FollowRedirect,
	}

	if len(req.ExtraMeta) > 0 {
		opts.ExtraMeta = make(map[string]cleaner.Selector, len(req.ExtraMeta))
		for name, s := range req.ExtraMeta {
			opts.ExtraMeta[name] = cleaner.Selector{Selector: s.Selector, Property: s.Property}
		}
		if err := cleaner.ValidateSelectors(opts.ExtraMeta); err != nil {
			return opts, models.NewRenderError(models.ErrCodeInvalidInput, err.Error(), err)
		}
	}

	if len(req.Rewrites) > 0 {
		specs := make([]rewrite.RuleSpec, len(req.Rewrites))
		for i, r := range req.Rewrites {
			specs[i] = rewrite.RuleSpec{Match: r.Match, Replace: r.Replace}
		}
		rules, err := rewrite.ParseRules(specs)
		if err != nil {
			return opts, models.NewRenderError(models.ErrCodeInvalidInput, err.Error(), err)
		}
		opts.Rewrites = rules
	}

	if len(req.QueryParams) > 0 {
		opts.QueryParams = make(url.Values, len(req.QueryParams))
		for k, v := range req.QueryParams {
			opts.QueryParams.Set(k, v)
		}
	}

	if req.OpenGraph != nil {
		opts.OpenGraph = &opengraph.Options{Alias: req.OpenGraph.Alias, Arrays: req.OpenGraph.Arrays}
	}
	if req.ExcludeCanonical {
		exclude := true
		opts.ExcludeCanonical = &exclude
	}
	return opts, nil
}

// fingerprint identifies every request field that changes the render result.
func fingerprint(req models.RenderRequest) string {
	req.URL = ""
	req.MaxAgeMs = 0
	req.IncludeMarkdown = false
	req.Content = ""
	req.TimeoutMs = 0
	b, _ := json.Marshal(req)
	return string(b)
}

// contentViews derives the optional views of static_html: the readability
// article metadata and the Markdown rendering. In article mode the Markdown
// covers the main content, falling back to the whole page.
func contentViews(md *cleaner.Markdown, req *models.RenderRequest, res *models.RenderResult, log *slog.Logger) (string, *models.ArticleInfo) {
	if res == nil || res.StaticHTML == "" {
		return "", nil
	}

	source := res.StaticHTML
	var info *models.ArticleInfo
	if req.Content == models.ContentArticle {
		a := cleaner.ExtractArticle(res.StaticHTML, req.URL, log)
		source = a.HTML
		if a.Found {
			info = &models.ArticleInfo{
				Title:    a.Title,
				Byline:   a.Byline,
				Excerpt:  a.Excerpt,
				SiteName: a.SiteName,
				Language: a.Language,
			}
		}
	}

	if md == nil || !req.IncludeMarkdown {
		return "", info
	}
	out, err := md.Convert(source, req.URL)
	if err != nil {
		log.Warn("markdown conversion failed", "url", req.URL, "error", err)
		return "", info
	}
	return out, info
}

// respondError maps a RenderError to the correct HTTP status code and writes
// a structured JSON error response.
func respondError(c *gin.Context, err error, timing models.TimingInfo) {
	renderErr, ok := err.(*models.RenderError)
	if !ok {
		renderErr = models.NewRenderError(models.ErrCodeInternal, err.Error(), err)
	}

	c.JSON(mapErrorToStatus(renderErr), models.RenderResponse{
		Success: false,
		Error:   renderErr.ToDetail(),
		Timing:  timing,
	})
}

// mapErrorToStatus translates error codes to HTTP status codes.
func mapErrorToStatus(e *models.RenderError) int {
	switch e.Code {
	case models.ErrCodeTimeout:
		return http.StatusGatewayTimeout // 504
	case models.ErrCodeNavigation, models.ErrCodeFetchFailed:
		return http.StatusBadGateway // 502
	case models.ErrCodeInvalidContentType:
		return http.StatusUnprocessableEntity // 422
	case models.ErrCodeBrowserCrash:
		return http.StatusServiceUnavailable // 503
	case models.ErrCodeInvalidInput:
		return http.StatusBadRequest // 400
	case models.ErrCodeRateLimited:
		return http.StatusTooManyRequests // 429
	case models.ErrCodeUnauthorized:
		return http.StatusUnauthorized // 401
	default:
		return http.StatusInternalServerError // 500
	}
}
