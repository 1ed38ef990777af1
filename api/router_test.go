package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/prerender/cache"
	"github.com/use-agent/prerender/cleaner"
	"github.com/use-agent/prerender/config"
	"github.com/use-agent/prerender/metrics"
	"github.com/use-agent/prerender/models"
	"github.com/use-agent/prerender/renderer"
)

type fakeRenderer struct {
	mu    sync.Mutex
	calls int
	last  renderer.RenderOptions

	result *models.RenderResult
	err    error
}

func (f *fakeRenderer) Render(_ context.Context, _ string, opts renderer.RenderOptions) (*models.RenderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = opts
	return f.result, f.err
}

func (f *fakeRenderer) Stats() models.BrowserStats {
	return models.BrowserStats{Launched: true, ActiveTabs: 9, MaxTabs: 10}
}

func testConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{Mode: "test"},
		Auth:      config.AuthConfig{Enabled: true, APIKeys: []string{"secret"}},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 100, Burst: 100},
	}
}

func newTestRouter(t *testing.T, rd *fakeRenderer, cfg *config.Config, cc cache.Store) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewRouter(Deps{
		Renderer: rd,
		Markdown: cleaner.NewMarkdown(),
		Cache:    cc,
		Metrics:  metrics.New(reg),
		Gatherer: reg,
	}, cfg, time.Now())
}

func postRender(t *testing.T, h http.Handler, body any, key string) (*httptest.ResponseRecorder, models.RenderResponse) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/render", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp models.RenderResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w, resp
}

func pageResult() *models.RenderResult {
	return &models.RenderResult{
		Status:     200,
		Meta:       map[string]any{"title": "Hello"},
		Links:      []string{"https://example.com/a"},
		HTML:       "<html><head><title>Hello</title></head><body><h1>Hello</h1></body></html>",
		StaticHTML: "<html><head><title>Hello</title></head><body><h1>Hello</h1></body></html>",
	}
}

func TestRender_OK(t *testing.T) {
	rd := &fakeRenderer{result: pageResult()}
	h := newTestRouter(t, rd, testConfig(), nil)

	follow := true
	w, resp := postRender(t, h, models.RenderRequest{
		URL:              "https://example.com/",
		UserAgent:        "bot/1",
		TimeoutMs:        5000,
		FollowRedirect:   &follow,
		QueryParams:      map[string]string{"a": "1"},
		ExtraMeta:        map[string]models.ExtraMetaSelector{"price": {Selector: ".price"}},
		Rewrites:         []models.RewriteRule{{Match: `^https://ads\.`, Replace: ""}},
		ExcludeCanonical: true,
		IncludeMarkdown:  true,
	}, "secret")

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Result)
	assert.Equal(t, 200, resp.Result.Status)
	assert.Equal(t, "Hello", resp.Result.Meta["title"])
	assert.Contains(t, resp.Markdown, "# Hello")
	assert.Empty(t, resp.CacheStatus)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	assert.Equal(t, "bot/1", rd.last.UserAgent)
	assert.Equal(t, 5*time.Second, rd.last.Timeout)
	require.NotNil(t, rd.last.FollowRedirect)
	assert.True(t, *rd.last.FollowRedirect)
	assert.Equal(t, "1", rd.last.QueryParams.Get("a"))
	assert.Equal(t, ".price", rd.last.ExtraMeta["price"].Selector)
	assert.Len(t, rd.last.Rewrites, 1)
	require.NotNil(t, rd.last.ExcludeCanonical)
	assert.True(t, *rd.last.ExcludeCanonical)
}

const articleStaticHTML = `<!DOCTYPE html>
<html><head><title>Rendering at the edge</title></head>
<body>
<nav><a href="/">Home</a> <a href="/about">About</a> <a href="/blog">Blog</a></nav>
<article>
<h1>Rendering at the edge</h1>
<p>Prerendering runs the page in a real browser and stores the markup it produced, so crawlers that do not execute JavaScript still see the content.</p>
<p>The snapshot keeps links and metadata, and drops every script, which makes it safe to serve from a cache without running anything.</p>
<p>Redirects issued by the server or by the page itself are reported instead of followed, so the caller can answer with the right status code.</p>
</article>
<footer>Copyright Example Inc.</footer>
</body></html>`

func TestRender_ArticleContent(t *testing.T) {
	rd := &fakeRenderer{result: &models.RenderResult{Status: 200, StaticHTML: articleStaticHTML}}
	h := newTestRouter(t, rd, testConfig(), nil)

	w, resp := postRender(t, h, models.RenderRequest{
		URL:             "https://example.com/post",
		IncludeMarkdown: true,
		Content:         models.ContentArticle,
	}, "secret")

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, resp.Article)
	assert.Equal(t, "Rendering at the edge", resp.Article.Title)
	assert.Contains(t, resp.Markdown, "real browser")
	assert.NotContains(t, resp.Markdown, "Copyright Example Inc.")

	// The page view keeps everything.
	_, resp = postRender(t, h, models.RenderRequest{URL: "https://example.com/post", IncludeMarkdown: true}, "secret")
	assert.Nil(t, resp.Article)
	assert.Contains(t, resp.Markdown, "Copyright Example Inc.")
}

func TestRender_ArticleContentFallsBackToPage(t *testing.T) {
	rd := &fakeRenderer{result: pageResult()}
	h := newTestRouter(t, rd, testConfig(), nil)

	w, resp := postRender(t, h, models.RenderRequest{
		URL:             "https://example.com/",
		IncludeMarkdown: true,
		Content:         models.ContentArticle,
	}, "secret")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, resp.Article)
	assert.Contains(t, resp.Markdown, "# Hello")
}

func TestRender_ResultJSONHasExplicitNulls(t *testing.T) {
	rd := &fakeRenderer{result: &models.RenderResult{Status: 301, Redirect: "https://example.com/b"}}
	h := newTestRouter(t, rd, testConfig(), nil)

	raw, _ := json.Marshal(models.RenderRequest{URL: "https://example.com/"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/render", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Result map[string]any `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 301.0, body.Result["status"])
	assert.Equal(t, "https://example.com/b", body.Result["redirect"])
	for _, k := range []string{"meta", "openGraph", "links", "html", "staticHTML"} {
		v, ok := body.Result[k]
		assert.True(t, ok, k)
		assert.Nil(t, v, k)
	}
}

func TestRender_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"timeout", models.NewRenderError(models.ErrCodeTimeout, "render timed out", nil), http.StatusGatewayTimeout},
		{"fetch", models.NewFetchError("NameNotResolved", "document fetch failed", nil), http.StatusBadGateway},
		{"content type", models.NewRenderError(models.ErrCodeInvalidContentType, "document is not html", nil), http.StatusUnprocessableEntity},
		{"crash", models.NewRenderError(models.ErrCodeBrowserCrash, "browser gone", nil), http.StatusServiceUnavailable},
		{"navigation", models.NewRenderError(models.ErrCodeNavigation, "navigation failed", nil), http.StatusBadGateway},
		{"untyped", assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(t, &fakeRenderer{err: tt.err}, testConfig(), nil)
			w, resp := postRender(t, h, models.RenderRequest{URL: "https://example.com/"}, "secret")

			assert.Equal(t, tt.want, w.Code)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.NotEmpty(t, resp.Error.Code)
		})
	}

	t.Run("fetch reason is exposed", func(t *testing.T) {
		h := newTestRouter(t, &fakeRenderer{err: models.NewFetchError("TimedOut", "document fetch failed", nil)}, testConfig(), nil)
		_, resp := postRender(t, h, models.RenderRequest{URL: "https://example.com/"}, "secret")
		assert.Equal(t, models.ErrCodeFetchFailed, resp.Error.Code)
		assert.Equal(t, "TimedOut", resp.Error.Reason)
	})
}

func TestRender_InvalidInput(t *testing.T) {
	rd := &fakeRenderer{result: pageResult()}
	h := newTestRouter(t, rd, testConfig(), nil)

	for name, req := range map[string]models.RenderRequest{
		"missing url":     {},
		"bad url":         {URL: "not a url"},
		"short timeout":   {URL: "https://example.com/", TimeoutMs: 10},
		"bad selector":    {URL: "https://example.com/", ExtraMeta: map[string]models.ExtraMetaSelector{"x": {Selector: "[[["}}},
		"bad rewrite":     {URL: "https://example.com/", Rewrites: []models.RewriteRule{{Match: "(", Replace: ""}}},
		"empty selector":  {URL: "https://example.com/", ExtraMeta: map[string]models.ExtraMetaSelector{"x": {}}},
		"unknown content": {URL: "https://example.com/", Content: "summary"},
	} {
		w, resp := postRender(t, h, req, "secret")
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
		require.NotNil(t, resp.Error, name)
		assert.Equal(t, models.ErrCodeInvalidInput, resp.Error.Code, name)
	}
	assert.Zero(t, rd.calls)
}

func TestRender_Auth(t *testing.T) {
	h := newTestRouter(t, &fakeRenderer{result: pageResult()}, testConfig(), nil)

	w, resp := postRender(t, h, models.RenderRequest{URL: "https://example.com/"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, models.ErrCodeUnauthorized, resp.Error.Code)

	w, _ = postRender(t, h, models.RenderRequest{URL: "https://example.com/"}, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRender_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1}
	h := newTestRouter(t, &fakeRenderer{result: pageResult()}, cfg, nil)

	w, _ := postRender(t, h, models.RenderRequest{URL: "https://example.com/"}, "secret")
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp := postRender(t, h, models.RenderRequest{URL: "https://example.com/"}, "secret")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, models.ErrCodeRateLimited, resp.Error.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRender_Cache(t *testing.T) {
	rd := &fakeRenderer{result: pageResult()}
	cc := cache.NewMemory(10, time.Hour)
	defer cc.Close()
	h := newTestRouter(t, rd, testConfig(), cc)

	req := models.RenderRequest{URL: "https://example.com/", MaxAgeMs: 60_000}

	_, resp := postRender(t, h, req, "secret")
	assert.Equal(t, "miss", resp.CacheStatus)

	_, resp = postRender(t, h, req, "secret")
	assert.Equal(t, "hit", resp.CacheStatus)
	assert.Equal(t, "Hello", resp.Result.Meta["title"])
	assert.Equal(t, 1, rd.calls)

	// Different options are a different entry.
	follow := true
	req.FollowRedirect = &follow
	_, resp = postRender(t, h, req, "secret")
	assert.Equal(t, "miss", resp.CacheStatus)
	assert.Equal(t, 2, rd.calls)

	// Without max_age_ms the cache is bypassed.
	_, resp = postRender(t, h, models.RenderRequest{URL: "https://example.com/"}, "secret")
	assert.Empty(t, resp.CacheStatus)
	assert.Equal(t, 3, rd.calls)
}

func TestHealth(t *testing.T) {
	h := newTestRouter(t, &fakeRenderer{}, testConfig(), nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.True(t, resp.Browser.Launched)
	assert.Equal(t, 10, resp.Browser.MaxTabs)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestRouter(t, &fakeRenderer{result: pageResult()}, testConfig(), nil)
	postRender(t, h, models.RenderRequest{URL: "https://example.com/"}, "secret")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "prerender_http_requests_total"), w.Body.String())
}

func TestRequestIDIsPropagated(t *testing.T) {
	h := newTestRouter(t, &fakeRenderer{}, testConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}
