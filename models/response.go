package models

import "encoding/json"

// RenderResult is the snapshot of one rendered page.
//
// Zero values mean "not produced" and encode as JSON null: Status 0 (the
// navigation never completed), empty Redirect, nil Meta/OpenGraph/Links, and
// empty HTML/StaticHTML (e.g. a redirect returned without rendering).
type RenderResult struct {
	Status     int
	Redirect   string
	Meta       map[string]any
	OpenGraph  map[string]any
	Links      []string
	HTML       string
	StaticHTML string
}

type renderResultJSON struct {
	Status     *int           `json:"status"`
	Redirect   *string        `json:"redirect"`
	Meta       map[string]any `json:"meta"`
	OpenGraph  map[string]any `json:"openGraph"`
	Links      []string       `json:"links"`
	HTML       *string        `json:"html"`
	StaticHTML *string        `json:"staticHTML"`
}

func nullable[T comparable](v T) *T {
	var zero T
	if v == zero {
		return nil
	}
	return &v
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// MarshalJSON encodes every absent field as an explicit null.
func (r RenderResult) MarshalJSON() ([]byte, error) {
	out := renderResultJSON{
		Status:     nullable(r.Status),
		Redirect:   nullable(r.Redirect),
		HTML:       nullable(r.HTML),
		StaticHTML: nullable(r.StaticHTML),
	}
	if len(r.Meta) > 0 {
		out.Meta = r.Meta
	}
	if len(r.OpenGraph) > 0 {
		out.OpenGraph = r.OpenGraph
	}
	if len(r.Links) > 0 {
		out.Links = r.Links
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *RenderResult) UnmarshalJSON(data []byte) error {
	var in renderResultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = RenderResult{
		Status:     deref(in.Status),
		Redirect:   deref(in.Redirect),
		Meta:       in.Meta,
		OpenGraph:  in.OpenGraph,
		Links:      in.Links,
		HTML:       deref(in.HTML),
		StaticHTML: deref(in.StaticHTML),
	}
	return nil
}

// RenderResponse is the response for POST /api/v1/render.
type RenderResponse struct {
	// Success indicates whether the render completed without errors. A
	// redirect returned without following it is a success.
	Success bool `json:"success"`

	// Result is the page snapshot. Nil when Success is false.
	Result *RenderResult `json:"result,omitempty"`

	// Markdown is static_html rendered as Markdown, when requested.
	Markdown string `json:"markdown,omitempty"`

	// Article describes the main content when content is "article" and
	// readability found one.
	Article *ArticleInfo `json:"article,omitempty"`

	// CacheStatus indicates whether the response was served from cache.
	// Values: "hit", "miss", or empty (caching not requested).
	CacheStatus string `json:"cache_status,omitempty"`

	// Timing provides duration breakdowns for the operation.
	Timing TimingInfo `json:"timing"`

	// Error is populated only when Success is false.
	Error *ErrorDetail `json:"error,omitempty"`
}

// ArticleInfo is the readability metadata of the main content.
type ArticleInfo struct {
	Title    string `json:"title,omitempty"`
	Byline   string `json:"byline,omitempty"`
	Excerpt  string `json:"excerpt,omitempty"`
	SiteName string `json:"site_name,omitempty"`
	Language string `json:"language,omitempty"`
}

// TimingInfo breaks down the time spent in each phase.
type TimingInfo struct {
	// TotalMs is the end-to-end duration in milliseconds.
	TotalMs int64 `json:"total_ms"`

	// RenderMs is the time spent inside the browser.
	RenderMs int64 `json:"render_ms"`
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status  string       `json:"status"` // "healthy" or "degraded"
	Uptime  string       `json:"uptime"`
	Browser BrowserStats `json:"browser"`
	Version string       `json:"version"`
}

// BrowserStats reports the state of the shared browser session.
type BrowserStats struct {
	Launched      bool  `json:"launched"`
	SessionAgeSec int64 `json:"session_age_sec"`
	ActiveTabs    int   `json:"active_tabs"`
	MaxTabs       int   `json:"max_tabs"`
	Crashes       int64 `json:"crashes"`
}
