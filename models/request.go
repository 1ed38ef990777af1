package models

// RenderRequest is the payload for POST /api/v1/render.
type RenderRequest struct {
	// URL is the page to render. Required.
	URL string `json:"url" binding:"required,url"`

	// UserAgent overrides the renderer's default user agent.
	UserAgent string `json:"user_agent,omitempty"`

	// TimeoutMs is the budget for the whole render (fetch + navigation +
	// extraction). Default: server setting. Max: 120000.
	TimeoutMs int `json:"timeout_ms,omitempty" binding:"omitempty,min=1000,max=120000"`

	// FollowRedirect lets the browser follow HTTP and script redirects
	// instead of returning the first one. Default: server setting.
	FollowRedirect *bool `json:"follow_redirect,omitempty"`

	// ExtraMeta maps a meta key to a selector/property pair read from the
	// rendered page. These run last and override built-in meta.
	ExtraMeta map[string]ExtraMetaSelector `json:"extra_meta,omitempty"`

	// Rewrites are applied to every request the page issues, in order.
	Rewrites []RewriteRule `json:"rewrites,omitempty"`

	// QueryParams are appended to the top-level document URL.
	QueryParams map[string]string `json:"query_params,omitempty"`

	// OpenGraph tunes Open Graph parsing.
	OpenGraph *OpenGraphOptions `json:"open_graph,omitempty"`

	// ExcludeCanonical drops the page's canonical URL from links.
	ExcludeCanonical bool `json:"exclude_canonical,omitempty"`

	// IncludeMarkdown adds a Markdown rendering of static_html.
	IncludeMarkdown bool `json:"include_markdown,omitempty"`

	// Content selects what the Markdown view covers: "page" (default) or
	// "article", the main content found by readability. "article" also
	// fills the response's article metadata.
	Content string `json:"content,omitempty" binding:"omitempty,oneof=page article"`

	// MaxAgeMs enables the render cache: a cached result younger than this
	// is returned without touching the browser. 0 disables caching.
	MaxAgeMs int64 `json:"max_age_ms,omitempty" binding:"omitempty,min=0"`
}

// Content modes.
const (
	ContentPage    = "page"
	ContentArticle = "article"
)

// ExtraMetaSelector is one caller-supplied meta extraction.
type ExtraMetaSelector struct {
	Selector string `json:"selector" binding:"required"`
	Property string `json:"property,omitempty"`
}

// RewriteRule is a regular expression and its replacement template.
// An empty Replace blocks matching requests.
type RewriteRule struct {
	Match   string `json:"match" binding:"required"`
	Replace string `json:"replace"`
}

// OpenGraphOptions extends the built-in alias and array tables.
type OpenGraphOptions struct {
	Alias  map[string]string `json:"alias,omitempty"`
	Arrays []string          `json:"arrays,omitempty"`
}
