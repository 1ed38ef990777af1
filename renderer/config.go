package renderer

import (
	"net/url"
	"time"

	"github.com/use-agent/prerender/cleaner"
	"github.com/use-agent/prerender/opengraph"
	"github.com/use-agent/prerender/rewrite"
)

const (
	defaultTimeout            = 30 * time.Second
	defaultDocumentMargin     = time.Second
	defaultSubresourceTimeout = 5 * time.Second
	pageReadyPollInterval     = 50 * time.Millisecond
)

// RenderConfig is the complete, immutable configuration of one render call.
// The Renderer holds a process-wide default; each call merges its
// RenderOptions onto a copy.
type RenderConfig struct {
	UserAgent      string
	Timeout        time.Duration
	FollowRedirect bool

	ExtraMeta        map[string]cleaner.Selector
	OpenGraph        opengraph.Options
	ExcludeCanonical bool

	Rewrites    []rewrite.Rule
	QueryParams url.Values
	Resources   ResourcePolicy

	// DocumentMargin is kept free of the document fetch so the browser has
	// time to parse and run the page: the fetch gets Timeout-DocumentMargin,
	// never less than half of Timeout.
	DocumentMargin time.Duration

	// SubresourceTimeout bounds each ActionFetch sub-resource fetch.
	SubresourceTimeout time.Duration
}

// RenderOptions override the Renderer defaults for one call. Zero values
// keep the default.
type RenderOptions struct {
	UserAgent        string
	Timeout          time.Duration
	FollowRedirect   *bool
	ExtraMeta        map[string]cleaner.Selector
	OpenGraph        *opengraph.Options
	ExcludeCanonical *bool
	Rewrites         []rewrite.Rule
	QueryParams      url.Values
	Resources        ResourcePolicy
}

func (c RenderConfig) withDefaults() RenderConfig {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.DocumentMargin <= 0 {
		c.DocumentMargin = defaultDocumentMargin
	}
	if c.SubresourceTimeout <= 0 {
		c.SubresourceTimeout = defaultSubresourceTimeout
	}
	if c.Resources == nil {
		c.Resources = DefaultResourcePolicy()
	}
	return c
}

// merge returns the configuration of one call.
func (c RenderConfig) merge(o RenderOptions) RenderConfig {
	if o.UserAgent != "" {
		c.UserAgent = o.UserAgent
	}
	if o.Timeout > 0 {
		c.Timeout = o.Timeout
	}
	if o.FollowRedirect != nil {
		c.FollowRedirect = *o.FollowRedirect
	}
	if o.ExtraMeta != nil {
		c.ExtraMeta = o.ExtraMeta
	}
	if o.OpenGraph != nil {
		c.OpenGraph = *o.OpenGraph
	}
	if o.ExcludeCanonical != nil {
		c.ExcludeCanonical = *o.ExcludeCanonical
	}
	if o.Rewrites != nil {
		c.Rewrites = o.Rewrites
	}
	if o.QueryParams != nil {
		c.QueryParams = o.QueryParams
	}
	if o.Resources != nil {
		c.Resources = o.Resources
	}
	return c.withDefaults()
}

func (c *RenderConfig) documentTimeout() time.Duration {
	d := c.Timeout - c.DocumentMargin
	if d < c.Timeout/2 {
		d = c.Timeout / 2
	}
	return d
}
