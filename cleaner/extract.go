package cleaner

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/use-agent/prerender/opengraph"
	"golang.org/x/net/html"
)

// ImageBox is a rendered <img> as measured by the browser: the source the
// browser actually picked and its laid-out size in CSS pixels.
type ImageBox struct {
	Src    string  `json:"src"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Input is everything Extract needs from a rendered page.
type Input struct {
	// HTML is the rendered markup, normally with <base> already injected.
	HTML string

	// URL is the page URL at capture time. It is the fallback base when the
	// markup carries no <base href>.
	URL string

	// Images are the rendered images in document order. When nil, the
	// width/height attributes of <img> elements are used instead.
	Images []ImageBox

	OpenGraph opengraph.Options
	ExtraMeta map[string]Selector

	// ExcludeCanonical drops the page's canonical URL from Links.
	ExcludeCanonical bool
}

// Output is the structured snapshot of a page. Meta, OpenGraph and Links are
// nil when nothing was found.
type Output struct {
	Meta       Meta
	OpenGraph  opengraph.Object
	Links      []string
	StaticHTML string
}

// Extract derives metadata, links and static markup from rendered HTML.
//
// Steps run in a fixed order since later ones read the DOM as earlier ones
// left it:
//  1. Open Graph tags are parsed and merged into Meta.
//  2. Scripts, inline handlers and comments are removed.
//  3. Links are collected; javascript: links are neutralised to "#".
//  4. Meta gaps are filled from the document.
//  5. Caller selectors are applied last and override anything before.
func Extract(in Input) (*Output, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(in.HTML))
	if err != nil {
		return nil, fmt.Errorf("cleaner: parse html: %w", err)
	}

	pageURL, _ := url.Parse(in.URL)
	ensureBase(doc, pageURL)
	base := baseURL(doc, pageURL)

	out := &Output{}
	meta := Meta{}

	// ── 1. Open Graph ───────────────────────────────────────────────
	if tags := opengraph.RawTags(doc); len(tags) > 0 {
		out.OpenGraph = opengraph.Parse(tags, in.OpenGraph)
	}
	meta.mergeOpenGraph(out.OpenGraph)

	// ── 2. Sanitize ─────────────────────────────────────────────────
	Sanitize(doc)

	// ── 3. Links ────────────────────────────────────────────────────
	links := collectLinks(doc, base)

	// ── 4. Gap fill ─────────────────────────────────────────────────
	meta.fillFromDocument(doc, base)
	if _, ok := meta[MetaImage]; !ok {
		if src := firstLargeImage(doc, base, in.Images); src != "" {
			meta[MetaImage] = src
		}
	}

	// ── 5. Caller selectors ─────────────────────────────────────────
	applySelectors(doc, base, meta, in.ExtraMeta)

	if in.ExcludeCanonical {
		if canonical, ok := meta[MetaCanonicalURL].(string); ok {
			links = without(links, canonical)
		}
	}

	staticHTML, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("cleaner: render static html: %w", err)
	}
	out.StaticHTML = staticHTML

	if len(meta) > 0 {
		out.Meta = meta
	}
	if len(links) > 0 {
		out.Links = links
	}
	return out, nil
}

// ensureBase prepends <base href=pageURL> to <head> when the document has no
// <base> element.
func ensureBase(doc *goquery.Document, pageURL *url.URL) {
	if pageURL == nil || pageURL.String() == "" || doc.Find("base").Length() > 0 {
		return
	}
	head := doc.Find("head").First()
	if head.Length() == 0 {
		return
	}
	head.PrependHtml(fmt.Sprintf(`<base href="%s">`, html.EscapeString(pageURL.String())))
}

// baseURL mirrors document.baseURI: the first <base href> resolved against
// the page URL, else the page URL.
func baseURL(doc *goquery.Document, pageURL *url.URL) *url.URL {
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if pageURL != nil {
			if u, err := pageURL.Parse(strings.TrimSpace(href)); err == nil {
				return u
			}
		} else if u, err := url.Parse(strings.TrimSpace(href)); err == nil && u.IsAbs() {
			return u
		}
	}
	if pageURL == nil {
		return &url.URL{}
	}
	return pageURL
}

// resolve returns ref made absolute against base, or "" when ref is not a
// valid reference.
func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	u, err := base.Parse(ref)
	if err != nil {
		return ""
	}
	return u.String()
}
