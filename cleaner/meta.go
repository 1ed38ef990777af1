package cleaner

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/use-agent/prerender/opengraph"
)

// Meta keys filled by Extract. Caller selectors may add any other key.
const (
	MetaTitle        = "title"
	MetaDescription  = "description"
	MetaAuthor       = "author"
	MetaImage        = "image"
	MetaCanonicalURL = "canonicalURL"
	MetaKeywords     = "keywords"
	MetaRobots       = "robots"
	MetaLocales      = "locales"
	MetaMedia        = "media"
)

// minImageSide is the smallest width and height for an image to stand in
// for a missing og:image.
const minImageSide = 200

// Meta is the page metadata. Values are string, []string, []Locale,
// []MediaLink, or whatever a caller selector produced.
type Meta map[string]any

// Locale is a <link rel="alternate" hreflang> entry.
type Locale struct {
	Hreflang string `json:"hreflang"`
	Href     string `json:"href"`
}

// MediaLink is a <link rel="alternate" media> entry.
type MediaLink struct {
	Media string `json:"media"`
	Href  string `json:"href"`
}

var listSep = regexp.MustCompile(`\s*,\s*`)

func (m Meta) setIfMissing(key string, v any) {
	if _, ok := m[key]; ok {
		return
	}
	m[key] = v
}

// mergeOpenGraph copies the Open Graph fields that have a Meta equivalent.
// Keywords come from the first of article, video and book tags present.
func (m Meta) mergeOpenGraph(og opengraph.Object) {
	if og == nil {
		return
	}
	if v := og.String("og:title"); v != "" {
		m[MetaTitle] = v
	}
	if v := og.String("og:description"); v != "" {
		m[MetaDescription] = v
	}
	if v := og.String("og:image:url"); v != "" {
		m[MetaImage] = v
	}
	if v := og.String("og:url"); v != "" {
		m[MetaCanonicalURL] = v
	}

	switch {
	case og.Lookup("article") != nil:
		if tags := og.Strings("article:tag"); len(tags) > 0 {
			m[MetaKeywords] = tags
		}
	case len(og.Strings("video:tag")) > 0:
		m[MetaKeywords] = og.Strings("video:tag")
	case len(og.Strings("book:tag")) > 0:
		m[MetaKeywords] = og.Strings("book:tag")
	}
}

// fillFromDocument adds what Open Graph did not provide.
func (m Meta) fillFromDocument(doc *goquery.Document, base *url.URL) {
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		m.setIfMissing(MetaTitle, title)
	}

	for _, name := range []string{MetaAuthor, MetaDescription} {
		if v, ok := metaContent(doc, name); ok && v != "" {
			m.setIfMissing(name, v)
		}
	}

	for _, name := range []string{MetaRobots, MetaKeywords} {
		if v, ok := metaContent(doc, name); ok {
			if parts := splitList(v); len(parts) > 0 {
				m.setIfMissing(name, parts)
			}
		}
	}

	if href, ok := doc.Find(`link[rel="canonical"][href]`).First().Attr("href"); ok {
		if abs := resolve(base, href); abs != "" {
			m.setIfMissing(MetaCanonicalURL, abs)
		}
	}

	var locales []Locale
	doc.Find(`link[rel="alternate"][hreflang]`).Each(func(_ int, s *goquery.Selection) {
		lang, _ := s.Attr("hreflang")
		href, _ := s.Attr("href")
		locales = append(locales, Locale{Hreflang: lang, Href: resolve(base, href)})
	})
	if len(locales) > 0 {
		m.setIfMissing(MetaLocales, locales)
	}

	var media []MediaLink
	doc.Find(`link[rel="alternate"][media]`).Each(func(_ int, s *goquery.Selection) {
		q, _ := s.Attr("media")
		href, _ := s.Attr("href")
		media = append(media, MediaLink{Media: q, Href: resolve(base, href)})
	})
	if len(media) > 0 {
		m.setIfMissing(MetaMedia, media)
	}
}

func metaContent(doc *goquery.Document, name string) (string, bool) {
	sel := doc.Find(`meta[name="` + name + `"]`).First()
	if sel.Length() == 0 {
		return "", false
	}
	v, _ := sel.Attr("content")
	return strings.TrimSpace(v), true
}

func splitList(v string) []string {
	var out []string
	for _, p := range listSep.Split(strings.TrimSpace(v), -1) {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// firstLargeImage returns the first image, in document order, whose size is
// at least minImageSide on both axes. Browser measurements are preferred;
// without them the width/height attributes are used.
func firstLargeImage(doc *goquery.Document, base *url.URL, boxes []ImageBox) string {
	if boxes != nil {
		for _, b := range boxes {
			if b.Width >= minImageSide && b.Height >= minImageSide && b.Src != "" {
				return resolve(base, b.Src)
			}
		}
		return ""
	}

	var found string
	doc.Find("img[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		w, wok := dimension(s, "width")
		h, hok := dimension(s, "height")
		if !wok || !hok || w < minImageSide || h < minImageSide {
			return true
		}
		src, _ := s.Attr("src")
		found = resolve(base, src)
		return found == ""
	})
	return found
}

func dimension(s *goquery.Selection, attr string) (float64, bool) {
	v, ok := s.Attr(attr)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(v), "px"), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
