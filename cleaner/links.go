package cleaner

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// collectLinks returns the absolute targets of a[href] and area[href] in
// document order, deduplicated. javascript: links are rewritten to "#" in
// the document and left out of the result.
func collectLinks(doc *goquery.Document, base *url.URL) []string {
	var links []string
	seen := make(map[string]struct{})

	doc.Find("a[href], area[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if isJavaScript(strings.TrimSpace(href)) {
			s.SetAttr("href", "#")
			return
		}
		abs := resolve(base, href)
		if abs == "" {
			return
		}
		if _, ok := seen[abs]; ok {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})

	return links
}

func isJavaScript(u string) bool {
	return len(u) >= len("javascript:") && strings.EqualFold(u[:len("javascript:")], "javascript:")
}

func without(list []string, drop string) []string {
	out := list[:0]
	for _, s := range list {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}
