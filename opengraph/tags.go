package opengraph

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// RawTags collects <meta property> tags in document order. Tags without a
// namespaced property (no colon) or without content are skipped.
func RawTags(doc *goquery.Document) []Tag {
	var tags []Tag
	doc.Find("meta[property]").Each(func(_ int, s *goquery.Selection) {
		prop, _ := s.Attr("property")
		prop = strings.TrimSpace(prop)
		if !strings.Contains(prop, ":") {
			return
		}
		content, ok := s.Attr("content")
		if !ok {
			return
		}
		tags = append(tags, Tag{Property: prop, Content: content})
	})
	return tags
}
