package cleaner

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Sanitize strips everything that would execute or is dead weight when the
// markup is served without a browser: <script> elements, on* attributes and
// comment nodes. Running it twice is a no-op.
func Sanitize(doc *goquery.Document) {
	doc.Find("script").Remove()
	for _, n := range doc.Nodes {
		sanitizeNode(n)
	}
}

func sanitizeNode(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch c.Type {
		case html.CommentNode:
			n.RemoveChild(c)
		case html.ElementNode:
			c.Attr = withoutHandlers(c.Attr)
			sanitizeNode(c)
		default:
			sanitizeNode(c)
		}
		c = next
	}
}

func withoutHandlers(attrs []html.Attribute) []html.Attribute {
	kept := attrs[:0]
	for _, a := range attrs {
		if a.Namespace == "" && strings.HasPrefix(strings.ToLower(a.Key), "on") {
			continue
		}
		kept = append(kept, a)
	}
	return kept
}
