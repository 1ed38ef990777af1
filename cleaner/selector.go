package cleaner

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// Selector reads one value out of the page: the first element matching
// Selector, then its Property. Property names follow the DOM: textContent,
// innerText, innerHTML, outerHTML, href/src (absolute), or any attribute.
// An empty Property means textContent.
type Selector struct {
	Selector string `json:"selector"`
	Property string `json:"property"`
}

// ValidateSelectors compiles every selector and reports the first that does
// not parse.
func ValidateSelectors(sels map[string]Selector) error {
	for name, s := range sels {
		if strings.TrimSpace(s.Selector) == "" {
			return fmt.Errorf("cleaner: extra meta %q: empty selector", name)
		}
		if _, err := cascadia.Compile(s.Selector); err != nil {
			return fmt.Errorf("cleaner: extra meta %q: invalid selector %q: %w", name, s.Selector, err)
		}
	}
	return nil
}

// applySelectors sets meta[name] for every selector that matches an element
// with the requested property. Invalid selectors and misses leave meta as is.
func applySelectors(doc *goquery.Document, base *url.URL, meta Meta, sels map[string]Selector) {
	for name, s := range sels {
		m, err := cascadia.Compile(s.Selector)
		if err != nil {
			continue
		}
		el := doc.FindMatcher(m).First()
		if el.Length() == 0 {
			continue
		}
		if v, ok := property(el, base, s.Property); ok {
			meta[name] = v
		}
	}
}

func property(el *goquery.Selection, base *url.URL, prop string) (string, bool) {
	switch prop {
	case "", "textContent":
		return el.Text(), true
	case "innerText":
		return strings.TrimSpace(el.Text()), true
	case "innerHTML":
		h, err := el.Html()
		return h, err == nil
	case "outerHTML":
		h, err := goquery.OuterHtml(el)
		return h, err == nil
	case "href", "src", "action", "poster", "cite":
		v, ok := el.Attr(prop)
		if !ok {
			return "", false
		}
		return resolve(base, v), true
	default:
		return el.Attr(prop)
	}
}
