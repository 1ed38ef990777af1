// Package opengraph turns a flat list of Open Graph <meta property> tags into
// a nested object, e.g. og:image:width becomes {"og": {"image": [{"width": ...}]}}.
package opengraph

import (
	"strings"
)

// Tag is one raw <meta property=... content=...> pair in document order.
type Tag struct {
	Property string `json:"property"`
	Content  string `json:"content"`
}

// Object is the parsed structure. Leaves are strings; array properties hold
// []any whose elements are strings or Objects. A key that is both a value and
// a parent keeps the value under "_".
type Object map[string]any

// Options tune the parser. Both fields are merged onto the defaults.
type Options struct {
	// Alias renames a property before it is placed, e.g. og:image → og:image:url.
	Alias map[string]string `json:"alias,omitempty"`

	// Arrays lists properties that may repeat. Each repetition of the
	// property, or of a sub-key already set on the last element, starts a new
	// element.
	Arrays []string `json:"arrays,omitempty"`
}

// ValueKey holds the scalar of a node that also has children.
const ValueKey = "_"

var defaultAlias = map[string]string{
	"og:image": "og:image:url",
	"og:video": "og:video:url",
	"og:audio": "og:audio:url",
}

var defaultArrays = []string{
	"og:image",
	"og:video",
	"og:audio",
	"og:locale:alternate",
	"music:album",
	"music:song",
	"music:musician",
	"music:creator",
	"video:actor",
	"video:director",
	"video:writer",
	"video:tag",
	"article:author",
	"article:tag",
	"book:author",
	"book:tag",
}

type parser struct {
	alias  map[string]string
	arrays map[string]bool
}

func newParser(opts Options) *parser {
	p := &parser{
		alias:  make(map[string]string, len(defaultAlias)+len(opts.Alias)),
		arrays: make(map[string]bool, len(defaultArrays)+len(opts.Arrays)),
	}
	for k, v := range defaultAlias {
		p.alias[k] = v
	}
	for k, v := range opts.Alias {
		p.alias[k] = v
	}
	for _, a := range defaultArrays {
		p.arrays[a] = true
	}
	for _, a := range opts.Arrays {
		p.arrays[a] = true
	}
	return p
}

// Parse builds an Object from tags. It returns nil when no tag carries a
// usable property.
func Parse(tags []Tag, opts Options) Object {
	if len(tags) == 0 {
		return nil
	}
	p := newParser(opts)
	root := Object{}
	for _, t := range tags {
		prop := strings.TrimSpace(t.Property)
		if prop == "" {
			continue
		}
		if a, ok := p.alias[prop]; ok {
			prop = a
		}
		parts := strings.Split(prop, ":")
		if !validParts(parts) {
			continue
		}
		p.set(root, parts, "", t.Content)
	}
	if len(root) == 0 {
		return nil
	}
	return root
}

func validParts(parts []string) bool {
	for _, part := range parts {
		if part == "" {
			return false
		}
	}
	return true
}

func (p *parser) set(node Object, parts []string, prefix, value string) {
	key := parts[0]
	path := prefix + key
	rest := parts[1:]

	if len(rest) == 0 {
		p.setLeaf(node, key, path, value)
		return
	}

	if p.arrays[path] {
		list, _ := node[key].([]any)
		var last Object
		if n := len(list); n > 0 {
			switch v := list[n-1].(type) {
			case Object:
				last = v
			case string:
				last = Object{ValueKey: v}
				list[n-1] = last
			}
		}
		if last == nil || hasKey(last, rest[0]) && len(rest) == 1 {
			last = Object{}
			list = append(list, last)
		}
		node[key] = list
		p.set(last, rest, path+":", value)
		return
	}

	var child Object
	switch v := node[key].(type) {
	case Object:
		child = v
	case string:
		child = Object{ValueKey: v}
	default:
		child = Object{}
	}
	node[key] = child
	p.set(child, rest, path+":", value)
}

func (p *parser) setLeaf(node Object, key, path, value string) {
	if p.arrays[path] {
		list, _ := node[key].([]any)
		node[key] = append(list, value)
		return
	}
	switch v := node[key].(type) {
	case nil:
		node[key] = value
	case Object:
		if _, ok := v[ValueKey]; !ok {
			v[ValueKey] = value
		}
	}
	// first declaration of a scalar wins
}

func hasKey(o Object, key string) bool {
	_, ok := o[key]
	return ok
}

// Lookup walks a colon-separated path. Array nodes resolve to their first
// element.
func (o Object) Lookup(path string) any {
	var cur any = o
	for _, part := range strings.Split(path, ":") {
		if list, ok := cur.([]any); ok {
			if len(list) == 0 {
				return nil
			}
			cur = list[0]
		}
		node, ok := cur.(Object)
		if !ok {
			return nil
		}
		cur, ok = node[part]
		if !ok {
			return nil
		}
	}
	return cur
}

// String returns the scalar at path, looking through arrays and "_" nodes.
func (o Object) String(path string) string {
	return scalar(o.Lookup(path))
}

// Strings returns every scalar of the array (or single value) at path.
func (o Object) Strings(path string) []string {
	switch v := o.Lookup(path).(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s := scalar(e); s != "" {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		if s := scalar(v); s != "" {
			return []string{s}
		}
		return nil
	}
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case Object:
		s, _ := t[ValueKey].(string)
		return s
	case []any:
		if len(t) > 0 {
			return scalar(t[0])
		}
	}
	return ""
}
