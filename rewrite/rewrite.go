// Package rewrite maps outgoing request URLs through an ordered list of
// pattern → replacement rules before the browser issues them.
package rewrite

import (
	"fmt"
	"net/url"
	"regexp"
)

// Rule is a single rewrite rule. Replacement follows regexp.Expand syntax
// ($1, ${name}). An empty Replacement blocks every URL the pattern matches.
type Rule struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// RuleSpec is the serialisable form of a Rule, as accepted by the API and
// the environment configuration.
type RuleSpec struct {
	Match   string `json:"match"`
	Replace string `json:"replace"`
}

// Compile builds a Rule from a regular expression and replacement template.
func Compile(pattern, replacement string) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("rewrite: compile %q: %w", pattern, err)
	}
	return Rule{Pattern: re, Replacement: replacement}, nil
}

// ParseRules compiles specs in order. The first invalid pattern aborts.
func ParseRules(specs []RuleSpec) ([]Rule, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	rules := make([]Rule, 0, len(specs))
	for _, s := range specs {
		r, err := Compile(s.Match, s.Replace)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Apply runs rawURL through rules and returns the rewritten URL.
//
// Each rule is tried against the full URL first and then against the
// origin+path form (no query, no fragment); a path-form match keeps the
// original query string. The first rule that changes the URL wins. blocked
// is true when the winning rule has an empty replacement or when the
// rewritten URL is not a valid absolute URL.
func Apply(rawURL string, rules []Rule) (rewritten string, blocked bool) {
	if len(rules) == 0 {
		return rawURL, false
	}

	pathForm, query := splitPathForm(rawURL)

	for _, r := range rules {
		if r.Pattern == nil {
			continue
		}

		if r.Pattern.MatchString(rawURL) {
			if r.Replacement == "" {
				return "", true
			}
			out := r.Pattern.ReplaceAllString(rawURL, r.Replacement)
			if out != rawURL {
				return validate(out)
			}
			continue
		}

		if pathForm == "" || !r.Pattern.MatchString(pathForm) {
			continue
		}
		if r.Replacement == "" {
			return "", true
		}
		out := r.Pattern.ReplaceAllString(pathForm, r.Replacement)
		if out == pathForm {
			continue
		}
		if query != "" {
			out += "?" + query
		}
		if out != rawURL {
			return validate(out)
		}
	}

	return rawURL, false
}

// splitPathForm returns scheme://host/path and the raw query of rawURL.
// Both are empty when rawURL cannot be parsed or is already in that form.
func splitPathForm(rawURL string) (string, string) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", ""
	}
	if u.RawQuery == "" && u.Fragment == "" && !u.ForceQuery {
		return "", ""
	}
	short := url.URL{Scheme: u.Scheme, User: u.User, Host: u.Host, Path: u.Path, RawPath: u.RawPath}
	return short.String(), u.RawQuery
}

func validate(out string) (string, bool) {
	u, err := url.Parse(out)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", true
	}
	return out, false
}
