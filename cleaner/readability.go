package cleaner

import (
	"log/slog"
	nurl "net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

// minContentLength is the minimum TextContent length (in characters) for
// readability output to be considered valid. Below it the algorithm most
// likely missed the main content.
const minContentLength = 50

// Article is the main content of a rendered page.
type Article struct {
	Title    string
	Byline   string
	Excerpt  string
	SiteName string
	Language string

	// HTML is the main content markup, or the whole static markup when
	// Found is false.
	HTML  string
	Found bool
}

// ExtractArticle runs the Mozilla Readability algorithm on staticHTML.
//
// It never fails. An unparsable page URL, a readability error or a main
// content shorter than minContentLength all yield the full staticHTML with
// Found set to false.
func ExtractArticle(staticHTML, pageURL string, log *slog.Logger) Article {
	if log == nil {
		log = slog.Default()
	}
	fallback := Article{HTML: staticHTML}

	parsedURL, err := nurl.Parse(pageURL)
	if err != nil {
		log.Warn("readability: invalid page URL, using full page", "url", pageURL, "error", err)
		return fallback
	}

	article, err := readability.FromReader(strings.NewReader(staticHTML), parsedURL)
	if err != nil {
		log.Warn("readability: extraction failed, using full page", "url", pageURL, "error", err)
		return fallback
	}

	if n := len(strings.TrimSpace(article.TextContent)); n < minContentLength {
		log.Debug("readability: main content too short, using full page", "url", pageURL, "length", n)
		return fallback
	}

	return Article{
		Title:    article.Title,
		Byline:   article.Byline,
		Excerpt:  article.Excerpt,
		SiteName: article.SiteName,
		Language: article.Language,
		HTML:     article.Content,
		Found:    true,
	}
}
