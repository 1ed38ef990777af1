package cleaner

import (
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
)

// Markdown renders static markup as Markdown. Safe for concurrent use; build
// one per process.
type Markdown struct {
	conv *converter.Converter
}

// NewMarkdown creates a converter with the commonmark and table plugins.
// The base plugin drops head, style, noscript and friends.
func NewMarkdown() *Markdown {
	return &Markdown{
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(
					table.WithCellPaddingBehavior(table.CellPaddingBehaviorMinimal),
				),
			),
		),
	}
}

// Convert renders staticHTML. Relative links and images are made absolute
// against pageURL.
func (m *Markdown) Convert(staticHTML, pageURL string) (string, error) {
	return m.conv.ConvertString(staticHTML, converter.WithDomain(pageURL))
}
