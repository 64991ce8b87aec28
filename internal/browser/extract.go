package browser

import (
	"html"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

// Converter turns captured answer HTML into sanitized HTML and markdown.
// Markdown keeps link targets, so citations inline in the answer survive.
type Converter struct {
	md     *converter.Converter
	ugc    *bluemonday.Policy
	strict *bluemonday.Policy
}

// NewConverter creates a Converter.
func NewConverter() *Converter {
	return &Converter{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		ugc:    bluemonday.UGCPolicy(),
		strict: bluemonday.StrictPolicy(),
	}
}

// Sanitize strips scripts, styles and event handlers from doc.
func (c *Converter) Sanitize(doc string) string {
	return c.ugc.Sanitize(doc)
}

// Markdown converts doc to markdown, resolving relative links against
// baseURL. If conversion fails it falls back to the tag-stripped text.
func (c *Converter) Markdown(doc, baseURL string) string {
	if strings.TrimSpace(doc) == "" {
		return ""
	}
	clean := c.Sanitize(doc)

	var md string
	var err error
	if baseURL != "" {
		md, err = c.md.ConvertString(clean, converter.WithDomain(baseURL))
	} else {
		md, err = c.md.ConvertString(clean)
	}
	if err != nil || strings.TrimSpace(md) == "" {
		return c.PlainText(clean)
	}
	return strings.TrimSpace(md)
}

// PlainText strips every tag from doc and collapses whitespace.
func (c *Converter) PlainText(doc string) string {
	return strings.Join(strings.Fields(html.UnescapeString(c.strict.Sanitize(doc))), " ")
}
