package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	strippedSelector = "script, style, noscript, template, nav, footer, header, iframe"
	blockSelector    = "h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, td, th, dd, dt, div, section, article, ul, ol, dl, table, main, aside, figure"
)

var headingLevels = map[string]int{"h1": 1, "h2": 2, "h3": 3, "h4": 4, "h5": 5, "h6": 6}

var paragraphElements = map[string]bool{
	"p": true, "li": true, "pre": true, "blockquote": true,
	"td": true, "th": true, "dd": true, "dt": true, "figcaption": true,
}

// HTMLParser builds a section tree from HTML headings and block elements
type HTMLParser struct{}

func NewHTMLParser() *HTMLParser {
	return &HTMLParser{}
}

func (p *HTMLParser) Parse(content []byte) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("read html: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find(strippedSelector).Remove()

	// Prefer the main content area over page chrome
	var root *goquery.Selection
	for _, selector := range []string{"main", "article", "[role=main]", "body"} {
		if sel := doc.Find(selector).First(); sel.Length() > 0 {
			root = sel
			break
		}
	}
	if root == nil {
		root = doc.Selection
	}

	b := newTreeBuilder()
	walkHTML(b, root)

	if title == "" {
		title = firstTitle(b.root)
	}
	return &Document{Title: title, Root: b.root}, nil
}

func walkHTML(b *treeBuilder, sel *goquery.Selection) {
	sel.Contents().Each(func(_ int, child *goquery.Selection) {
		name := goquery.NodeName(child)
		switch {
		case name == "#text":
			b.paragraph(child.Text())
		case headingLevels[name] > 0:
			b.heading(headingLevels[name], collapse(child.Text()))
		case paragraphElements[name]:
			b.paragraph(child.Text())
		case strings.HasPrefix(name, "#"):
			// comments, doctype
		case child.Find(blockSelector).Length() == 0:
			// inline-only container such as a div of spans
			b.paragraph(child.Text())
		default:
			walkHTML(b, child)
		}
	})
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
