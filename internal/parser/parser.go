package parser

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ncolesummers/document-ingestor/pkg/types"
)

// ErrUnsupportedType is returned for a media type with no registered parser
var ErrUnsupportedType = errors.New("unsupported content type")

// NodeKind distinguishes sections from paragraphs
type NodeKind string

const (
	KindSection   NodeKind = "section"
	KindParagraph NodeKind = "paragraph"
)

// Node is one element of the document tree. Sections carry a Title and
// Children, paragraphs carry Text.
type Node struct {
	Kind     NodeKind
	Title    string
	Text     string
	Children []*Node
}

// Document is a parsed document. Root is an untitled section holding the
// top-level content in document order.
type Document struct {
	Title string
	Root  *Node
}

// Parser turns raw content of one media type into a document tree
type Parser interface {
	Parse(content []byte) (*Document, error)
}

// Registry selects a parser by media type
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry returns a registry with the HTML, markdown and plain text
// parsers registered
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	r.Register("text/html", NewHTMLParser())
	r.Register("application/xhtml+xml", NewHTMLParser())
	r.Register("text/markdown", NewMarkdownParser())
	r.Register("text/plain", NewTextParser())
	return r
}

// Register adds or replaces the parser for a media type
func (r *Registry) Register(mediaType string, p Parser) {
	r.parsers[strings.ToLower(mediaType)] = p
}

// Parse parses content with the parser registered for contentType.
// Parameters such as charset are ignored.
func (r *Registry) Parse(content []byte, contentType string) (*Document, error) {
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	p, ok := r.parsers[mediaType]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %q", types.ErrPermanent, ErrUnsupportedType, contentType)
	}
	doc, err := p.Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", types.ErrPermanent, mediaType, err)
	}
	return doc, nil
}

// treeBuilder assembles a section tree from a flat stream of headings and
// paragraphs
type treeBuilder struct {
	root   *Node
	stack  []*Node
	levels []int
}

func newTreeBuilder() *treeBuilder {
	root := &Node{Kind: KindSection}
	return &treeBuilder{
		root:   root,
		stack:  []*Node{root},
		levels: []int{0},
	}
}

// heading opens a section at level, closing any open section at the same or
// deeper level
func (b *treeBuilder) heading(level int, title string) {
	for len(b.stack) > 1 && b.levels[len(b.levels)-1] >= level {
		b.stack = b.stack[:len(b.stack)-1]
		b.levels = b.levels[:len(b.levels)-1]
	}
	section := &Node{Kind: KindSection, Title: title}
	parent := b.stack[len(b.stack)-1]
	parent.Children = append(parent.Children, section)
	b.stack = append(b.stack, section)
	b.levels = append(b.levels, level)
}

func (b *treeBuilder) paragraph(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	parent := b.stack[len(b.stack)-1]
	parent.Children = append(parent.Children, &Node{Kind: KindParagraph, Text: text})
}

// firstTitle returns the title of the first section in the tree
func firstTitle(n *Node) string {
	for _, c := range n.Children {
		if c.Kind == KindSection {
			if c.Title != "" {
				return c.Title
			}
			if t := firstTitle(c); t != "" {
				return t
			}
		}
	}
	return ""
}
