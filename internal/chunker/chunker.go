package chunker

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/ncolesummers/document-ingestor/internal/parser"
	"github.com/ncolesummers/document-ingestor/pkg/types"
)

const (
	// DefaultMaxRunes bounds the body of a single chunk
	DefaultMaxRunes = 2000

	breadcrumbSeparator = " > "
)

// Config controls chunk sizing
type Config struct {
	// MaxRunes bounds the paragraph body of a chunk. The breadcrumb prefix
	// is not counted.
	MaxRunes int
	// OmitBreadcrumb drops the heading prefix from chunk text
	OmitBreadcrumb bool
}

// Chunker derives chunk candidates from a parsed document tree
type Chunker struct {
	maxRunes       int
	omitBreadcrumb bool
}

// New creates a Chunker with default settings
func New() *Chunker {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a Chunker, using defaults for unset fields
func NewWithConfig(cfg Config) *Chunker {
	if cfg.MaxRunes <= 0 {
		cfg.MaxRunes = DefaultMaxRunes
	}
	return &Chunker{
		maxRunes:       cfg.MaxRunes,
		omitBreadcrumb: cfg.OmitBreadcrumb,
	}
}

// Chunk walks the document and returns one candidate per non-empty paragraph,
// or several when a paragraph exceeds MaxRunes. Output is deterministic for
// the same tree and settings.
func (c *Chunker) Chunk(docID types.DocumentID, doc *parser.Document) ([]types.ChunkCandidate, error) {
	if docID == "" {
		return nil, fmt.Errorf("%w: empty document id", types.ErrPermanent)
	}
	if doc == nil || doc.Root == nil {
		return nil, fmt.Errorf("%w: document %s has no content tree", types.ErrPermanent, docID)
	}

	var out []types.ChunkCandidate
	c.walk(docID, doc.Root, "", nil, &out)
	return out, nil
}

func (c *Chunker) walk(docID types.DocumentID, node *parser.Node, prefix string, crumbs []string, out *[]types.ChunkCandidate) {
	sections, paragraphs := 0, 0
	for _, child := range node.Children {
		switch child.Kind {
		case parser.KindSection:
			sections++
			path := join(prefix, "s"+strconv.Itoa(sections))
			next := crumbs
			if title := Normalize(child.Title); title != "" {
				next = append(crumbs[:len(crumbs):len(crumbs)], title)
			}
			c.walk(docID, child, path, next, out)

		case parser.KindParagraph:
			body := Normalize(child.Text)
			if body == "" {
				continue
			}
			paragraphs++
			path := join(prefix, "p"+strconv.Itoa(paragraphs))
			c.emit(docID, path, crumbs, body, out)
		}
	}
}

func (c *Chunker) emit(docID types.DocumentID, path string, crumbs []string, body string, out *[]types.ChunkCandidate) {
	if utf8.RuneCountInString(body) <= c.maxRunes {
		*out = append(*out, c.candidate(docID, path, crumbs, body))
		return
	}
	for i, part := range SplitWords(body, c.maxRunes) {
		*out = append(*out, c.candidate(docID, path+"#"+strconv.Itoa(i), crumbs, part))
	}
}

func (c *Chunker) candidate(docID types.DocumentID, path string, crumbs []string, body string) types.ChunkCandidate {
	text := body
	if !c.omitBreadcrumb && len(crumbs) > 0 {
		text = strings.Join(crumbs, breadcrumbSeparator) + "\n\n" + body
	}
	return types.ChunkCandidate{
		DocumentID:     docID,
		StructuralPath: path,
		Text:           text,
		ContentDigest:  types.ComputeContentDigest(text),
	}
}

func join(prefix, segment string) string {
	if prefix == "" {
		return segment
	}
	return prefix + "/" + segment
}

// Normalize drops invalid UTF-8, applies Unicode NFC, collapses whitespace
// runs to a single space and trims
func Normalize(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = norm.NFC.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// SplitWords splits normalized text into parts of at most maxRunes runes,
// breaking between words. A single word longer than maxRunes is cut.
func SplitWords(text string, maxRunes int) []string {
	if maxRunes <= 0 {
		return []string{text}
	}

	var (
		parts  []string
		cur    strings.Builder
		curLen int
	)
	flush := func() {
		if curLen > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, word := range strings.Fields(text) {
		runes := []rune(word)
		for len(runes) > maxRunes {
			flush()
			parts = append(parts, string(runes[:maxRunes]))
			runes = runes[maxRunes:]
		}
		if len(runes) == 0 {
			continue
		}

		need := len(runes)
		if curLen > 0 {
			need++
		}
		if curLen+need > maxRunes {
			flush()
		}
		if curLen > 0 {
			cur.WriteByte(' ')
			curLen++
		}
		cur.WriteString(string(runes))
		curLen += len(runes)
	}
	flush()
	return parts
}
