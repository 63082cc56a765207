package parser

import "strings"

// TextParser splits plain text into blank-line separated paragraphs
type TextParser struct{}

func NewTextParser() *TextParser {
	return &TextParser{}
}

func (p *TextParser) Parse(content []byte) (*Document, error) {
	b := newTreeBuilder()
	text := strings.ReplaceAll(string(content), "\r\n", "\n")

	var para []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			b.paragraph(strings.Join(para, "\n"))
			para = para[:0]
			continue
		}
		para = append(para, line)
	}
	b.paragraph(strings.Join(para, "\n"))

	return &Document{Root: b.root}, nil
}
