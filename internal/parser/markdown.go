package parser

import (
	"bufio"
	"bytes"
	"strings"
)

// MarkdownParser handles ATX headings, blank-line separated paragraphs and
// fenced code blocks, which are kept whole
type MarkdownParser struct{}

func NewMarkdownParser() *MarkdownParser {
	return &MarkdownParser{}
}

func (p *MarkdownParser) Parse(content []byte) (*Document, error) {
	b := newTreeBuilder()

	var (
		para    []string
		fence   string
		inFence bool
	)
	flush := func() {
		if len(para) > 0 {
			b.paragraph(strings.Join(para, "\n"))
			para = para[:0]
		}
	}

	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		if inFence {
			para = append(para, line)
			if strings.HasPrefix(trimmed, fence) && strings.Trim(trimmed, fence[:1]) == "" {
				inFence = false
				flush()
			}
			continue
		}

		if f := fenceMarker(trimmed); f != "" {
			flush()
			inFence = true
			fence = f
			para = append(para, line)
			continue
		}

		if level, title, ok := atxHeading(trimmed); ok {
			flush()
			b.heading(level, title)
			continue
		}

		if trimmed == "" {
			flush()
			continue
		}
		para = append(para, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	// an unterminated fence runs to the end of the document
	flush()

	return &Document{Title: firstTitle(b.root), Root: b.root}, nil
}

func fenceMarker(line string) string {
	for _, marker := range []string{"```", "~~~"} {
		if strings.HasPrefix(line, marker) {
			n := len(line) - len(strings.TrimLeft(line, marker[:1]))
			return line[:n]
		}
	}
	return ""
}

// atxHeading parses "## Title ##" style headings
func atxHeading(line string) (int, string, bool) {
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level == 0 || level > 6 {
		return 0, "", false
	}
	rest := line[level:]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return 0, "", false
	}
	title := strings.TrimSpace(rest)
	title = strings.TrimSpace(strings.TrimRight(title, "#"))
	return level, title, true
}
