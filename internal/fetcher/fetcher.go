package fetcher

import (
	"context"
	"errors"
	"iter"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/ncolesummers/document-ingestor/pkg/types"
)

// ErrIncompleteListing is yielded when the source could not enumerate all of
// its documents. Removal detection must be skipped for such a run.
var ErrIncompleteListing = errors.New("incomplete document listing")

// Media types understood by the parser registry
const (
	MediaHTML     = "text/html"
	MediaMarkdown = "text/markdown"
	MediaText     = "text/plain"
)

// FetchedDocument is one document as observed by a source during a run
type FetchedDocument struct {
	ID     types.DocumentID
	URI    string
	Source string
	Signal types.ChangeSignal
	// NotModified is set when the source confirmed the prior signal without
	// transferring a new body. Content then holds the cached copy, if any.
	NotModified bool
	Content     []byte
	ContentType string
	Title       string
	Metadata    map[string]string
	ObservedAt  time.Time
	// Err is a per-document fetch failure. The document still counts as
	// observed so its chunks are kept.
	Err error
}

// ValidatorLookup returns the change signal recorded for a document on the
// previous successful run
type ValidatorLookup func(ctx context.Context, id types.DocumentID) (types.ChangeSignal, bool)

// Source enumerates the documents of one origin.
//
// Documents yields each observed document. A non-nil error means the listing
// is incomplete; it may be paired with a document (a failed fetch whose
// descendants could not be discovered) or with nil. Documents that no longer
// exist are simply not yielded.
type Source interface {
	Name() string
	Documents(ctx context.Context, lookup ValidatorLookup) iter.Seq2[*FetchedDocument, error]
}

// MediaTypeFor resolves a media type from a Content-Type header, falling back
// to the file extension of name
func MediaTypeFor(header, name string) string {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil {
			switch mt {
			case "text/x-markdown":
				return MediaMarkdown
			case "application/xhtml+xml":
				return MediaHTML
			}
			return mt
		}
	}

	switch strings.ToLower(path.Ext(name)) {
	case ".md", ".markdown":
		return MediaMarkdown
	case ".txt", ".text":
		return MediaText
	default:
		return MediaHTML
	}
}

func noLookup(context.Context, types.DocumentID) (types.ChangeSignal, bool) {
	return types.ChangeSignal{}, false
}
