package fetcher

import (
	"context"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ncolesummers/document-ingestor/pkg/types"
)

// FilesystemConfig configures a FilesystemSource
type FilesystemConfig struct {
	Name       string
	Root       string
	Extensions []string
}

// FilesystemSource yields the files under a directory tree. Signals are
// content digests since files carry no validators.
type FilesystemSource struct {
	name       string
	root       string
	extensions map[string]bool
	now        func() time.Time
}

var _ Source = (*FilesystemSource)(nil)

// NewFilesystemSource creates a source rooted at config.Root
func NewFilesystemSource(config FilesystemConfig) (*FilesystemSource, error) {
	root, err := filepath.Abs(config.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", root)
	}

	exts := config.Extensions
	if len(exts) == 0 {
		exts = []string{".md", ".markdown", ".txt", ".html", ".htm"}
	}
	extensions := make(map[string]bool, len(exts))
	for _, ext := range exts {
		extensions[strings.ToLower(ext)] = true
	}

	name := config.Name
	if name == "" {
		name = "files"
	}

	return &FilesystemSource{
		name:       name,
		root:       root,
		extensions: extensions,
		now:        time.Now,
	}, nil
}

func (f *FilesystemSource) Name() string {
	return f.name
}

// DocumentIDForPath returns the document id used for an absolute file path
func DocumentIDForPath(abs string) types.DocumentID {
	return types.DocumentID("file://" + filepath.ToSlash(abs))
}

func (f *FilesystemSource) Documents(ctx context.Context, _ ValidatorLookup) iter.Seq2[*FetchedDocument, error] {
	return func(yield func(*FetchedDocument, error) bool) {
		stopped := false
		walkErr := filepath.WalkDir(f.root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() {
				if p != f.root && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() || !f.extensions[strings.ToLower(filepath.Ext(p))] {
				return nil
			}

			doc := &FetchedDocument{
				ID:          DocumentIDForPath(p),
				URI:         p,
				Source:      f.name,
				ContentType: MediaTypeFor("", p),
				Title:       strings.TrimSuffix(d.Name(), filepath.Ext(p)),
				ObservedAt:  f.now(),
			}
			content, err := os.ReadFile(p)
			if err != nil {
				doc.Err = fmt.Errorf("%w: read %s: %w", types.ErrTransient, p, err)
			} else {
				doc.Content = content
				doc.Signal = types.DigestSignal(content)
			}

			if !yield(doc, nil) {
				stopped = true
				return filepath.SkipAll
			}
			return nil
		})
		if walkErr != nil && !stopped {
			yield(nil, fmt.Errorf("%w: %w", ErrIncompleteListing, walkErr))
		}
	}
}
