package main

import (
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/ncolesummers/document-ingestor/internal/indexer"
)

// progress shows a spinner while a run is in flight. It is inert unless w is
// a terminal.
type progress struct {
	bar *progressbar.ProgressBar
}

func newProgress(w io.Writer, source string, enabled bool) *progress {
	f, ok := w.(*os.File)
	if !enabled || !ok || !term.IsTerminal(int(f.Fd())) {
		return &progress{}
	}
	return &progress{bar: progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(color.CyanString("ingesting "+source)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetItsString("docs"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(20),
		progressbar.OptionClearOnFinish(),
	)}
}

// observe is the run's outcome callback; calls are serialized by the indexer
func (p *progress) observe(indexer.Outcome) {
	if p.bar != nil {
		_ = p.bar.Add(1)
	}
}

func (p *progress) finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}
