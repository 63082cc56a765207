// Package detector classifies an observed document against its stored
// fingerprint.
package detector

import "github.com/ncolesummers/document-ingestor/pkg/types"

// Classify decides what a run must do with a document. fp is nil when no
// fingerprint exists. present reports whether the source yielded the
// document during this run.
//
// A document whose signal matches but whose manifest carries invalidated
// entries is reported as changed so the run repairs those chunks.
func Classify(fp *types.Fingerprint, signal types.ChangeSignal, present, force bool) types.Classification {
	switch {
	case !present && fp == nil:
		return types.ClassAbsent
	case !present:
		return types.ClassRemoved
	case fp == nil:
		return types.ClassNew
	case force:
		return types.ClassChanged
	case !signal.Equal(fp.ChangeSignal):
		return types.ClassChanged
	case fp.Manifest.HasInvalid():
		return types.ClassChanged
	default:
		return types.ClassUnchanged
	}
}
