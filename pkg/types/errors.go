package types

import "errors"

// Error taxonomy shared by all pipeline stages
var (
	// ErrTransient marks a collaborator failure that may succeed on retry
	ErrTransient = errors.New("transient failure")
	// ErrPermanent marks a document that cannot be processed as is
	ErrPermanent = errors.New("permanent failure")
	// ErrConflict is returned when a compare-and-set loses a race
	ErrConflict = errors.New("version conflict")
	// ErrInvariantViolation marks a chunk id collision across documents
	ErrInvariantViolation = errors.New("store invariant violation")
	// ErrStoreUnavailable aborts a run when the fingerprint store cannot be reached
	ErrStoreUnavailable = errors.New("fingerprint store unavailable")
	// ErrMalformedCandidate is a chunk candidate that breaks the chunker contract
	ErrMalformedCandidate = errors.New("malformed chunk candidate")
)

// FailureKind classifies a per-document failure for reporting
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
	FailureInvariant FailureKind = "invariant"
)

// ClassifyFailure maps an error onto a FailureKind. Unknown errors are
// treated as transient so that the next run retries the document.
func ClassifyFailure(err error) FailureKind {
	switch {
	case errors.Is(err, ErrInvariantViolation):
		return FailureInvariant
	case errors.Is(err, ErrPermanent), errors.Is(err, ErrMalformedCandidate):
		return FailurePermanent
	default:
		return FailureTransient
	}
}
