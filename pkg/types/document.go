package types

import (
	"crypto/sha256"
	"encoding/hex"
)

// DocumentID is the stable identifier of a source document
type DocumentID string

// SignalKind describes how a ChangeSignal was produced
type SignalKind string

const (
	SignalETag         SignalKind = "etag"
	SignalLastModified SignalKind = "last-modified"
	SignalDigest       SignalKind = "sha256"
)

// ChangeSignal summarizes whether a fetched document might have changed
type ChangeSignal struct {
	Kind  SignalKind `json:"kind"`
	Value string     `json:"value"`
}

// DigestSignal returns a content digest signal for raw bytes
func DigestSignal(content []byte) ChangeSignal {
	sum := sha256.Sum256(content)
	return ChangeSignal{Kind: SignalDigest, Value: hex.EncodeToString(sum[:])}
}

// IsZero reports whether the signal carries no value
func (s ChangeSignal) IsZero() bool {
	return s.Kind == "" && s.Value == ""
}

// Equal compares two signals. Signals of different kinds never compare equal.
func (s ChangeSignal) Equal(other ChangeSignal) bool {
	if s.IsZero() || other.IsZero() {
		return false
	}
	return s.Kind == other.Kind && s.Value == other.Value
}

func (s ChangeSignal) String() string {
	if s.IsZero() {
		return "<none>"
	}
	return string(s.Kind) + ":" + s.Value
}
