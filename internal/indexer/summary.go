package indexer

import (
	"time"

	"github.com/ncolesummers/document-ingestor/internal/storage"
	"github.com/ncolesummers/document-ingestor/pkg/types"
)

// OutcomeKind is the result of processing one document in a run
type OutcomeKind string

const (
	OutcomeSkipped    OutcomeKind = "skipped"
	OutcomeUpserted   OutcomeKind = "upserted"
	OutcomeRemoved    OutcomeKind = "removed"
	OutcomeSuperseded OutcomeKind = "superseded"
	OutcomeFailed     OutcomeKind = "failed"
	OutcomeCancelled  OutcomeKind = "cancelled"
)

// Outcome reports what happened to one document
type Outcome struct {
	DocumentID     types.DocumentID
	URI            string
	Kind           OutcomeKind
	Classification types.Classification
	Upserts        int
	Deletes        int
	Swept          int
	Failure        types.FailureKind
	Err            error
	Detail         string

	// fatal aborts the whole run
	fatal error
}

// Failure is a failed document as listed in the run summary
type Failure struct {
	DocumentID types.DocumentID `json:"document_id"`
	Kind       types.FailureKind `json:"kind"`
	Message    string            `json:"message"`
}

// PlanOps counts index operations applied during a run. Swept counts chunks
// deleted outside any plan because no manifest listed them.
type PlanOps struct {
	Upserts int `json:"upserts"`
	Deletes int `json:"deletes"`
	Swept   int `json:"swept,omitempty"`
}

// Summary is the outcome of one run
type Summary struct {
	RunID        string        `json:"run_id"`
	Source       string        `json:"source"`
	Status       string        `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	Skipped      int           `json:"skipped"`
	UpsertedDocs int           `json:"upserted_docs"`
	RemovedDocs  int           `json:"removed_docs"`
	FailedDocs   int           `json:"failed_docs"`
	Superseded   int           `json:"superseded"`
	Cancelled    int           `json:"cancelled"`
	PlanOps      PlanOps       `json:"plan_ops"`
	Duration     time.Duration `json:"duration"`
	Failures     []Failure     `json:"failures,omitempty"`
}

func (s *Summary) add(o Outcome) {
	s.PlanOps.Upserts += o.Upserts
	s.PlanOps.Deletes += o.Deletes
	s.PlanOps.Swept += o.Swept

	switch o.Kind {
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeUpserted:
		s.UpsertedDocs++
	case OutcomeRemoved:
		s.RemovedDocs++
	case OutcomeSuperseded:
		s.Superseded++
	case OutcomeCancelled:
		s.Cancelled++
	case OutcomeFailed:
		s.FailedDocs++
		msg := ""
		if o.Err != nil {
			msg = o.Err.Error()
		}
		s.Failures = append(s.Failures, Failure{DocumentID: o.DocumentID, Kind: o.Failure, Message: msg})
	}
}

func (s *Summary) runRecord(finishedAt time.Time, err error) *storage.RunRecord {
	rec := &storage.RunRecord{
		ID:         s.RunID,
		Source:     s.Source,
		Status:     s.Status,
		StartedAt:  s.StartedAt,
		FinishedAt: finishedAt,
		Skipped:    s.Skipped,
		Upserted:   s.UpsertedDocs,
		Removed:    s.RemovedDocs,
		Failed:     s.FailedDocs,
		Superseded: s.Superseded,
		Cancelled:  s.Cancelled,
		Upserts:    s.PlanOps.Upserts,
		Deletes:    s.PlanOps.Deletes,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}
