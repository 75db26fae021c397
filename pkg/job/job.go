// Package job defines the unit of remote work tracked by the orchestrator.
//
// A Job pairs one outbound analysis request (a protein sequence plus the
// selected InterPro applications) with the local bookkeeping needed to drive
// it through the remote lifecycle: its title, the deterministic output path,
// the remote handle, its status, and retry counters.
//
// Jobs are built by a Factory and mutated only by the orchestrator.
package job

import (
	"time"
)

// Status is the lifecycle status of a Job.
//
// NOTE: These values are written to the run ledger and report records and
// are part of the stable on-disk contract.
type Status string

const (
	StatusCreated        Status = "created"
	StatusSubmitted      Status = "submitted"
	StatusPolling        Status = "polling"
	StatusFinished       Status = "finished"
	StatusRetrieved      Status = "retrieved"
	StatusFailedSubmit   Status = "failed_submit"
	StatusFailedPoll     Status = "failed_poll"
	StatusFailedRetrieve Status = "failed_retrieve"
	StatusFailedPersist  Status = "failed_persist"
)

// Terminal reports whether no further transition can occur from s.
//
// Retrieved is terminal from the job's point of view: the orchestrator moves
// the job into its persisted collection in the same step.
func (s Status) Terminal() bool {
	switch s {
	case StatusRetrieved, StatusFailedSubmit, StatusFailedPoll, StatusFailedRetrieve, StatusFailedPersist:
		return true
	default:
		return false
	}
}

// Failed reports whether s is one of the failure dispositions.
func (s Status) Failed() bool {
	switch s {
	case StatusFailedSubmit, StatusFailedPoll, StatusFailedRetrieve, StatusFailedPersist:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	return string(s)
}

// Payload is the outbound request content. It is immutable once built.
type Payload struct {
	// Sequence is the protein sequence with trailing sentinels removed.
	Sequence string `json:"sequence"`

	// Applications selects the InterPro member databases to search.
	// Empty means the service default (all applications).
	Applications []string `json:"applications,omitempty"`

	// Format is the result type to fetch once the job finishes (e.g. "json").
	Format string `json:"format"`

	// GoTerms requests GO term lookup.
	GoTerms bool `json:"goterms"`

	// Pathways requests pathway lookup.
	Pathways bool `json:"pathways"`
}

// Job is one remote analysis request plus its local bookkeeping state.
type Job struct {
	// Title is unique within a run: <group>_<sanitized record id>.
	Title string

	// Group is the label of the input group the record came from.
	Group string

	// RecordID is the unsanitized identifier from the input record.
	RecordID string

	Payload Payload

	// OutputPath is derived solely from Title and never changes.
	OutputPath string

	// Handle is the remote job identifier; empty until submitted.
	Handle string

	Status Status

	// SubmitFailures counts failed submission attempts.
	SubmitFailures int

	// Polls counts poll cycles that did not observe a finished job.
	Polls int

	// Err holds the reason for a failure disposition.
	Err error

	CreatedAt   time.Time
	SubmittedAt time.Time
	FinishedAt  time.Time
}

// RetryCount is the total of failed submission attempts and unfinished polls.
func (j *Job) RetryCount() int {
	return j.SubmitFailures + j.Polls
}

// Reason returns the failure reason as a string, or "" when the job has none.
func (j *Job) Reason() string {
	if j.Err == nil {
		return ""
	}
	return j.Err.Error()
}
