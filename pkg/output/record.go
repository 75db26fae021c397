// Package output provides JSONL run reports.
//
// A report is a stream of typed record envelopes: one per job disposition,
// one per input error, and a final summary. Each line is a self-contained
// JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: ipsbatch.<type>.v<version>
const (
	// TypeJob identifies job disposition records.
	TypeJob = "ipsbatch.job.v1"

	// TypeError identifies input error records.
	TypeError = "ipsbatch.error.v1"

	// TypePlan identifies dry-run plan records.
	TypePlan = "ipsbatch.plan.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "ipsbatch.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "ipsbatch.job.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID for this run.
	RunID string `json:"run_id"`

	// Service identifies the remote service (e.g., "interpro").
	Service string `json:"service"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// JobRecord is the data payload for a job disposition.
type JobRecord struct {
	Title       string `json:"title"`
	Group       string `json:"group"`
	RecordID    string `json:"record_id"`
	Handle      string `json:"handle,omitempty"`
	Disposition string `json:"disposition"`
	Reason      string `json:"reason,omitempty"`
	OutputPath  string `json:"output_path,omitempty"`

	SubmitFailures int `json:"submit_failures"`
	Polls          int `json:"polls"`
}

// ErrorRecord is the data payload for input errors.
//
// Errors are emitted as records rather than failing the run, so a report
// shows which groups contributed nothing.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Group is the group label related to this error, if applicable.
	Group string `json:"group,omitempty"`

	// Path is the input file related to this error, if applicable.
	Path string `json:"path,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeGroupUnreadable = "GROUP_UNREADABLE"
	ErrCodeMalformed       = "MALFORMED_RECORD"
	ErrCodeInternal        = "INTERNAL"
)

// PlanRecord is the data payload for one group of a dry run.
type PlanRecord struct {
	Group     string `json:"group"`
	Path      string `json:"path"`
	Records   int    `json:"records"`
	Existing  int    `json:"existing"`
	Malformed int    `json:"malformed"`
	Pending   int    `json:"pending"`
}

// GroupCounts is the per-group part of a summary.
type GroupCounts struct {
	Group     string `json:"group"`
	Records   int    `json:"records"`
	Submitted int    `json:"submitted"`
	Skipped   int    `json:"skipped"`
	Malformed int    `json:"malformed"`
	Persisted int    `json:"persisted"`
	Failed    int    `json:"failed"`
}

// SummaryRecord is the data payload for the final summary.
type SummaryRecord struct {
	State     string `json:"state"`
	Records   int    `json:"records"`
	Submitted int    `json:"submitted"`
	Skipped   int    `json:"skipped"`
	Malformed int    `json:"malformed"`
	Persisted int    `json:"persisted"`
	Failed    int    `json:"failed"`

	// Outstanding counts jobs left in flight by an interrupted run.
	Outstanding int `json:"outstanding"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	Groups []GroupCounts `json:"groups,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
