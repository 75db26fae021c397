package orchestrator

import (
	"context"
	"time"

	"github.com/3leaps/ipsbatch/pkg/job"
)

// Disposition is the final outcome of one input record in a run.
type Disposition string

const (
	DispositionPersisted      Disposition = "persisted"
	DispositionSkipped        Disposition = "skipped"
	DispositionMalformed      Disposition = "malformed"
	DispositionFailedSubmit   Disposition = Disposition(job.StatusFailedSubmit)
	DispositionFailedPoll     Disposition = Disposition(job.StatusFailedPoll)
	DispositionFailedRetrieve Disposition = Disposition(job.StatusFailedRetrieve)
	DispositionFailedPersist  Disposition = Disposition(job.StatusFailedPersist)
)

// Failed reports whether d is a failure disposition.
func (d Disposition) Failed() bool {
	return job.Status(d).Failed()
}

// Outcome describes a record that reached its final disposition.
type Outcome struct {
	Title          string      `json:"title"`
	Group          string      `json:"group"`
	RecordID       string      `json:"record_id"`
	Handle         string      `json:"handle,omitempty"`
	OutputPath     string      `json:"output_path,omitempty"`
	Disposition    Disposition `json:"disposition"`
	Reason         string      `json:"reason,omitempty"`
	SubmitFailures int         `json:"submit_failures"`
	Polls          int         `json:"polls"`
	At             time.Time   `json:"at"`
}

func outcomeOf(j *job.Job, d Disposition, at time.Time) Outcome {
	return Outcome{
		Title:          j.Title,
		Group:          j.Group,
		RecordID:       j.RecordID,
		Handle:         j.Handle,
		OutputPath:     j.OutputPath,
		Disposition:    d,
		Reason:         j.Reason(),
		SubmitFailures: j.SubmitFailures,
		Polls:          j.Polls,
		At:             at,
	}
}

// Recorder receives every final disposition, e.g. to write a ledger row or
// a report line. Errors are logged and do not affect the job.
type Recorder interface {
	Record(ctx context.Context, o Outcome) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, o Outcome) error

// Record calls f.
func (f RecorderFunc) Record(ctx context.Context, o Outcome) error {
	return f(ctx, o)
}

// Metrics receives orchestrator counters. Implementations must be cheap and
// must not block.
type Metrics interface {
	// Outcome counts a final disposition.
	Outcome(d Disposition)

	// SubmitAttempt counts one submit call and whether it failed.
	SubmitAttempt(failed bool)

	// PollPass records one poll pass and the jobs still outstanding after it.
	PollPass(d time.Duration, outstanding int)

	// InFlight reports the current number of submitted jobs.
	InFlight(n int)
}

type nopMetrics struct{}

func (nopMetrics) Outcome(Disposition)         {}
func (nopMetrics) SubmitAttempt(bool)          {}
func (nopMetrics) PollPass(time.Duration, int) {}
func (nopMetrics) InFlight(int)                {}
