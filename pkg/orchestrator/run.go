package orchestrator

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/ipsbatch/pkg/auditlog"
	"github.com/3leaps/ipsbatch/pkg/job"
	"github.com/3leaps/ipsbatch/pkg/seqio"
)

// Builder turns an input record into a Job.
type Builder interface {
	Build(rec seqio.Record, group string) (*job.Job, error)
}

// GroupSummary holds per-group progress.
type GroupSummary struct {
	Label     string `json:"label"`
	Records   int    `json:"records"`
	Submitted int    `json:"submitted"`
	Skipped   int    `json:"skipped"`
	Malformed int    `json:"malformed"`
	Persisted int    `json:"persisted"`
	Failed    int    `json:"failed"`
	ReadError string `json:"read_error,omitempty"`
}

// Summary is the end-of-run report.
type Summary struct {
	RunID string `json:"run_id"`

	Records   int `json:"records"`
	Submitted int `json:"submitted"`
	Skipped   int `json:"skipped"`
	Malformed int `json:"malformed"`
	Persisted int `json:"persisted"`
	Failed    int `json:"failed"`

	// Outstanding counts jobs still submitted or finished when the run
	// stopped early. It is zero after a complete run.
	Outstanding int `json:"outstanding"`

	// GroupErrors counts groups whose input could not be read.
	GroupErrors int `json:"group_errors"`

	Failures []Outcome      `json:"failures,omitempty"`
	Groups   []GroupSummary `json:"groups"`

	Duration time.Duration `json:"duration_ns"`
}

// Snapshot is a point-in-time view of the orchestrator collections.
type Snapshot struct {
	RunID     string `json:"run_id"`
	Submitted int    `json:"submitted"`
	Finished  int    `json:"finished"`
	Failed    int    `json:"failed"`
	Persisted int    `json:"persisted"`
	Skipped   int    `json:"skipped"`
	Records   int    `json:"records"`
	Limit     int    `json:"batch_limit"`
}

// Run drives every record of stream through the lifecycle.
//
// For each record it builds a job and submits it; whenever the batch limit
// is reached it polls and retrieves before reading on. After the stream is
// exhausted it drains the remaining jobs. Malformed records and unreadable
// groups are logged and counted; they never stop the run.
//
// Cancellation is checked between records and inside every blocking call.
// On cancellation Run returns the partial summary together with ctx.Err().
func (o *Orchestrator) Run(ctx context.Context, stream seqio.RecordStream, b Builder) (*Summary, error) {
	start := o.now()
	var current string

	runErr := func() error {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}

			label, rec, err := stream.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if label != current {
				o.logGroupDone(current)
				current = label
			}
			if err != nil {
				var ge *seqio.GroupError
				if errors.As(err, &ge) {
					o.mu.Lock()
					o.stats.streamErr++
					o.group(label).ReadError = ge.Err.Error()
					o.mu.Unlock()
					o.logger.Error("Group input unreadable",
						zap.String("group", label),
						zap.Error(err))
					continue
				}
				return err
			}

			o.mu.Lock()
			o.stats.records++
			o.group(label).Records++
			o.mu.Unlock()

			j, err := b.Build(rec, label)
			if err != nil {
				o.malformed(ctx, label, rec, err)
				continue
			}

			if _, err := o.Submit(ctx, j); err != nil {
				if errors.Is(err, ErrDuplicateTitle) {
					o.malformed(ctx, label, rec, err)
					continue
				}
				return err
			}

			o.mu.Lock()
			full := len(o.submitted) >= o.config.BatchLimit
			o.mu.Unlock()
			if full {
				if err := o.drain(ctx); err != nil {
					return err
				}
			}
		}
		o.logGroupDone(current)
		return o.drain(ctx)
	}()

	if runErr == nil {
		o.auditLog(auditlog.KindEnd, o.config.RunID)
	} else {
		o.logger.Warn("Run stopped early", zap.Error(runErr))
	}

	sum := o.Summary()
	sum.Duration = o.now().Sub(start)
	return sum, runErr
}

func (o *Orchestrator) drain(ctx context.Context) error {
	if err := o.Poll(ctx); err != nil {
		return err
	}
	return o.Retrieve(ctx)
}

func (o *Orchestrator) malformed(ctx context.Context, label string, rec seqio.Record, err error) {
	o.mu.Lock()
	o.stats.malformed++
	o.group(label).Malformed++
	o.mu.Unlock()

	o.logger.Warn("Skipping malformed record",
		zap.String("group", label),
		zap.String("record", rec.ID),
		zap.Error(err))
	o.record(ctx, Outcome{
		Title:       job.Title(label, rec.ID),
		Group:       label,
		RecordID:    rec.ID,
		Disposition: DispositionMalformed,
		Reason:      err.Error(),
		At:          o.now(),
	})
}

func (o *Orchestrator) logGroupDone(label string) {
	if label == "" {
		return
	}
	o.mu.Lock()
	g, ok := o.groups[label]
	var cp GroupSummary
	if ok {
		cp = *g
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	o.logger.Info("Group read",
		zap.String("group", cp.Label),
		zap.Int("records", cp.Records),
		zap.Int("submitted", cp.Submitted),
		zap.Int("skipped", cp.Skipped),
		zap.Int("malformed", cp.Malformed))
}

// Summary returns the current totals. Duration is set only by Run.
func (o *Orchestrator) Summary() *Summary {
	o.mu.Lock()
	defer o.mu.Unlock()

	sum := &Summary{
		RunID:       o.config.RunID,
		Records:     o.stats.records,
		Submitted:   o.stats.submitted,
		Skipped:     o.stats.skipped,
		Malformed:   o.stats.malformed,
		Persisted:   len(o.persisted),
		Failed:      len(o.failed),
		Outstanding: len(o.submitted) + len(o.finished) + o.polling,
		GroupErrors: o.stats.streamErr,
		Groups:      make([]GroupSummary, 0, len(o.order)),
	}
	for _, j := range o.failed {
		sum.Failures = append(sum.Failures, outcomeOf(j, Disposition(j.Status), j.FinishedAt))
	}
	for _, label := range o.order {
		sum.Groups = append(sum.Groups, *o.groups[label])
	}
	return sum
}

// Snapshot returns the current collection sizes.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		RunID:     o.config.RunID,
		Submitted: len(o.submitted) + o.polling,
		Finished:  len(o.finished),
		Failed:    len(o.failed),
		Persisted: len(o.persisted),
		Skipped:   o.stats.skipped,
		Records:   o.stats.records,
		Limit:     o.config.BatchLimit,
	}
}
