// Package orchestrator drives jobs through the remote lifecycle.
//
// The orchestrator owns four disjoint collections of jobs:
//
//	submitted  jobs outstanding at the remote service (at most BatchLimit)
//	finished   jobs the service reported as done, awaiting retrieval
//	failed     jobs with a failure disposition
//	persisted  jobs whose result was written by the result store
//
// A job lives in exactly one collection at a time and moves between them;
// it is never copied. Submission, polling and retrieval alternate: no job is
// submitted while a poll pass is in progress.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/ipsbatch/pkg/auditlog"
	"github.com/3leaps/ipsbatch/pkg/job"
	"github.com/3leaps/ipsbatch/pkg/remote"
	"github.com/3leaps/ipsbatch/pkg/resultstore"
)

// Orchestrator runs the submit/poll/retrieve cycle.
//
// Submit, Poll, Retrieve and Run must be called from a single goroutine.
// Snapshot and Summary may be called concurrently with them.
type Orchestrator struct {
	svc    remote.Service
	store  resultstore.Store
	audit  auditlog.Logger
	config Config

	logger    *zap.Logger
	metrics   Metrics
	recorders []Recorder
	now       func() time.Time

	mu        sync.Mutex
	submitted []*job.Job
	finished  []*job.Job
	failed    []*job.Job
	persisted []*job.Job

	// polling is the number of jobs taken out of submitted by the current
	// poll pass.
	polling int

	stats  counters
	titles map[string]struct{}
	groups map[string]*GroupSummary
	order  []string
}

type counters struct {
	records   int
	submitted int
	skipped   int
	malformed int
	streamErr int
}

// New creates an orchestrator and writes the BEGIN audit entry.
//
// An audit log that cannot be written is fatal to the run.
func New(svc remote.Service, store resultstore.Store, audit auditlog.Logger, cfg Config) (*Orchestrator, error) {
	if svc == nil {
		return nil, errors.New("remote service is required")
	}
	if store == nil {
		return nil, errors.New("result store is required")
	}
	if audit == nil {
		return nil, errors.New("audit log is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	o := &Orchestrator{
		svc:     svc,
		store:   store,
		audit:   audit,
		config:  cfg,
		logger:  zap.NewNop(),
		metrics: nopMetrics{},
		now:     time.Now,
		titles:  make(map[string]struct{}),
		groups:  make(map[string]*GroupSummary),
	}

	if err := audit.Log(auditlog.KindBegin, cfg.RunID); err != nil {
		return nil, fmt.Errorf("write audit log: %w", err)
	}
	return o, nil
}

// WithLogger sets the logger. Returns the orchestrator for chaining.
func (o *Orchestrator) WithLogger(l *zap.Logger) *Orchestrator {
	if l != nil {
		o.logger = l
	}
	return o
}

// WithMetrics sets the metrics sink. Returns the orchestrator for chaining.
func (o *Orchestrator) WithMetrics(m Metrics) *Orchestrator {
	if m != nil {
		o.metrics = m
	}
	return o
}

// WithRecorder adds a recorder for final dispositions.
func (o *Orchestrator) WithRecorder(r Recorder) *Orchestrator {
	if r != nil {
		o.recorders = append(o.recorders, r)
	}
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.config
}

// Submit sends j to the remote service.
//
// It returns true only when j took a submission slot. A skipped job (output
// already present) returns false with no error. A job whose attempts are
// exhausted moves to failed and also returns false with no error. The only
// errors returned are ErrBatchFull, ErrDuplicateTitle and context
// cancellation; in all cases j is not tracked.
//
// A title is claimed by the first Submit that gets past the batch check and
// stays claimed for the life of the orchestrator, whatever the outcome.
func (o *Orchestrator) Submit(ctx context.Context, j *job.Job) (occupied bool, err error) {
	if j == nil {
		return false, errors.New("job is nil")
	}

	o.mu.Lock()
	full := len(o.submitted) >= o.config.BatchLimit
	o.mu.Unlock()
	if full {
		return false, ErrBatchFull
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if !o.claimTitle(j.Title) {
		return false, fmt.Errorf("%w: %s", ErrDuplicateTitle, j.Title)
	}
	defer func() {
		if err != nil {
			o.releaseTitle(j.Title)
		}
	}()

	if o.config.SkipExisting {
		exists, err := o.store.Exists(j)
		if err != nil {
			j.Err = fmt.Errorf("%w: check output: %v", ErrSubmitFailed, err)
			o.fail(ctx, j, job.StatusFailedSubmit, auditlog.KindFailSub)
			return false, nil
		}
		if exists {
			o.mu.Lock()
			o.stats.skipped++
			o.group(j.Group).Skipped++
			o.mu.Unlock()
			o.auditLog(auditlog.KindSkip, j.Title)
			o.logger.Debug("Output exists, skipping",
				zap.String("title", j.Title),
				zap.String("path", j.OutputPath))
			o.record(ctx, outcomeOf(j, DispositionSkipped, o.now()))
			return false, nil
		}
	}

	var lastErr error
	for attempt := 1; attempt <= o.config.SubmitAttempts; attempt++ {
		handle, err := o.svc.Submit(ctx, j.Title, j.Payload)
		if err == nil {
			o.metrics.SubmitAttempt(false)
			j.Handle = handle
			j.Status = job.StatusSubmitted
			j.SubmittedAt = o.now()

			o.mu.Lock()
			o.submitted = append(o.submitted, j)
			o.stats.submitted++
			o.group(j.Group).Submitted++
			inFlight := len(o.submitted)
			o.mu.Unlock()

			o.metrics.InFlight(inFlight)
			o.auditLog(auditlog.KindSubmit, j.Title)
			o.logger.Debug("Job submitted",
				zap.String("title", j.Title),
				zap.String("handle", handle),
				zap.Int("attempt", attempt))
			return true, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}

		o.metrics.SubmitAttempt(true)
		j.SubmitFailures++
		lastErr = err
		o.logger.Warn("Submit attempt failed",
			zap.String("title", j.Title),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", o.config.SubmitAttempts),
			zap.Error(err))

		if attempt < o.config.SubmitAttempts {
			if err := sleepCtx(ctx, o.config.SubmitDelay); err != nil {
				return false, err
			}
		}
	}

	j.Err = fmt.Errorf("%w after %d attempts: %v", ErrSubmitFailed, j.SubmitFailures, lastErr)
	o.fail(ctx, j, job.StatusFailedSubmit, auditlog.KindFailSub)
	return false, nil
}

func (o *Orchestrator) claimTitle(title string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, seen := o.titles[title]; seen {
		return false
	}
	o.titles[title] = struct{}{}
	return true
}

// releaseTitle undoes a claim for a job that was never tracked.
func (o *Orchestrator) releaseTitle(title string) {
	o.mu.Lock()
	delete(o.titles, title)
	o.mu.Unlock()
}

type pollResult struct {
	status remote.Status
	err    error
}

// Poll drains submitted.
//
// Each pass queries every outstanding job once, in queue order. A finished
// job moves to finished. A job the service reports as failed, or one that
// stays unfinished for more than PollMax polls, moves to failed as
// failed_poll. Any other job goes back to the end of the queue. After a pass
// that leaves jobs outstanding Poll sleeps PollInterval.
//
// On cancellation the unprocessed jobs stay in submitted and ctx.Err() is
// returned.
func (o *Orchestrator) Poll(ctx context.Context) error {
	for {
		o.mu.Lock()
		pass := o.submitted
		o.submitted = nil
		o.polling = len(pass)
		o.mu.Unlock()

		if len(pass) == 0 {
			return nil
		}

		start := o.now()
		results := o.pollPass(ctx, pass)

		var cancelled error
		for i, j := range pass {
			o.mu.Lock()
			o.polling--
			o.mu.Unlock()

			res := results[i]
			if res.err != nil && ctx.Err() != nil {
				cancelled = ctx.Err()
				o.requeue(j)
				continue
			}
			o.applyPoll(ctx, j, res)
		}

		o.mu.Lock()
		outstanding := len(o.submitted)
		o.mu.Unlock()
		o.metrics.PollPass(o.now().Sub(start), outstanding)
		o.metrics.InFlight(outstanding)

		if cancelled != nil {
			return cancelled
		}
		if outstanding == 0 {
			return nil
		}

		o.logger.Debug("Poll pass complete",
			zap.Int("outstanding", outstanding),
			zap.Duration("sleep", o.config.PollInterval))
		if err := sleepCtx(ctx, o.config.PollInterval); err != nil {
			return err
		}
	}
}

// pollPass queries the status of every job in pass, with at most
// PollWorkers requests in flight.
func (o *Orchestrator) pollPass(ctx context.Context, pass []*job.Job) []pollResult {
	results := make([]pollResult, len(pass))

	if o.config.PollWorkers <= 1 {
		for i, j := range pass {
			if err := ctx.Err(); err != nil {
				results[i] = pollResult{err: err}
				continue
			}
			st, err := o.svc.Poll(ctx, j.Handle)
			results[i] = pollResult{status: st, err: err}
		}
		return results
	}

	sem := make(chan struct{}, o.config.PollWorkers)
	var wg sync.WaitGroup
	for i, j := range pass {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			results[i] = pollResult{err: ctx.Err()}
			continue
		}
		wg.Add(1)
		go func(i int, handle string) {
			defer wg.Done()
			defer func() { <-sem }()
			st, err := o.svc.Poll(ctx, handle)
			results[i] = pollResult{status: st, err: err}
		}(i, j.Handle)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) applyPoll(ctx context.Context, j *job.Job, res pollResult) {
	switch {
	case res.err == nil && res.status == remote.StatusFinished:
		j.Status = job.StatusFinished
		j.FinishedAt = o.now()
		o.mu.Lock()
		o.finished = append(o.finished, j)
		o.mu.Unlock()
		o.auditLog(auditlog.KindPoll, j.Title)
		o.logger.Debug("Job finished",
			zap.String("title", j.Title),
			zap.Int("polls", j.Polls))

	case res.err == nil && res.status == remote.StatusError:
		j.Err = fmt.Errorf("%w: service reported job %s as failed", ErrPollTimeout, j.Handle)
		o.fail(ctx, j, job.StatusFailedPoll, auditlog.KindFailMax)

	default:
		if res.err != nil {
			o.logger.Warn("Poll failed",
				zap.String("title", j.Title),
				zap.String("handle", j.Handle),
				zap.Error(res.err))
		}
		j.Polls++
		j.Status = job.StatusPolling
		if j.Polls > o.config.PollMax {
			reason := "still running"
			if res.err != nil {
				reason = res.err.Error()
			}
			j.Err = fmt.Errorf("%w after %d polls: %s", ErrPollTimeout, j.Polls, reason)
			o.fail(ctx, j, job.StatusFailedPoll, auditlog.KindFailMax)
			return
		}
		o.requeue(j)
	}
}

func (o *Orchestrator) requeue(j *job.Job) {
	o.mu.Lock()
	o.submitted = append(o.submitted, j)
	o.mu.Unlock()
}

// Retrieve drains finished: each result is fetched and persisted, in
// completion order.
//
// A fetch failure moves the job to failed as failed_retrieve; it is not
// re-queued within the run. A persist failure moves it to failed as
// failed_persist; the output file is never left behind, so a later run
// submits the job again. On cancellation the remaining jobs stay in
// finished and ctx.Err() is returned.
func (o *Orchestrator) Retrieve(ctx context.Context) error {
	for {
		o.mu.Lock()
		if len(o.finished) == 0 {
			o.mu.Unlock()
			return nil
		}
		j := o.finished[0]
		o.finished = o.finished[1:]
		o.mu.Unlock()

		payload, err := o.svc.FetchResult(ctx, j.Handle, j.Payload.Format)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				o.mu.Lock()
				o.finished = append([]*job.Job{j}, o.finished...)
				o.mu.Unlock()
				return ctxErr
			}
			j.Err = fmt.Errorf("%w: %v", ErrRetrievalFailed, err)
			o.fail(ctx, j, job.StatusFailedRetrieve, auditlog.KindFailRet)
			continue
		}

		if err := o.store.Persist(ctx, j, payload); err != nil {
			j.Err = fmt.Errorf("%w: %v", ErrPersistFailed, err)
			o.fail(ctx, j, job.StatusFailedPersist, auditlog.KindFailPer)
			continue
		}

		j.Status = job.StatusRetrieved
		o.mu.Lock()
		o.persisted = append(o.persisted, j)
		o.group(j.Group).Persisted++
		o.mu.Unlock()

		o.auditLog(auditlog.KindRetrieve, j.Title)
		o.logger.Debug("Result persisted",
			zap.String("title", j.Title),
			zap.String("path", j.OutputPath),
			zap.Int("bytes", len(payload)))
		o.record(ctx, outcomeOf(j, DispositionPersisted, o.now()))
	}
}

// fail moves j to failed with status st and writes the audit entry.
func (o *Orchestrator) fail(ctx context.Context, j *job.Job, st job.Status, kind auditlog.Kind) {
	j.Status = st
	if j.FinishedAt.IsZero() {
		j.FinishedAt = o.now()
	}
	o.mu.Lock()
	o.failed = append(o.failed, j)
	o.group(j.Group).Failed++
	o.mu.Unlock()

	o.auditLog(kind, j.Title)
	o.logger.Warn("Job failed",
		zap.String("title", j.Title),
		zap.String("status", st.String()),
		zap.Error(j.Err))
	o.record(ctx, outcomeOf(j, Disposition(st), o.now()))
}

func (o *Orchestrator) auditLog(kind auditlog.Kind, title string) {
	if err := o.audit.Log(kind, title); err != nil {
		o.logger.Error("Audit log write failed",
			zap.String("kind", string(kind)),
			zap.String("title", title),
			zap.Error(err))
	}
}

func (o *Orchestrator) record(ctx context.Context, out Outcome) {
	o.metrics.Outcome(out.Disposition)
	for _, r := range o.recorders {
		// Recorders run after cancellation too, so the final state is kept.
		if err := r.Record(context.WithoutCancel(ctx), out); err != nil {
			o.logger.Warn("Outcome recorder failed",
				zap.String("title", out.Title),
				zap.Error(err))
		}
	}
}

// group returns the per-group summary for label, creating it on first use.
// Callers must hold o.mu.
func (o *Orchestrator) group(label string) *GroupSummary {
	g, ok := o.groups[label]
	if !ok {
		g = &GroupSummary{Label: label}
		o.groups[label] = g
		o.order = append(o.order, label)
	}
	return g
}

// Submitted returns a copy of the outstanding jobs.
func (o *Orchestrator) Submitted() []*job.Job { return o.copyOf(&o.submitted) }

// Finished returns a copy of the jobs awaiting retrieval.
func (o *Orchestrator) Finished() []*job.Job { return o.copyOf(&o.finished) }

// Failed returns a copy of the failed jobs.
func (o *Orchestrator) Failed() []*job.Job { return o.copyOf(&o.failed) }

// Persisted returns a copy of the persisted jobs.
func (o *Orchestrator) Persisted() []*job.Job { return o.copyOf(&o.persisted) }

func (o *Orchestrator) copyOf(s *[]*job.Job) []*job.Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*job.Job, len(*s))
	copy(out, *s)
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
