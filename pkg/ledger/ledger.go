// Package ledger records run and job dispositions in a SQLite database.
//
// The ledger is a queryable history next to the audit log: one row per run
// and one row per job outcome. It backs `ipsbatch status`. The output
// directory, not the ledger, remains the source of truth for resumption.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateSuccess   RunState = "success"
	RunStatePartial   RunState = "partial"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// Counts are the per-run totals.
type Counts struct {
	Records   int `json:"records"`
	Submitted int `json:"submitted"`
	Skipped   int `json:"skipped"`
	Malformed int `json:"malformed"`
	Persisted int `json:"persisted"`
	Failed    int `json:"failed"`
}

// Run is one row of the runs table.
type Run struct {
	RunID     string     `json:"run_id"`
	OutputDir string     `json:"output_dir"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	State     RunState   `json:"state"`
	Counts
}

// JobRow is one job disposition.
type JobRow struct {
	RunID          string    `json:"run_id"`
	Title          string    `json:"title"`
	Group          string    `json:"group"`
	RecordID       string    `json:"record_id"`
	Handle         string    `json:"handle,omitempty"`
	OutputPath     string    `json:"output_path,omitempty"`
	Disposition    string    `json:"disposition"`
	Reason         string    `json:"reason,omitempty"`
	SubmitFailures int       `json:"submit_failures"`
	Polls          int       `json:"polls"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// Ledger is an open ledger database.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the ledger and applies migrations.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Ledger{db: db, now: time.Now}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// BeginRun inserts a run in running state.
func (l *Ledger) BeginRun(ctx context.Context, runID, outputDir string) (*Run, error) {
	now := l.now().UTC()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, output_dir, started_at, state) VALUES (?, ?, ?, ?)`,
		runID, outputDir, formatTime(now), string(RunStateRunning))
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return &Run{RunID: runID, OutputDir: outputDir, StartedAt: now, State: RunStateRunning}, nil
}

// RecordJob upserts one job disposition.
//
// A malformed row never replaces an existing one: a record whose title
// collides with an earlier job is reported as malformed under that title.
func (l *Ledger) RecordJob(ctx context.Context, row JobRow) error {
	if row.RecordedAt.IsZero() {
		row.RecordedAt = l.now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO jobs
		 (run_id, title, group_label, record_id, handle, output_path, disposition, reason,
		  submit_failures, polls, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, title) DO UPDATE SET
		  handle = excluded.handle,
		  output_path = excluded.output_path,
		  disposition = excluded.disposition,
		  reason = excluded.reason,
		  submit_failures = excluded.submit_failures,
		  polls = excluded.polls,
		  recorded_at = excluded.recorded_at
		 WHERE excluded.disposition <> 'malformed'`,
		row.RunID, row.Title, row.Group, row.RecordID, nullString(row.Handle), nullString(row.OutputPath),
		row.Disposition, nullString(row.Reason), row.SubmitFailures, row.Polls, formatTime(row.RecordedAt))
	if err != nil {
		return fmt.Errorf("record job %s: %w", row.Title, err)
	}
	return nil
}

// FinishRun sets the final state and totals of a run.
func (l *Ledger) FinishRun(ctx context.Context, runID string, state RunState, c Counts) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET ended_at = ?, state = ?, records = ?, submitted = ?, skipped = ?,
		  malformed = ?, persisted = ?, failed = ?
		 WHERE run_id = ?`,
		formatTime(l.now()), string(state), c.Records, c.Submitted, c.Skipped,
		c.Malformed, c.Persisted, c.Failed, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

const runColumns = `run_id, output_dir, started_at, ended_at, state,
	records, submitted, skipped, malformed, persisted, failed`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var started string
	var ended sql.NullString
	var state string
	if err := s.Scan(&r.RunID, &r.OutputDir, &started, &ended, &state,
		&r.Records, &r.Submitted, &r.Skipped, &r.Malformed, &r.Persisted, &r.Failed); err != nil {
		return nil, err
	}
	r.State = RunState(state)

	t, err := parseTime(started)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	r.StartedAt = t
	if ended.Valid && ended.String != "" {
		t, err := parseTime(ended.String)
		if err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
		r.EndedAt = &t
	}
	return &r, nil
}

// GetRun returns the run with the given id.
func (l *Ledger) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// LatestRun returns the most recently started run.
func (l *Ledger) LatestRun(ctx context.Context) (*Run, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT 1`)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	return r, nil
}

// ListRuns returns up to limit runs, newest first. A limit <= 0 returns all.
func (l *Ledger) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Jobs returns the job rows of a run ordered by record time. An empty
// disposition returns every row.
func (l *Ledger) Jobs(ctx context.Context, runID, disposition string) ([]JobRow, error) {
	q := `SELECT run_id, title, group_label, record_id, handle, output_path, disposition, reason,
		submit_failures, polls, recorded_at
		FROM jobs WHERE run_id = ?`
	args := []any{runID}
	if disposition != "" {
		q += ` AND disposition = ?`
		args = append(args, disposition)
	}
	q += ` ORDER BY recorded_at, title`

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []JobRow
	for rows.Next() {
		var r JobRow
		var handle, outputPath, reason sql.NullString
		var recorded string
		if err := rows.Scan(&r.RunID, &r.Title, &r.Group, &r.RecordID, &handle, &outputPath,
			&r.Disposition, &reason, &r.SubmitFailures, &r.Polls, &recorded); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		r.Handle = handle.String
		r.OutputPath = outputPath.String
		r.Reason = reason.String
		if r.RecordedAt, err = parseTime(recorded); err != nil {
			return nil, fmt.Errorf("parse recorded_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DispositionCounts returns the number of job rows per disposition for a run.
func (l *Ledger) DispositionCounts(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT disposition, COUNT(*) FROM jobs WHERE run_id = ? GROUP BY disposition`, runID)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]int{}
	for rows.Next() {
		var d string
		var n int
		if err := rows.Scan(&d, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[d] = n
	}
	return out, rows.Err()
}

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
