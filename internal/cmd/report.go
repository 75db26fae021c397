package cmd

import (
	"context"
	"os"
	"path/filepath"

	"github.com/3leaps/ipsbatch/pkg/ledger"
	"github.com/3leaps/ipsbatch/pkg/orchestrator"
	"github.com/3leaps/ipsbatch/pkg/output"
	"github.com/3leaps/ipsbatch/pkg/runregistry"
)

// reportFile is a JSONL report writer over a file it owns.
type reportFile struct {
	f *os.File
	w *output.JSONLWriter
}

func createReport(path, runID string) (*reportFile, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &reportFile{f: f, w: output.NewJSONLWriter(f, runID, serviceName)}, nil
}

func (r *reportFile) Close() error {
	_ = r.w.Close()
	return r.f.Close()
}

// ledgerRecorder stores every job disposition in the run ledger.
func ledgerRecorder(l *ledger.Ledger, runID string) orchestrator.Recorder {
	return orchestrator.RecorderFunc(func(ctx context.Context, o orchestrator.Outcome) error {
		return l.RecordJob(ctx, ledger.JobRow{
			RunID:          runID,
			Title:          o.Title,
			Group:          o.Group,
			RecordID:       o.RecordID,
			Handle:         o.Handle,
			OutputPath:     o.OutputPath,
			Disposition:    string(o.Disposition),
			Reason:         o.Reason,
			SubmitFailures: o.SubmitFailures,
			Polls:          o.Polls,
			RecordedAt:     o.At,
		})
	})
}

// reportRecorder writes every job disposition to a report.
func reportRecorder(w output.Writer) orchestrator.Recorder {
	return orchestrator.RecorderFunc(func(ctx context.Context, o orchestrator.Outcome) error {
		return w.WriteJob(ctx, jobRecord(o))
	})
}

func jobRecord(o orchestrator.Outcome) *output.JobRecord {
	return &output.JobRecord{
		Title:          o.Title,
		Group:          o.Group,
		RecordID:       o.RecordID,
		Handle:         o.Handle,
		Disposition:    string(o.Disposition),
		Reason:         o.Reason,
		OutputPath:     o.OutputPath,
		SubmitFailures: o.SubmitFailures,
		Polls:          o.Polls,
	}
}

func summaryRecord(sum *orchestrator.Summary, state runregistry.RunState) *output.SummaryRecord {
	rec := &output.SummaryRecord{
		State:         string(state),
		Records:       sum.Records,
		Submitted:     sum.Submitted,
		Skipped:       sum.Skipped,
		Malformed:     sum.Malformed,
		Persisted:     sum.Persisted,
		Failed:        sum.Failed,
		Outstanding:   sum.Outstanding,
		Duration:      sum.Duration,
		DurationHuman: sum.Duration.String(),
		Groups:        make([]output.GroupCounts, 0, len(sum.Groups)),
	}
	for _, g := range sum.Groups {
		rec.Groups = append(rec.Groups, output.GroupCounts{
			Group:     g.Label,
			Records:   g.Records,
			Submitted: g.Submitted,
			Skipped:   g.Skipped,
			Malformed: g.Malformed,
			Persisted: g.Persisted,
			Failed:    g.Failed,
		})
	}
	return rec
}
