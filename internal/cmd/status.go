package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ipsbatch/internal/config"
	"github.com/3leaps/ipsbatch/internal/observability"
	"github.com/3leaps/ipsbatch/pkg/ledger"
	"github.com/3leaps/ipsbatch/pkg/orchestrator"
	"github.com/3leaps/ipsbatch/pkg/runregistry"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show runs recorded in an output directory",
	Long: `Show the runs recorded in an output directory.

Without --run, lists every run newest first. With --run, shows one run's
counters, its jobs by disposition and the jobs that failed.

Example:
  ipsbatch status --output results
  ipsbatch status --output results --run 6f1c... --json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var (
	statusOutput string
	statusRunID  string
	statusLimit  int
	statusJSON   bool
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "", "Output directory (default: output.dir from config)")
	statusCmd.Flags().StringVar(&statusRunID, "run", "", "Show a single run")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "Maximum runs to list (0 = all)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

// runView is one run as shown by status.
type runView struct {
	RunID     string     `json:"run_id"`
	State     string     `json:"state"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	PID       int        `json:"pid,omitempty"`
	Manifest  string     `json:"manifest_path,omitempty"`
	Error     string     `json:"error,omitempty"`

	Counts ledger.Counts `json:"counts"`

	Dispositions map[string]int  `json:"dispositions,omitempty"`
	Failures     []ledger.JobRow `json:"failures,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	dir := statusOutput
	if dir == "" {
		if cfg := config.GetConfig(); cfg != nil {
			dir = cfg.Output.Dir
		}
	}
	if dir == "" {
		return exitError(foundry.ExitInvalidArgument, "Output directory is required", errors.New("pass --output"))
	}
	if _, err := os.Stat(dir); err != nil {
		return exitError(foundry.ExitFileNotFound, "Output directory not found", err)
	}

	ldg, err := openStatusLedger(ctx, dir)
	if err != nil {
		observability.CLILogger.Warn("Run ledger unavailable", zap.Error(err))
	}
	if ldg != nil {
		defer func() { _ = ldg.Close() }()
	}
	registry := runregistry.NewStore(dir)

	if statusRunID != "" {
		view, err := loadRunView(ctx, registry, ldg, statusRunID)
		if err != nil {
			return exitError(foundry.ExitFileNotFound, "Run not found", err)
		}
		if statusJSON {
			return writeJSON(os.Stdout, view)
		}
		fmt.Print(renderRunView(view))
		return nil
	}

	views, err := listRunViews(ctx, registry, ldg, statusLimit)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list runs", err)
	}
	if len(views) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No runs found")
		return nil
	}
	if statusJSON {
		return writeJSON(os.Stdout, views)
	}
	fmt.Print(renderRunList(views))
	return nil
}

// openStatusLedger opens the configured ledger, or the default one in dir if
// it exists. It returns nil without error when there is nothing to open.
func openStatusLedger(ctx context.Context, dir string) (*ledger.Ledger, error) {
	lc := config.LedgerConfig{Enabled: true}
	if cfg := config.GetConfig(); cfg != nil {
		lc = cfg.Ledger
	}
	if !lc.Enabled {
		return nil, nil
	}
	if lc.Path == "" && lc.URL == "" {
		lc.Path = defaultLedgerPath(dir)
		if _, err := os.Stat(lc.Path); err != nil {
			return nil, nil
		}
	}
	return openRunLedger(ctx, lc, dir)
}

func defaultLedgerPath(dir string) string {
	return filepath.Join(runregistry.StateDir(dir), ledger.DefaultFileName)
}

func loadRunView(ctx context.Context, registry *runregistry.Store, ldg *ledger.Ledger, runID string) (*runView, error) {
	var view *runView

	if rec, err := registry.Get(runID); err == nil {
		view = viewFromRecord(*rec)
	}

	if ldg != nil {
		run, err := ldg.GetRun(ctx, runID)
		switch {
		case err == nil:
			if view == nil {
				view = viewFromLedger(*run)
			} else if run.State != ledger.RunStateRunning {
				view.Counts = run.Counts
			}
			counts, err := ldg.DispositionCounts(ctx, runID)
			if err != nil {
				return nil, err
			}
			view.Dispositions = counts
			failures, err := failedJobs(ctx, ldg, runID)
			if err != nil {
				return nil, err
			}
			view.Failures = failures
		case errors.Is(err, ledger.ErrRunNotFound):
		default:
			return nil, err
		}
	}

	if view == nil {
		return nil, fmt.Errorf("no run %s", runID)
	}
	return view, nil
}

func failedJobs(ctx context.Context, ldg *ledger.Ledger, runID string) ([]ledger.JobRow, error) {
	var out []ledger.JobRow
	for _, d := range []orchestrator.Disposition{
		orchestrator.DispositionFailedSubmit,
		orchestrator.DispositionFailedPoll,
		orchestrator.DispositionFailedRetrieve,
		orchestrator.DispositionFailedPersist,
	} {
		rows, err := ldg.Jobs(ctx, runID, string(d))
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

// listRunViews merges run records with ledger rows, newest first.
func listRunViews(ctx context.Context, registry *runregistry.Store, ldg *ledger.Ledger, limit int) ([]runView, error) {
	byID := map[string]*runView{}
	var order []string

	records, err := registry.List()
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		byID[rec.RunID] = viewFromRecord(rec)
		order = append(order, rec.RunID)
	}

	if ldg != nil {
		runs, err := ldg.ListRuns(ctx, 0)
		if err != nil {
			return nil, err
		}
		for _, run := range runs {
			if v, ok := byID[run.RunID]; ok {
				if run.State != ledger.RunStateRunning {
					v.Counts = run.Counts
				}
				continue
			}
			byID[run.RunID] = viewFromLedger(run)
			order = append(order, run.RunID)
		}
	}

	out := make([]runView, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return viewTime(out[i]).After(viewTime(out[j]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func viewFromRecord(rec runregistry.RunRecord) *runView {
	return &runView{
		RunID:     rec.RunID,
		State:     string(rec.State),
		StartedAt: rec.StartedAt,
		EndedAt:   rec.EndedAt,
		PID:       rec.PID,
		Manifest:  rec.ManifestPath,
		Error:     rec.Error,
		Counts: ledger.Counts{
			Records:   rec.Progress.Records,
			Submitted: rec.Progress.Submitted,
			Skipped:   rec.Progress.Skipped,
			Persisted: rec.Progress.Persisted,
			Failed:    rec.Progress.Failed,
		},
	}
}

func viewFromLedger(run ledger.Run) *runView {
	started := run.StartedAt
	return &runView{
		RunID:     run.RunID,
		State:     string(run.State),
		StartedAt: &started,
		EndedAt:   run.EndedAt,
		Counts:    run.Counts,
	}
}

func viewTime(v runView) time.Time {
	if v.StartedAt != nil {
		return *v.StartedAt
	}
	return time.Time{}
}

func formatOptionalTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func renderRunList(views []runView) string {
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{
			v.RunID,
			colorState(v.State),
			formatOptionalTime(v.StartedAt),
			formatOptionalTime(v.EndedAt),
			strconv.Itoa(v.Counts.Records),
			strconv.Itoa(v.Counts.Persisted),
			strconv.Itoa(v.Counts.Skipped),
			strconv.Itoa(v.Counts.Failed),
		})
	}
	return renderTable(
		[]string{"Run", "State", "Started", "Ended", "Records", "Persisted", "Skipped", "Failed"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight},
	)
}

func renderRunView(v *runView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run:       %s\n", v.RunID)
	fmt.Fprintf(&b, "State:     %s\n", colorState(v.State))
	fmt.Fprintf(&b, "Started:   %s\n", formatOptionalTime(v.StartedAt))
	fmt.Fprintf(&b, "Ended:     %s\n", formatOptionalTime(v.EndedAt))
	if v.Manifest != "" {
		fmt.Fprintf(&b, "Manifest:  %s\n", v.Manifest)
	}
	if v.PID > 0 {
		fmt.Fprintf(&b, "PID:       %d\n", v.PID)
	}
	if v.Error != "" {
		fmt.Fprintf(&b, "Error:     %s\n", v.Error)
	}
	b.WriteString("\n")

	b.WriteString(renderTable(
		[]string{"Records", "Submitted", "Skipped", "Malformed", "Persisted", "Failed"},
		[][]string{{
			strconv.Itoa(v.Counts.Records),
			strconv.Itoa(v.Counts.Submitted),
			strconv.Itoa(v.Counts.Skipped),
			strconv.Itoa(v.Counts.Malformed),
			strconv.Itoa(v.Counts.Persisted),
			strconv.Itoa(v.Counts.Failed),
		}},
		[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
	))

	if len(v.Dispositions) > 0 {
		keys := make([]string, 0, len(v.Dispositions))
		for k := range v.Dispositions {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		rows := make([][]string, 0, len(keys))
		for _, k := range keys {
			rows = append(rows, []string{k, strconv.Itoa(v.Dispositions[k])})
		}
		b.WriteString("\n")
		b.WriteString(renderTable([]string{"Disposition", "Jobs"}, rows, []columnAlignment{alignLeft, alignRight}))
	}

	if len(v.Failures) > 0 {
		rows := make([][]string, 0, len(v.Failures))
		for _, f := range v.Failures {
			rows = append(rows, []string{f.Title, f.Disposition, f.Handle, f.Reason})
		}
		b.WriteString("\nFailed jobs:\n")
		b.WriteString(renderTable([]string{"Title", "Disposition", "Handle", "Reason"}, rows, nil))
	}
	return b.String()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
