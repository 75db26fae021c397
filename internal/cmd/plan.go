package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/ipsbatch/internal/observability"
	"github.com/3leaps/ipsbatch/pkg/job"
	"github.com/3leaps/ipsbatch/pkg/output"
	"github.com/3leaps/ipsbatch/pkg/seqio"
)

// groupPlan is what a run would do with one group.
type groupPlan struct {
	output.PlanRecord
	Err error
}

// planGroups reads every group and classifies its records without
// contacting the service. Unreadable groups carry Err and do not stop the
// plan.
func planGroups(ctx context.Context, s *runSettings) ([]groupPlan, error) {
	factory, err := job.NewFactory(s.Factory)
	if err != nil {
		return nil, err
	}

	plans := make([]groupPlan, 0, len(s.Groups))
	for _, g := range s.Groups {
		if err := ctx.Err(); err != nil {
			return plans, err
		}
		p := groupPlan{PlanRecord: output.PlanRecord{Group: g.Label, Path: g.Path}}
		p.Err = planGroup(ctx, factory, g, &p.PlanRecord, s.Orchestrator.SkipExisting)
		if errors.Is(p.Err, context.Canceled) || errors.Is(p.Err, context.DeadlineExceeded) {
			return plans, p.Err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func planGroup(ctx context.Context, factory *job.Factory, g seqio.Group, p *output.PlanRecord, skipExisting bool) error {
	f, err := os.Open(g.Path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	r := seqio.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		p.Records++

		j, err := factory.Build(rec, g.Label)
		if err != nil {
			p.Malformed++
			continue
		}
		if skipExisting {
			exists, err := factory.Exists(j)
			if err != nil {
				return err
			}
			if exists {
				p.Existing++
				continue
			}
		}
		p.Pending++
	}
}

func showRunPlan(ctx context.Context, s *runSettings, opts runOptions) error {
	plans, err := planGroups(ctx, s)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return exitError(foundry.ExitSignalInt, "Plan cancelled", err)
		}
		return exitError(foundry.ExitInvalidArgument, "Failed to build plan", err)
	}

	if opts.ReportPath != "" {
		if err := writePlanReport(ctx, opts.ReportPath, plans); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write plan report", err)
		}
	}

	fmt.Println("=== Run Plan (dry-run) ===")
	fmt.Println()
	if s.ManifestPath != "" {
		fmt.Printf("Manifest:       %s\n", s.ManifestPath)
	}
	fmt.Printf("Output:         %s\n", s.OutputDir)
	fmt.Printf("Audit log:      %s\n", s.AuditPath)
	fmt.Printf("Applications:   %v\n", s.Factory.Applications)
	fmt.Printf("Format:         %s\n", s.Factory.Format)
	fmt.Printf("Batch limit:    %d\n", s.Orchestrator.BatchLimit)
	fmt.Printf("Poll interval:  %s (max %d polls)\n", s.Orchestrator.PollInterval, s.Orchestrator.PollMax)
	fmt.Printf("Submit retries: %d every %s\n", s.Orchestrator.SubmitAttempts, s.Orchestrator.SubmitDelay)
	fmt.Printf("Skip existing:  %t\n", s.Orchestrator.SkipExisting)
	fmt.Println()
	fmt.Print(renderPlanTable(plans))
	fmt.Println()
	fmt.Println("No jobs submitted (dry-run mode)")
	return nil
}

func writePlanReport(ctx context.Context, path string, plans []groupPlan) error {
	report, err := createReport(path, "")
	if err != nil {
		return err
	}
	defer func() { _ = report.Close() }()

	for i := range plans {
		p := plans[i]
		if p.Err != nil {
			if err := report.w.WriteError(ctx, &output.ErrorRecord{
				Code:    output.ErrCodeGroupUnreadable,
				Message: p.Err.Error(),
				Group:   p.Group,
				Path:    p.Path,
			}); err != nil {
				return err
			}
			continue
		}
		if err := report.w.WritePlan(ctx, &p.PlanRecord); err != nil {
			return err
		}
	}
	observability.CLILogger.Debug("Wrote plan report", zap.String("path", path), zap.Int("groups", len(plans)))
	return nil
}

func renderPlanTable(plans []groupPlan) string {
	rows := make([][]string, 0, len(plans)+1)
	var total output.PlanRecord
	for _, p := range plans {
		if p.Err != nil {
			rows = append(rows, []string{p.Group, p.Path, "-", "-", "-", "unreadable: " + p.Err.Error()})
			continue
		}
		rows = append(rows, []string{
			p.Group,
			p.Path,
			strconv.Itoa(p.Records),
			strconv.Itoa(p.Existing),
			strconv.Itoa(p.Malformed),
			strconv.Itoa(p.Pending),
		})
		total.Records += p.Records
		total.Existing += p.Existing
		total.Malformed += p.Malformed
		total.Pending += p.Pending
	}
	rows = append(rows, []string{
		"TOTAL", "",
		strconv.Itoa(total.Records),
		strconv.Itoa(total.Existing),
		strconv.Itoa(total.Malformed),
		strconv.Itoa(total.Pending),
	})
	return renderTable(
		[]string{"Group", "Path", "Records", "Existing", "Malformed", "To submit"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight},
	)
}
