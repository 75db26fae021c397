package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/3leaps/ipsbatch/pkg/orchestrator"
	"github.com/3leaps/ipsbatch/pkg/runregistry"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

// maxListedFailures caps the failures printed under a run summary.
const maxListedFailures = 20

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render() + "\n"
}

func shouldColorize(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// colorState wraps a run state in ANSI color when stdout is a terminal.
func colorState(state string) string {
	if !shouldColorize(os.Stdout) {
		return state
	}
	var c text.Color
	switch runregistry.RunState(state) {
	case runregistry.RunStateSuccess:
		c = text.FgGreen
	case runregistry.RunStatePartial, runregistry.RunStateRunning:
		c = text.FgYellow
	case runregistry.RunStateFailed, runregistry.RunStateCancelled:
		c = text.FgRed
	default:
		return state
	}
	return c.Sprint(state)
}

func renderRunSummary(sum *orchestrator.Summary, state runregistry.RunState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s %s in %s\n\n", sum.RunID, colorState(string(state)), sum.Duration.Round(time.Millisecond))

	rows := make([][]string, 0, len(sum.Groups)+1)
	for _, g := range sum.Groups {
		failed := strconv.Itoa(g.Failed)
		if g.ReadError != "" {
			failed = "unreadable"
		}
		rows = append(rows, []string{
			g.Label,
			strconv.Itoa(g.Records),
			strconv.Itoa(g.Submitted),
			strconv.Itoa(g.Skipped),
			strconv.Itoa(g.Malformed),
			strconv.Itoa(g.Persisted),
			failed,
		})
	}
	rows = append(rows, []string{
		"TOTAL",
		strconv.Itoa(sum.Records),
		strconv.Itoa(sum.Submitted),
		strconv.Itoa(sum.Skipped),
		strconv.Itoa(sum.Malformed),
		strconv.Itoa(sum.Persisted),
		strconv.Itoa(sum.Failed),
	})
	b.WriteString(renderTable(
		[]string{"Group", "Records", "Submitted", "Skipped", "Malformed", "Persisted", "Failed"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
	))

	if sum.Outstanding > 0 {
		fmt.Fprintf(&b, "\n%d jobs were still outstanding; run again to resume.\n", sum.Outstanding)
	}

	if len(sum.Failures) > 0 {
		b.WriteString("\nFailed jobs:\n")
		for i, f := range sum.Failures {
			if i == maxListedFailures {
				fmt.Fprintf(&b, "  ... and %d more\n", len(sum.Failures)-maxListedFailures)
				break
			}
			fmt.Fprintf(&b, "  %s  %s  %s\n", f.Title, f.Disposition, f.Reason)
		}
	}
	return b.String()
}
