// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"matrixci/internal/coverage"
	"matrixci/internal/matrix"
	"matrixci/internal/publish"
	"matrixci/internal/runner"
	"matrixci/internal/scheduler"
)

const (
	// TestsPassed means no cell reported a test failure.
	TestsPassed TestStatus = "passed"
	// TestsFailed means at least one cell's suite failed.
	TestsFailed TestStatus = "failed"

	// PublishDisabled means no publisher was configured.
	PublishDisabled PublishStatus = "disabled"
	// PublishSkipped means publishing was configured but not attempted.
	PublishSkipped PublishStatus = "skipped"
	// PublishSucceeded means the report was accepted.
	PublishSucceeded PublishStatus = "published"
	// PublishFailed means the upload failed; cell results are unaffected.
	PublishFailed PublishStatus = "failed"
)

// Exit codes returned by Outcome.ExitCode.
const (
	ExitOK            = 0
	ExitTestFailure   = 1
	ExitInfraFailure  = 2
	ExitPublishFailed = 3
)

type (
	// TestStatus is the verdict over every cell that ran its suite.
	TestStatus string

	// PublishStatus is the state of the single report upload.
	PublishStatus string

	// Outcome is the result of one pipeline run.
	Outcome struct {
		// Results holds one result per cell in expansion order.
		Results []runner.Result
		Stats   scheduler.Stats

		TestStatus    TestStatus
		TestFailures  int
		InfraFailures int

		// Coverage is the merged profile of every cell that produced one.
		Coverage      *coverage.Profile
		CoverageCells []matrix.CellID
		ReportDir     string
		ReportErr     error

		PublishStatus PublishStatus
		PublishErr    error
		Receipt       publish.Receipt

		Warnings []string
	}
)

// Succeeded reports whether every cell passed. Publishing is judged separately.
func (o *Outcome) Succeeded() bool {
	return o.TestStatus == TestsPassed && o.InfraFailures == 0
}

// ExitCode maps the outcome to a process exit status. Test failures take precedence
// over infrastructure failures, which take precedence over publish failures.
func (o *Outcome) ExitCode() int {
	switch {
	case o.TestStatus == TestsFailed:
		return ExitTestFailure
	case o.InfraFailures > 0:
		return ExitInfraFailure
	case o.PublishStatus == PublishFailed:
		return ExitPublishFailed
	default:
		return ExitOK
	}
}

// Summary renders the outcome as markdown.
func (o *Outcome) Summary() string {
	var sb strings.Builder

	sb.WriteString("# Matrix summary\n\n")
	sb.WriteString("| Cell | Status | Exit | Coverage | Time |\n")
	sb.WriteString("|------|--------|------|----------|------|\n")
	for _, res := range o.Results {
		cov := "-"
		if res.Coverage != nil {
			cov = fmt.Sprintf("%.1f%%", res.Coverage.Totals().Percent)
		}
		dur := "-"
		if d, ok := o.Stats.Durations[res.Cell.ID()]; ok {
			dur = d.Round(10 * time.Millisecond).String()
		}
		fmt.Fprintf(&sb, "| %s | %s | %d | %s | %s |\n", tableCell(res.Cell.ID().String()), statusLabel(res), res.ExitCode, cov, dur)
	}

	fmt.Fprintf(&sb, "\n**Tests:** %s", o.TestStatus)
	if o.TestFailures > 0 {
		fmt.Fprintf(&sb, " (%d cell(s) failed)", o.TestFailures)
	}
	sb.WriteString("  \n")
	fmt.Fprintf(&sb, "**Infrastructure failures:** %d  \n", o.InfraFailures)
	if o.Coverage != nil && len(o.CoverageCells) > 0 {
		t := o.Coverage.Totals()
		fmt.Fprintf(&sb, "**Coverage:** %.1f%% (%d/%d statements from %d cell(s))  \n",
			t.Percent, t.Covered, t.Statements, len(o.CoverageCells))
	}
	if o.ReportDir != "" {
		fmt.Fprintf(&sb, "**Report:** `%s`  \n", o.ReportDir)
	}
	fmt.Fprintf(&sb, "**Publish:** %s", o.PublishStatus)
	if o.PublishErr != nil {
		fmt.Fprintf(&sb, " (%s)", oneLine(o.PublishErr.Error()))
	}
	sb.WriteString("\n")

	if failed := o.failures(); len(failed) > 0 {
		sb.WriteString("\n## Failures\n\n")
		for _, line := range failed {
			fmt.Fprintf(&sb, "- %s\n", line)
		}
	}
	if len(o.Warnings) > 0 {
		sb.WriteString("\n## Warnings\n\n")
		for _, w := range o.Warnings {
			fmt.Fprintf(&sb, "- %s\n", oneLine(w))
		}
	}
	return sb.String()
}

// Render renders Summary for a terminal of the given width.
func (o *Outcome) Render(width int) (string, error) {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(width))
	if err != nil {
		return "", err
	}
	return r.Render(o.Summary())
}

func (o *Outcome) failures() []string {
	var lines []string
	for _, res := range o.Results {
		if res.Status != runner.StatusPassed && res.Err != nil {
			lines = append(lines, fmt.Sprintf("`%s`: %s", res.Cell.ID(), oneLine(res.Err.Error())))
		}
	}
	return lines
}

func statusLabel(res runner.Result) string {
	if res.Status.Infrastructure() {
		return "infrastructure error"
	}
	return res.Status.String()
}

var (
	lineFolder  = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")
	pipeEscaper = strings.NewReplacer("|", `\|`)
)

// tableCell makes s safe inside a markdown table cell.
func tableCell(s string) string {
	return pipeEscaper.Replace(oneLine(s))
}

// oneLine keeps multi-line error text inside a single list item.
func oneLine(s string) string {
	return lineFolder.Replace(s)
}
