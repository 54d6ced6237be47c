// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"matrixci/internal/app/execute"
	"matrixci/internal/config"
	"matrixci/internal/container"
	"matrixci/internal/credential"
	"matrixci/internal/environment"
	"matrixci/internal/issue"
	"matrixci/internal/matrix"
	"matrixci/internal/pipeline"
	"matrixci/internal/publish"
	"matrixci/internal/runner"
)

// classifyError maps a setup failure to an issue catalog ID. Errors that already
// carry an issue keep it.
func classifyError(err error) issue.Id {
	var ae *issue.ActionableError
	if errors.As(err, &ae) && ae.Issue != 0 {
		return ae.Issue
	}

	var engineErr *container.ErrEngineNotAvailable
	switch {
	case errors.As(err, &engineErr):
		return issue.ContainerEngineNotFoundId
	case errors.Is(err, environment.ErrUnsupportedOS):
		return issue.HostNotSupportedId
	case errors.Is(err, credential.ErrMissingCredentials):
		return issue.CredentialsMissingId
	case errors.Is(err, matrix.ErrConfiguration),
		errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, execute.ErrInvalidOverrides):
		return issue.MatrixInvalidId
	case errors.Is(err, os.ErrPermission):
		return issue.PermissionDeniedId
	default:
		return 0
	}
}

// outcomeIssue picks the issue explaining a non-zero exit, following the same
// precedence as Outcome.ExitCode.
func outcomeIssue(out *pipeline.Outcome) issue.Id {
	switch out.ExitCode() {
	case pipeline.ExitTestFailure:
		return issue.TestFailuresId
	case pipeline.ExitInfraFailure:
		for _, res := range out.Results {
			if errors.Is(res.Err, runner.ErrTimeout) {
				return issue.CellTimeoutId
			}
		}
		for _, res := range out.Results {
			if res.Status.Infrastructure() {
				if id := classifyError(res.Err); id != 0 {
					return id
				}
			}
		}
		return issue.ProvisioningFailedId
	case pipeline.ExitPublishFailed:
		var pe *publish.PublishError
		if errors.As(out.PublishErr, &pe) && pe.Auth {
			return issue.PublishAuthFailedId
		}
		return issue.PublishFailedId
	default:
		return 0
	}
}

// outcomeError explains a non-zero exit with the cells involved and what to try
// next. It is nil for a successful run.
func outcomeError(out *pipeline.Outcome) error {
	ec := issue.NewErrorContext().WithIssue(outcomeIssue(out))
	switch out.ExitCode() {
	case pipeline.ExitTestFailure:
		return ec.WithOperation("pass the test suite").
			WithResource(cellList(out, func(res runner.Result) bool { return res.Status == runner.StatusFailed })).
			WithSuggestion("Re-run one cell with 'matrixci run' after narrowing the matrix in the pipeline file").
			Wrap(fmt.Errorf("%d cell(s) failed their test suite", out.TestFailures)).
			BuildError()
	case pipeline.ExitInfraFailure:
		return ec.WithOperation("run every cell").
			WithResource(cellList(out, func(res runner.Result) bool { return res.Status.Infrastructure() })).
			WithSuggestion("Check the provisioning output above for the failing stage").
			WithSuggestion("Use 'matrixci matrix' to confirm which cells this host can serve").
			Wrap(fmt.Errorf("%d cell(s) could not be run", out.InfraFailures)).
			BuildError()
	case pipeline.ExitPublishFailed:
		ec = ec.WithOperation("publish coverage").Wrap(out.PublishErr)
		var pe *publish.PublishError
		if errors.As(out.PublishErr, &pe) && pe.Auth {
			ec = ec.WithSuggestion("Export the report token named by credentials.report.token_env")
		} else {
			ec = ec.WithSuggestion("Retry later or raise publish.attempts")
		}
		if out.ReportDir != "" {
			ec = ec.WithSuggestion("The HTML report was still written to " + out.ReportDir)
		}
		return ec.BuildError()
	default:
		return nil
	}
}

// cellList joins the ids of the cells matching keep.
func cellList(out *pipeline.Outcome, keep func(runner.Result) bool) string {
	var ids []string
	for _, res := range out.Results {
		if keep(res) {
			ids = append(ids, res.Cell.ID().String())
		}
	}
	return strings.Join(ids, ", ")
}

// renderError prints err and, in verbose mode, the guide of its issue.
func renderError(w io.Writer, err error, verbose bool) {
	fmt.Fprintf(w, "\n%s %s\n", ErrorStyle.Render("Error:"), formatErrorForDisplay(err, verbose))
	id := classifyError(err)
	if id == 0 {
		return
	}
	if !verbose {
		fmt.Fprintln(w, VerboseStyle.Render("Run with --verbose for troubleshooting steps."))
		return
	}
	var ae *issue.ActionableError
	if !errors.As(err, &ae) || ae.Issue == 0 {
		ae = &issue.ActionableError{Issue: id}
	}
	if guide, gErr := ae.Guide("dark"); gErr == nil {
		fmt.Fprint(w, guide)
	}
}

// fail renders a setup error and returns it wrapped with the infrastructure exit code.
func (a *App) fail(err error) error {
	renderError(a.stderr, err, a.flags.verbose)
	return &ExitError{Code: pipeline.ExitInfraFailure, Err: err}
}
