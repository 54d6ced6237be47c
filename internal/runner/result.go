// SPDX-License-Identifier: MPL-2.0

package runner

import (
	"errors"
	"fmt"
	"time"

	"matrixci/internal/coverage"
	"matrixci/internal/matrix"
)

const (
	// StatusPassed means the suite ran and exited zero.
	StatusPassed Status = "passed"
	// StatusFailed means the suite ran and reported at least one failing test.
	StatusFailed Status = "failed"
	// StatusInfraError means the suite never produced a verdict: provisioning,
	// credentials, fixtures, a timeout or cancellation got in the way.
	StatusInfraError Status = "infra-error"
)

var (
	// ErrTestFailure is the sentinel matched by every TestFailureError.
	ErrTestFailure = errors.New("test failure")
	// ErrTimeout is the sentinel matched by every TimeoutError.
	ErrTimeout = errors.New("cell timed out")
	// ErrCancelled is recorded for cells that never started because the run was cancelled.
	ErrCancelled = errors.New("cell cancelled before dispatch")
)

type (
	// Status is the terminal state of a cell.
	Status string

	// Result is the single record produced for a cell.
	Result struct {
		Cell     matrix.Cell
		Status   Status
		ExitCode int
		// Coverage is nil when the suite emitted no telemetry.
		Coverage *coverage.Profile
		// CoverageErr is set when a coverage file existed but could not be read.
		CoverageErr error
		Output      string
		Err         error
	}

	// TestFailureError reports a suite that ran and failed.
	TestFailureError struct {
		Cell     matrix.CellID
		ExitCode int
	}

	// TimeoutError reports a cell terminated for exceeding its time limit.
	TimeoutError struct {
		Cell    matrix.CellID
		Timeout time.Duration
		Err     error
	}
)

// Error implements the error interface.
func (e *TestFailureError) Error() string {
	return fmt.Sprintf("tests failed in %s (exit status %d)", e.Cell, e.ExitCode)
}

// Unwrap returns ErrTestFailure.
func (e *TestFailureError) Unwrap() error { return ErrTestFailure }

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s exceeded its %s time limit: %v", e.Cell, e.Timeout, e.Err)
	}
	return fmt.Sprintf("%s exceeded its %s time limit", e.Cell, e.Timeout)
}

// Unwrap exposes ErrTimeout and the interrupted operation's error.
func (e *TimeoutError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTimeout}
	}
	return []error{ErrTimeout, e.Err}
}

// String returns the status name.
func (s Status) String() string { return string(s) }

// Infrastructure reports whether the status is an infrastructure failure.
func (s Status) Infrastructure() bool { return s == StatusInfraError }

// InfraResult builds the result for a cell that failed before a verdict.
func InfraResult(cell matrix.Cell, err error) Result {
	return Result{Cell: cell, Status: StatusInfraError, ExitCode: -1, Err: err}
}
