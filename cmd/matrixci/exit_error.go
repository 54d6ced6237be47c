// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"

	"matrixci/internal/pipeline"
)

// ExitError carries the process exit code out of a RunE handler so Execute, not the
// command, calls os.Exit.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s (exit status %d)", exitReason(e.Code), e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitCode maps a command error to the process exit code. Errors raised before a
// run, such as unknown flags, count as infrastructure failures.
func exitCode(err error) int {
	if err == nil {
		return pipeline.ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return pipeline.ExitInfraFailure
}

func exitReason(code int) string {
	switch code {
	case pipeline.ExitOK:
		return "ok"
	case pipeline.ExitTestFailure:
		return "test failures"
	case pipeline.ExitInfraFailure:
		return "infrastructure failure"
	case pipeline.ExitPublishFailed:
		return "publish failed"
	default:
		return "failed"
	}
}
