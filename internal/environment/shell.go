// SPDX-License-Identifier: MPL-2.0

package environment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// shellRun describes one script run through the embedded interpreter.
type shellRun struct {
	name   string
	script string
	dir    string
	env    map[string]string
	stdout io.Writer
	stderr io.Writer
}

// runShell parses and executes a script with mvdan/sh. The script sees exactly
// run.env; callers filter the host environment into it. A script exit status is
// returned as the exit code with a nil error.
func runShell(ctx context.Context, run shellRun) (int, error) {
	prog, err := syntax.NewParser().Parse(strings.NewReader(run.script), run.name)
	if err != nil {
		return 0, fmt.Errorf("failed to parse script: %w", err)
	}

	stdout, stderr := run.stdout, run.stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	runner, err := interp.New(
		interp.Dir(run.dir),
		interp.Env(expand.ListEnviron(envList(run.env)...)),
		interp.StdIO(nil, stdout, stderr),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create interpreter: %w", err)
	}

	err = runner.Run(ctx, prog)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, ctxErr
	}
	if err != nil {
		var status interp.ExitStatus
		if errors.As(err, &status) {
			return int(status), nil
		}
		return 0, fmt.Errorf("script execution failed: %w", err)
	}
	return 0, nil
}

func envList(vars map[string]string) []string {
	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	return env
}
