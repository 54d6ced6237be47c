// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"matrixci/internal/container"
	"matrixci/internal/environment"
	"matrixci/internal/matrix"
	"matrixci/internal/testutil"

	"github.com/charmbracelet/log"
)

const testPipeline = `
name: "beep"
trigger: branches: ["main"]
matrix: {
	axes: [
		{name: "os", values: ["ubuntu-latest", "macos-latest"]},
		{name: "runtime", values: ["a", "b"]},
	]
	exclude: [{os: "macos-latest", runtime: "a"}]
	max_parallel: 2
}
`

type (
	fakeProvisioner struct {
		dir   string
		exits map[string]int
	}

	fakeEnv struct {
		cell matrix.Cell
		dir  string
		exit int
	}
)

func (p *fakeProvisioner) Provision(_ context.Context, cell matrix.Cell, _ io.Writer) (environment.Environment, error) {
	rt, _ := cell.Value("runtime")
	return &fakeEnv{cell: cell, dir: p.dir, exit: p.exits[rt]}, nil
}

func (e *fakeEnv) Cell() matrix.Cell { return e.cell }
func (e *fakeEnv) WorkDir() string   { return e.dir }
func (e *fakeEnv) Close() error      { return nil }

func (e *fakeEnv) Exec(context.Context, environment.ExecSpec) (int, error) {
	return e.exit, nil
}

// testCLI runs the command tree with args and returns stdout, stderr and the error.
func testCLI(t *testing.T, deps Dependencies, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	deps.Stdout = &stdout
	deps.Stderr = &stderr
	if deps.Lookup == nil {
		deps.Lookup = func(string) (string, bool) { return "", false }
	}
	root := NewRootCommand(NewApp(deps))
	root.SetArgs(args)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func fakeFactory(t *testing.T, exits map[string]int) func(environment.Kind, environment.NativeConfig, environment.ContainerConfig, container.EngineType, *log.Logger) (environment.Provisioner, error) {
	t.Helper()
	dir := t.TempDir()
	return func(environment.Kind, environment.NativeConfig, environment.ContainerConfig, container.EngineType, *log.Logger) (environment.Provisioner, error) {
		return &fakeProvisioner{dir: dir, exits: exits}, nil
	}
}

func TestGetVersionString(t *testing.T) {
	// Not parallel: subtests mutate package-level Version/Commit/BuildDate vars.

	t.Run("ldflags version takes priority", func(t *testing.T) {
		origVersion, origCommit, origBuildDate := Version, Commit, BuildDate
		t.Cleanup(func() {
			Version, Commit, BuildDate = origVersion, origCommit, origBuildDate
		})

		Version = "v1.2.3"
		Commit = "abc1234"
		BuildDate = "2026-06-15T10:00:00Z"

		got := getVersionString()
		want := "v1.2.3 (commit: abc1234, built: 2026-06-15T10:00:00Z)"
		if got != want {
			t.Errorf("getVersionString() = %q, want %q", got, want)
		}
	})

	t.Run("dev build", func(t *testing.T) {
		origVersion := Version
		t.Cleanup(func() { Version = origVersion })

		Version = "dev"
		if got := getVersionString(); got != "dev (built from source)" {
			t.Errorf("getVersionString() = %q", got)
		}
	})
}

func TestExitError(t *testing.T) {
	t.Parallel()

	inner := errors.New("2 cell(s) failed")
	tests := []struct {
		name string
		err  *ExitError
		want string
	}{
		{"with cause", &ExitError{Code: 1, Err: inner}, "2 cell(s) failed"},
		{"code only", &ExitError{Code: 3}, "publish failed (exit status 3)"},
		{"unknown code", &ExitError{Code: 7}, "failed (exit status 7)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}

	var wrapped error = &ExitError{Code: 1, Err: inner}
	if !errors.Is(wrapped, inner) {
		t.Error("ExitError should unwrap to its cause")
	}

	codes := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{fmt.Errorf("run: %w", wrapped), 1},
		{errors.New("unknown flag"), 2},
	}
	for _, c := range codes {
		if got := exitCode(c.err); got != c.want {
			t.Errorf("exitCode(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestMatrixCommand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.MustWriteFile(t, dir, "matrixci.cue", testPipeline)

	stdout, _, err := testCLI(t, Dependencies{}, "matrix", "-C", dir)
	if err != nil {
		t.Fatalf("matrix error = %v", err)
	}
	want := []string{"os=ubuntu-latest/runtime=a", "os=ubuntu-latest/runtime=b", "os=macos-latest/runtime=b"}
	last := -1
	for _, id := range want {
		idx := strings.Index(stdout, id)
		if idx < 0 {
			t.Fatalf("output missing %s:\n%s", id, stdout)
		}
		if idx < last {
			t.Errorf("%s printed out of order", id)
		}
		last = idx
	}
	if strings.Contains(stdout, "os=macos-latest/runtime=a") {
		t.Error("excluded cell was listed")
	}
	if !strings.Contains(stdout, "3 cell(s)") {
		t.Errorf("missing cell count:\n%s", stdout)
	}

	jsonOut, _, err := testCLI(t, Dependencies{}, "matrix", "-C", dir, "--json")
	if err != nil {
		t.Fatalf("matrix --json error = %v", err)
	}
	if !strings.Contains(jsonOut, `"id": "os=ubuntu-latest/runtime=a"`) || !strings.Contains(jsonOut, `"axis": "runtime"`) {
		t.Errorf("unexpected JSON:\n%s", jsonOut)
	}
}

func TestMatrixCommand_InvalidPipeline(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.MustWriteFile(t, dir, "matrixci.cue", `matrix: axes: []`)

	_, stderr, err := testCLI(t, Dependencies{}, "matrix", "-C", dir)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 2 {
		t.Fatalf("error = %v, want ExitError code 2", err)
	}
	if !strings.Contains(stderr, "Error:") {
		t.Errorf("stderr should carry the rendered error:\n%s", stderr)
	}
}

func TestRunCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		args     []string
		exits    map[string]int
		wantCode int
		wantOut  string
	}{
		{
			name:    "all cells pass",
			args:    []string{"--branch", "main"},
			wantOut: "All cells passed.",
		},
		{
			name:     "failing runtime",
			args:     []string{"--branch", "main"},
			exits:    map[string]int{"b": 1},
			wantCode: 1,
			wantOut:  "os=macos-latest/runtime=b",
		},
		{
			name:    "branch outside trigger",
			args:    []string{"--branch", "feature/x"},
			exits:   map[string]int{"b": 1},
			wantOut: "Skipped:",
		},
		{
			name:     "forced branch outside trigger",
			args:     []string{"--branch", "feature/x", "--force"},
			exits:    map[string]int{"b": 1},
			wantCode: 1,
			wantOut:  "feature/x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			testutil.MustWriteFile(t, dir, "matrixci.cue", testPipeline)

			args := append([]string{"run", "-C", dir, "--plain", "--skip-publish"}, tt.args...)
			stdout, _, err := testCLI(t, Dependencies{NewProvisioner: fakeFactory(t, tt.exits)}, args...)

			if tt.wantCode == 0 {
				if err != nil {
					t.Fatalf("run error = %v", err)
				}
			} else {
				var exitErr *ExitError
				if !errors.As(err, &exitErr) || exitErr.Code != tt.wantCode {
					t.Fatalf("run error = %v, want exit %d", err, tt.wantCode)
				}
			}
			if !strings.Contains(stdout, tt.wantOut) {
				t.Errorf("stdout missing %q:\n%s", tt.wantOut, stdout)
			}
		})
	}
}

func TestRunCommand_InvalidOverride(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.MustWriteFile(t, dir, "matrixci.cue", testPipeline)

	_, _, err := testCLI(t, Dependencies{NewProvisioner: fakeFactory(t, nil)},
		"run", "-C", dir, "--branch", "main", "--kind", "vm")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 2 {
		t.Fatalf("error = %v, want ExitError code 2", err)
	}
}
