// SPDX-License-Identifier: MPL-2.0

package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"testing"

	"matrixci/internal/coverage"
	"matrixci/internal/environment"
	"matrixci/internal/matrix"
	"matrixci/internal/testutil"
)

// fakeEnv is an environment whose Exec is a Go function.
type fakeEnv struct {
	cell matrix.Cell
	dir  string
	exec func(spec environment.ExecSpec, dir string) (int, error)
	seen map[string]string
}

func (f *fakeEnv) Cell() matrix.Cell { return f.cell }
func (f *fakeEnv) WorkDir() string   { return f.dir }
func (f *fakeEnv) Close() error      { return nil }

func (f *fakeEnv) Exec(_ context.Context, spec environment.ExecSpec) (int, error) {
	f.seen = maps.Clone(spec.Env)
	return f.exec(spec, f.dir)
}

func newFakeEnv(t *testing.T, exec func(environment.ExecSpec, string) (int, error)) *fakeEnv {
	t.Helper()
	return &fakeEnv{
		cell: matrix.NewCell(
			matrix.AxisValue{Axis: matrix.AxisOS, Value: "ubuntu-latest"},
			matrix.AxisValue{Axis: matrix.AxisRuntime, Value: "3.8"},
		),
		dir:  t.TempDir(),
		exec: exec,
	}
}

const coverageDoc = `{"files": {"beep/structure.py": {"executed_lines": [1, 2], "missing_lines": [3]}}}`

func testSuite() Suite {
	return Suite{
		Command:        "coverage run -m pytest && coverage json",
		CoverageFile:   "coverage.json",
		CoverageFormat: coverage.FormatCoveragePy,
	}
}

func TestSuite_RunPassed(t *testing.T) {
	t.Parallel()

	env := newFakeEnv(t, func(spec environment.ExecSpec, dir string) (int, error) {
		fmt.Fprintln(spec.Stdout, "5 passed")
		testutil.MustWriteFile(t, dir, "coverage.json", coverageDoc)
		return 0, nil
	})

	res := testSuite().Run(context.Background(), env, Flags{DisplayBackend: "Agg", EnvMode: "dev", BigTests: true})

	if res.Status != StatusPassed || res.Err != nil {
		t.Fatalf("Run() = %s, %v; want passed", res.Status, res.Err)
	}
	if res.Cell.ID() != env.cell.ID() {
		t.Errorf("result cell = %s", res.Cell)
	}
	if res.Output != "5 passed\n" {
		t.Errorf("Output = %q", res.Output)
	}
	if res.Coverage == nil {
		t.Fatal("Coverage = nil")
	}
	if tot := res.Coverage.Totals(); tot.Statements != 3 || tot.Covered != 2 {
		t.Errorf("coverage totals = %+v", tot)
	}
	want := map[string]string{"MPLBACKEND": "Agg", "APP_ENV": "dev", "BIG_FILE_TESTS": "True"}
	if !maps.Equal(env.seen, want) {
		t.Errorf("exported flags = %v, want %v", env.seen, want)
	}
}

func TestSuite_RunFailed(t *testing.T) {
	t.Parallel()

	env := newFakeEnv(t, func(spec environment.ExecSpec, dir string) (int, error) {
		fmt.Fprintln(spec.Stderr, "1 failed")
		testutil.MustWriteFile(t, dir, "coverage.json", coverageDoc)
		return 1, nil
	})

	res := testSuite().Run(context.Background(), env, Flags{})

	if res.Status != StatusFailed || res.ExitCode != 1 {
		t.Fatalf("Run() = %s/%d, want failed/1", res.Status, res.ExitCode)
	}
	var tf *TestFailureError
	if !errors.As(res.Err, &tf) || !errors.Is(res.Err, ErrTestFailure) {
		t.Errorf("Err = %v, want TestFailureError", res.Err)
	}
	if res.Coverage == nil {
		t.Error("a failing suite that wrote coverage should still contribute it")
	}
	if res.Status.Infrastructure() {
		t.Error("test failure reported as infrastructure failure")
	}
}

func TestSuite_RunNoCoverageFile(t *testing.T) {
	t.Parallel()

	env := newFakeEnv(t, func(environment.ExecSpec, string) (int, error) { return 0, nil })

	res := testSuite().Run(context.Background(), env, Flags{})
	if res.Status != StatusPassed {
		t.Fatalf("Status = %s, want passed", res.Status)
	}
	if res.Coverage != nil || res.CoverageErr != nil {
		t.Errorf("missing coverage file should yield no coverage and no error, got %v / %v", res.Coverage, res.CoverageErr)
	}
}

func TestSuite_RunCorruptCoverage(t *testing.T) {
	t.Parallel()

	env := newFakeEnv(t, func(_ environment.ExecSpec, dir string) (int, error) {
		testutil.MustWriteFile(t, dir, "coverage.json", "{not json")
		return 0, nil
	})

	res := testSuite().Run(context.Background(), env, Flags{})
	if res.Status != StatusPassed {
		t.Errorf("Status = %s; unreadable coverage must not change the verdict", res.Status)
	}
	if res.CoverageErr == nil || res.Coverage != nil {
		t.Errorf("CoverageErr = %v, Coverage = %v", res.CoverageErr, res.Coverage)
	}
}

func TestSuite_RunExecError(t *testing.T) {
	t.Parallel()

	boom := errors.New("engine vanished")
	env := newFakeEnv(t, func(spec environment.ExecSpec, _ string) (int, error) {
		_, _ = io.WriteString(spec.Stdout, "partial")
		return 0, boom
	})

	res := testSuite().Run(context.Background(), env, Flags{})
	if res.Status != StatusInfraError || !errors.Is(res.Err, boom) {
		t.Fatalf("Run() = %s, %v; want infra error wrapping cause", res.Status, res.Err)
	}
	if res.Output != "partial" {
		t.Errorf("Output = %q, want partial output kept", res.Output)
	}
}

func TestFlags_Env(t *testing.T) {
	t.Parallel()

	got := Flags{}.Env(FlagNames{BigTests: "BEEP_BIG_TESTS"})
	want := map[string]string{"BEEP_BIG_TESTS": "False"}
	if !maps.Equal(got, want) {
		t.Errorf("Env() = %v, want %v", got, want)
	}
}

func TestSuite_Validate(t *testing.T) {
	t.Parallel()

	if err := (Suite{}).Validate(); err == nil {
		t.Error("empty suite should not validate")
	}
	if err := (Suite{Command: "pytest", CoverageFile: "c.json", CoverageFormat: "lcov"}).Validate(); !errors.Is(err, coverage.ErrInvalidFormat) {
		t.Errorf("Validate() error = %v, want ErrInvalidFormat", err)
	}
	if err := testSuite().Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestTimeoutError(t *testing.T) {
	t.Parallel()

	err := &TimeoutError{Cell: "os=linux/runtime=3.8", Err: context.DeadlineExceeded}
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("TimeoutError does not unwrap to ErrTimeout and its cause")
	}
}
