// SPDX-License-Identifier: MPL-2.0

package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"

	"matrixci/internal/coverage"
	"matrixci/internal/environment"
)

type (
	// Suite describes how to run the opaque test suite.
	Suite struct {
		// Command is the shell command that runs the suite.
		Command string
		// CoverageFile is where the suite writes coverage, relative to the work dir.
		// Empty disables coverage collection.
		CoverageFile   string
		CoverageFormat coverage.Format
		FlagNames      FlagNames
		Logger         *log.Logger
	}

	// lockedBuffer lets stdout and stderr share one capture buffer safely.
	lockedBuffer struct {
		mu  sync.Mutex
		buf bytes.Buffer
	}
)

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Validate checks the suite definition.
func (s Suite) Validate() error {
	if s.Command == "" {
		return errors.New("suite command is required")
	}
	if s.CoverageFile != "" {
		if ok, errs := s.CoverageFormat.IsValid(); !ok {
			return errors.Join(errs...)
		}
	}
	return nil
}

func (s Suite) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.New(io.Discard)
}

// Run executes the suite once in env and returns the cell's result. It never
// returns a Result without a Status: execution problems become StatusInfraError,
// a non-zero exit becomes StatusFailed.
func (s Suite) Run(ctx context.Context, env environment.Environment, flags Flags) Result {
	cell := env.Cell()
	logger := s.logger()
	out := &lockedBuffer{}

	logger.Debug("starting suite", "cell", cell)
	code, err := env.Exec(ctx, environment.ExecSpec{
		Script: s.Command,
		Env:    flags.Env(s.FlagNames),
		Stdout: out,
		Stderr: out,
	})
	if err != nil {
		res := InfraResult(cell, fmt.Errorf("failed to run suite: %w", err))
		res.Output = out.String()
		return res
	}

	res := Result{Cell: cell, ExitCode: code, Output: out.String()}
	res.Coverage, res.CoverageErr = s.readCoverage(env.WorkDir())
	if res.CoverageErr != nil {
		logger.Warn("coverage unreadable", "cell", cell, "error", res.CoverageErr)
	}

	if code == 0 {
		res.Status = StatusPassed
	} else {
		res.Status = StatusFailed
		res.Err = &TestFailureError{Cell: cell.ID(), ExitCode: code}
	}
	logger.Debug("suite finished", "cell", cell, "status", res.Status, "exit", code)
	return res
}

// readCoverage parses the suite's coverage file. A missing file means the suite
// emitted no telemetry and yields a nil profile without error.
func (s Suite) readCoverage(workDir string) (*coverage.Profile, error) {
	if s.CoverageFile == "" {
		return nil, nil
	}
	f, err := os.Open(filepath.Join(workDir, filepath.FromSlash(s.CoverageFile)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return coverage.Parse(s.CoverageFormat, f)
}
