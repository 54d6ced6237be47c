// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"matrixci/internal/coverage"
	"matrixci/internal/credential"
	"matrixci/internal/environment"
	"matrixci/internal/matrix"
	"matrixci/internal/publish"
	"matrixci/internal/retry"
	"matrixci/internal/runner"
	"matrixci/internal/scheduler"
)

type (
	// CredentialScoper hands out per-cell storage leases.
	CredentialScoper interface {
		Acquire(ctx context.Context, owner string) (*credential.Lease, error)
	}

	// FixtureFetcher downloads test fixtures into a cell's work dir.
	FixtureFetcher interface {
		Empty() bool
		Fetch(ctx context.Context, lease *credential.Lease, dir string) error
	}

	// SuiteRunner runs the opaque test suite in a provisioned environment.
	SuiteRunner interface {
		Run(ctx context.Context, env environment.Environment, flags runner.Flags) runner.Result
	}

	// Publisher uploads the consolidated report.
	Publisher interface {
		Publish(ctx context.Context, report publish.Report, token credential.ReportToken) (publish.Receipt, error)
	}

	// TokenSource reads the report-upload token. It is called once, after every
	// cell terminated.
	TokenSource func() (credential.ReportToken, error)

	// ReportOptions places the HTML coverage report.
	ReportOptions struct {
		// Dir receives the report; empty skips writing it.
		Dir        string
		SourceRoot string
		Title      string
	}

	// Pipeline runs one matrix expansion end to end.
	Pipeline struct {
		definition  matrix.Definition
		scheduler   *scheduler.Scheduler
		provisioner environment.Provisioner
		suite       SuiteRunner

		provisionRetry retry.Policy
		scoper         CredentialScoper
		fixtures       FixtureFetcher
		flags          runner.Flags
		publisher      Publisher
		token          TokenSource
		report         ReportOptions
		branch         string
		commit         string
		output         io.Writer
		logger         *log.Logger
		now            func() time.Time
	}

	// Option configures a Pipeline.
	Option func(*Pipeline)

	// run holds the state shared by the cells of one Run.
	run struct {
		mu       sync.Mutex
		warnings []string
	}
)

// WithProvisionRetry sets how often a failed provisioning is re-attempted.
func WithProvisionRetry(p retry.Policy) Option {
	return func(pl *Pipeline) { pl.provisionRetry = p }
}

// WithScoper enables the storage credential boundary.
func WithScoper(s CredentialScoper) Option {
	return func(pl *Pipeline) { pl.scoper = s }
}

// WithFixtures downloads fixtures with each cell's storage lease. It requires a scoper.
func WithFixtures(f FixtureFetcher) Option {
	return func(pl *Pipeline) { pl.fixtures = f }
}

// WithFlags sets the flags handed to the suite.
func WithFlags(f runner.Flags) Option {
	return func(pl *Pipeline) { pl.flags = f }
}

// WithPublisher enables the upload; token is read only when publishing.
func WithPublisher(p Publisher, token TokenSource) Option {
	return func(pl *Pipeline) {
		pl.publisher = p
		pl.token = token
	}
}

// WithReport sets where the HTML coverage report is written.
func WithReport(r ReportOptions) Option {
	return func(pl *Pipeline) { pl.report = r }
}

// WithGit records the pushed branch and commit in the published report.
func WithGit(branch, commit string) Option {
	return func(pl *Pipeline) {
		pl.branch = branch
		pl.commit = commit
	}
}

// WithOutput receives provisioning output such as setup steps and image builds.
func WithOutput(w io.Writer) Option {
	return func(pl *Pipeline) { pl.output = w }
}

// WithLogger sets the pipeline logger.
func WithLogger(l *log.Logger) Option {
	return func(pl *Pipeline) { pl.logger = l }
}

// WithClock overrides the clock used to stamp the report.
func WithClock(now func() time.Time) Option {
	return func(pl *Pipeline) { pl.now = now }
}

// New creates a Pipeline over def. The scheduler, provisioner and suite are required.
func New(def matrix.Definition, sched *scheduler.Scheduler, prov environment.Provisioner, suite SuiteRunner, opts ...Option) (*Pipeline, error) {
	if sched == nil || prov == nil || suite == nil {
		return nil, errors.New("pipeline requires a scheduler, a provisioner and a suite")
	}
	p := &Pipeline{
		definition:  def,
		scheduler:   sched,
		provisioner: prov,
		suite:       suite,
		output:      io.Discard,
		logger:      log.New(io.Discard),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.fixtures != nil && !p.fixtures.Empty() && p.scoper == nil {
		return nil, errors.New("fixtures require a storage credential scoper")
	}
	if p.publisher != nil && p.token == nil {
		return nil, errors.New("publishing requires a report token source")
	}
	return p, nil
}

// Cells expands the matrix without running anything.
func (p *Pipeline) Cells() ([]matrix.Cell, error) {
	return matrix.Expand(p.definition)
}

// Run executes every cell and then aggregates and publishes. The returned error is
// non-nil only when nothing could run (an invalid matrix); every other failure is
// recorded on the Outcome.
func (p *Pipeline) Run(ctx context.Context) (*Outcome, error) {
	cells, err := matrix.Expand(p.definition)
	if err != nil {
		return nil, err
	}
	p.logger.Info("Expanded matrix", "cells", len(cells), "ceiling", p.scheduler.Ceiling())

	r := &run{}
	results, stats := p.scheduler.Run(ctx, cells, func(ctx context.Context, cell matrix.Cell) runner.Result {
		return p.runCell(ctx, r, cell)
	})

	out := &Outcome{Results: results, Stats: stats, TestStatus: TestsPassed, PublishStatus: PublishDisabled}
	profiles := make([]*coverage.Profile, 0, len(results))
	for _, res := range results {
		switch {
		case res.Status == runner.StatusFailed:
			out.TestStatus = TestsFailed
			out.TestFailures++
		case res.Status.Infrastructure():
			out.InfraFailures++
		}
		if res.CoverageErr != nil {
			r.warn(fmt.Sprintf("%s: coverage unreadable: %v", res.Cell.ID(), res.CoverageErr))
		}
		if res.Coverage != nil {
			profiles = append(profiles, res.Coverage)
			out.CoverageCells = append(out.CoverageCells, res.Cell.ID())
		}
	}
	out.Coverage = coverage.Aggregate(profiles...)

	if p.report.Dir != "" && len(profiles) > 0 {
		cellNames := make([]string, len(out.CoverageCells))
		for i, id := range out.CoverageCells {
			cellNames[i] = id.String()
		}
		err := coverage.WriteReport(out.Coverage, coverage.ReportOptions{
			Dir:         p.report.Dir,
			SourceRoot:  p.report.SourceRoot,
			Title:       p.report.Title,
			Cells:       cellNames,
			GeneratedAt: p.now(),
		})
		if err != nil {
			out.ReportErr = err
			r.warn(fmt.Sprintf("coverage report not written: %v", err))
		} else {
			out.ReportDir = p.report.Dir
		}
	}

	p.publish(ctx, r, out, len(profiles))

	out.Warnings = r.sortedWarnings()
	p.logger.Info("Pipeline finished",
		"tests", out.TestStatus, "infra_failures", out.InfraFailures,
		"publish", out.PublishStatus, "peak", stats.Peak)
	return out, nil
}

// runCell is the strictly ordered per-cell sequence. A provisioning failure skips
// the credential scoper and the suite.
func (p *Pipeline) runCell(ctx context.Context, r *run, cell matrix.Cell) runner.Result {
	logger := p.logger.With("cell", cell.ID())

	env, err := p.provision(ctx, r, cell)
	if err != nil {
		logger.Error("Provisioning failed", "error", err)
		return runner.InfraResult(cell, err)
	}
	defer func() {
		if cerr := env.Close(); cerr != nil {
			logger.Warn("Environment cleanup failed", "error", cerr)
		}
	}()

	execEnv := env
	if p.scoper != nil {
		lease, err := p.scoper.Acquire(ctx, cell.ID().String())
		if err != nil {
			logger.Error("Credential scope unavailable", "error", err)
			return runner.InfraResult(cell, err)
		}
		defer lease.Release()

		if p.fixtures != nil && !p.fixtures.Empty() {
			if err := p.fixtures.Fetch(ctx, lease, env.WorkDir()); err != nil {
				logger.Error("Fixture download failed", "error", err)
				return runner.InfraResult(cell, &environment.ProvisioningError{
					Cell: cell.ID(), Stage: environment.StageFixtures, Err: err,
				})
			}
		}

		vars, err := lease.Env()
		if err != nil {
			return runner.InfraResult(cell, err)
		}
		execEnv = environment.Inject(env, vars)
	}

	res := p.suite.Run(ctx, execEnv, p.flags)
	logger.Info("Cell finished", "status", res.Status, "exit", res.ExitCode)
	return res
}

func (p *Pipeline) provision(ctx context.Context, r *run, cell matrix.Cell) (environment.Environment, error) {
	var env environment.Environment
	err := retry.Do(ctx, p.provisionRetry, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			p.logger.Warn("Re-attempting provisioning", "cell", cell.ID(), "attempt", attempt+1)
		}
		e, err := p.provisioner.Provision(ctx, cell, p.output)
		if err != nil {
			if errors.Is(err, environment.ErrUnsupportedOS) || errors.Is(err, environment.ErrInvalidKind) {
				return retry.Permanent(err)
			}
			return err
		}
		env = e
		return nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		r.warn(fmt.Sprintf("%s: provisioning still failing after retry: %v", cell.ID(), err))
	}
	return env, err
}

func (p *Pipeline) publish(ctx context.Context, r *run, out *Outcome, contributing int) {
	switch {
	case p.publisher == nil:
		out.PublishStatus = PublishDisabled
		return
	case ctx.Err() != nil:
		out.PublishStatus = PublishSkipped
		r.warn("publish skipped: pipeline cancelled")
		return
	case contributing == 0:
		out.PublishStatus = PublishSkipped
		r.warn("publish skipped: no cell produced coverage")
		return
	}

	token, err := p.token()
	if err != nil {
		out.PublishStatus = PublishFailed
		out.PublishErr = &publish.PublishError{Auth: true, Err: err}
		return
	}

	receipt, err := p.publisher.Publish(ctx, publish.Report{
		Profile: out.Coverage,
		Branch:  p.branch,
		Commit:  p.commit,
		Cells:   contributing,
	}, token)
	if err != nil {
		out.PublishStatus = PublishFailed
		out.PublishErr = err
		if errors.Is(err, retry.ErrExhausted) {
			r.warn(fmt.Sprintf("publish still failing after retry: %v", err))
		}
		p.logger.Error("Publishing failed", "error", err)
		return
	}
	out.PublishStatus = PublishSucceeded
	out.Receipt = receipt
}

func (r *run) warn(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, msg)
}

func (r *run) sortedWarnings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(r.warnings)
	slices.Sort(out)
	return out
}
