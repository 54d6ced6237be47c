// SPDX-License-Identifier: MPL-2.0

// Package scheduler dispatches matrix cells under a global concurrency ceiling.
//
// Every cell is dispatched exactly once and always yields one runner.Result. A
// failing cell never cancels its siblings; only cancellation of the parent context
// stops dispatch, and cells that never started are recorded as infrastructure
// errors.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"matrixci/internal/matrix"
	"matrixci/internal/runner"
)

// ErrInvalidCeiling is returned for a concurrency ceiling below one.
var ErrInvalidCeiling = errors.New("concurrency ceiling must be at least 1")

type (
	// Job runs one cell to a terminal result.
	Job func(ctx context.Context, cell matrix.Cell) runner.Result

	// Scheduler runs cells with at most Ceiling of them in flight.
	Scheduler struct {
		ceiling int
		timeout time.Duration
		logger  *log.Logger
	}

	// Option configures a Scheduler.
	Option func(*Scheduler)

	// Stats describes a completed run.
	Stats struct {
		// Peak is the highest number of cells observed running at once.
		Peak int
		// Dispatched counts cells whose job was started.
		Dispatched int
		// Durations holds each dispatched cell's wall time.
		Durations map[matrix.CellID]time.Duration
	}

	// budget is the shared concurrency budget: a weighted semaphore of permits plus
	// an atomic running counter used to report the observed peak.
	budget struct {
		sem     *semaphore.Weighted
		running atomic.Int64
		peak    atomic.Int64
	}
)

// WithTimeout limits each cell's job; zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a scheduler with the given ceiling.
func New(ceiling int, opts ...Option) (*Scheduler, error) {
	if ceiling < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCeiling, ceiling)
	}
	s := &Scheduler{ceiling: ceiling, logger: log.New(io.Discard)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ceiling returns the concurrency ceiling.
func (s *Scheduler) Ceiling() int { return s.ceiling }

func (b *budget) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	// Acquire may win a race with cancellation
	if err := ctx.Err(); err != nil {
		b.sem.Release(1)
		return err
	}
	n := b.running.Add(1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			return nil
		}
	}
}

func (b *budget) release() {
	b.running.Add(-1)
	b.sem.Release(1)
}

// Run dispatches every cell and waits for all of them to reach a terminal state.
// Results are returned in the order of cells regardless of completion order.
func (s *Scheduler) Run(ctx context.Context, cells []matrix.Cell, job Job) ([]runner.Result, Stats) {
	results := make([]runner.Result, len(cells))
	b := &budget{sem: semaphore.NewWeighted(int64(s.ceiling))}

	var (
		g   errgroup.Group
		mu  sync.Mutex
		dur = make(map[matrix.CellID]time.Duration, len(cells))
	)

	dispatched := 0
	for i, cell := range cells {
		if err := b.acquire(ctx); err != nil {
			for j := i; j < len(cells); j++ {
				results[j] = runner.InfraResult(cells[j], fmt.Errorf("%w: %w", runner.ErrCancelled, err))
			}
			s.logger.Warn("run cancelled, skipping remaining cells", "skipped", len(cells)-i)
			break
		}
		dispatched++

		g.Go(func() error {
			defer b.release()
			start := time.Now()
			results[i] = s.runCell(ctx, cell, job)
			elapsed := time.Since(start)

			mu.Lock()
			dur[cell.ID()] = elapsed
			mu.Unlock()

			s.logger.Info("cell finished", "cell", cell, "status", results[i].Status, "elapsed", elapsed.Round(time.Millisecond))
			return nil
		})
	}
	_ = g.Wait()

	return results, Stats{Peak: int(b.peak.Load()), Dispatched: dispatched, Durations: dur}
}

// runCell applies the per-cell timeout and normalizes results produced after the
// deadline into TimeoutErrors.
func (s *Scheduler) runCell(ctx context.Context, cell matrix.Cell, job Job) (res runner.Result) {
	cellCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		cellCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			res = runner.InfraResult(cell, fmt.Errorf("cell job panicked: %v", r))
		}
	}()

	s.logger.Debug("dispatching cell", "cell", cell)
	res = job(cellCtx, cell)
	res.Cell = cell

	if res.Status != runner.StatusPassed && ctx.Err() == nil && errors.Is(cellCtx.Err(), context.DeadlineExceeded) {
		res.Status = runner.StatusInfraError
		res.Err = &runner.TimeoutError{Cell: cell.ID(), Timeout: s.timeout, Err: res.Err}
	}
	if res.Status == "" {
		res.Status = runner.StatusInfraError
		if res.Err == nil {
			res.Err = errors.New("cell job returned no status")
		}
	}
	return res
}
