// Package worker dispatches remediation pipelines onto a bounded pool of
// goroutines, one per issue. Pipelines for different issues run concurrently;
// a second dispatch for an issue already in flight is rejected.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/remedyhq/remedy/internal/store"
)

// Runner drives one run to a terminal state.
type Runner interface {
	Run(ctx context.Context, run store.Run) error
}

// Dispatcher manages pipeline goroutines. It limits concurrency and tracks
// which issues are currently in flight.
type Dispatcher struct {
	runner     Runner
	maxWorkers int
	logger     *slog.Logger

	mu     sync.Mutex
	active map[int]context.CancelFunc // issue number → cancel
	sem    chan struct{}
	wg     sync.WaitGroup
}

// New creates a Dispatcher running at most maxWorkers pipelines at once.
func New(runner Runner, maxWorkers int, logger *slog.Logger) *Dispatcher {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		runner:     runner,
		maxWorkers: maxWorkers,
		logger:     logger,
		active:     make(map[int]context.CancelFunc),
		sem:        make(chan struct{}, maxWorkers),
	}
}

// Dispatch starts a pipeline goroutine for the run. It fails when the issue
// is already in flight or no worker slot is free.
func (d *Dispatcher) Dispatch(ctx context.Context, run store.Run) error {
	d.mu.Lock()
	if _, ok := d.active[run.IssueNumber]; ok {
		d.mu.Unlock()
		return fmt.Errorf("issue %d is already running", run.IssueNumber)
	}
	d.mu.Unlock()

	select {
	case d.sem <- struct{}{}:
	default:
		return fmt.Errorf("no worker slot available (max %d)", d.maxWorkers)
	}

	runCtx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	d.active[run.IssueNumber] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(runCtx, cancel, run)
	return nil
}

func (d *Dispatcher) run(ctx context.Context, cancel context.CancelFunc, run store.Run) {
	defer d.wg.Done()
	defer func() {
		<-d.sem
		d.mu.Lock()
		delete(d.active, run.IssueNumber)
		d.mu.Unlock()
		cancel()
	}()

	err := d.runner.Run(ctx, run)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		d.logger.Info("run cancelled", "issue", run.IssueNumber)
	default:
		// Already persisted on the run record; log for the operator.
		d.logger.Error("run finished with failure", "issue", run.IssueNumber, "error", err)
	}
}

// Cancel stops the pipeline for the given issue, if one is in flight.
func (d *Dispatcher) Cancel(issueNumber int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cancel, ok := d.active[issueNumber]
	if ok {
		cancel()
	}
	return ok
}

// IsRunning reports whether a pipeline is in flight for the issue.
func (d *Dispatcher) IsRunning(issueNumber int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[issueNumber]
	return ok
}

// ActiveCount returns the number of pipelines in flight.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Wait blocks until all in-flight pipelines finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
