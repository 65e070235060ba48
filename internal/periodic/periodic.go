// Package periodic runs background tasks with a fixed delay between runs.
//
// A Runner never overlaps its own task: the next run is scheduled only
// after the previous one returned. A failed run is followed by the
// error delay instead of the regular interval.
package periodic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task performs one unit of background work.
type Task interface {
	RunOnce(ctx context.Context) error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context) error

// RunOnce calls f(ctx).
func (f TaskFunc) RunOnce(ctx context.Context) error {
	return f(ctx)
}

// Config holds the delays of a Runner.
type Config struct {
	// Interval is the delay after a successful run.
	Interval time.Duration
	// ErrorDelay is the delay after a failed run.
	ErrorDelay time.Duration
}

// Runner executes a Task repeatedly until stopped.
type Runner struct {
	name   string
	task   Task
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRunner creates a Runner. A zero ErrorDelay falls back to Interval.
func NewRunner(name string, task Task, cfg Config, logger zerolog.Logger) *Runner {
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = cfg.Interval
	}
	return &Runner{
		name:   name,
		task:   task,
		cfg:    cfg,
		logger: logger.With().Str("task", name).Logger(),
	}
}

// Start launches the background loop. The first run happens immediately.
func (r *Runner) Start(ctx context.Context) error {
	if r.cfg.Interval <= 0 {
		return fmt.Errorf("periodic task %s: interval must be positive", r.name)
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("periodic task %s already running", r.name)
	}
	r.running = true
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(ctx, stopCh)
	}()

	r.logger.Info().
		Dur("interval", r.cfg.Interval).
		Dur("error_delay", r.cfg.ErrorDelay).
		Msg("periodic task started")
	return nil
}

// Stop signals the loop to exit and waits for the current run to finish
// or for ctx to expire.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info().Msg("periodic task stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn().Msg("periodic task stop timed out")
		return ctx.Err()
	}
}

// RunOnce runs the task a single time, outside the loop.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.task.RunOnce(ctx)
}

func (r *Runner) loop(ctx context.Context, stopCh <-chan struct{}) {
	// Cancel the in-flight run when Stop is called.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-runCtx.Done():
			return
		case <-timer.C:
		}

		delay := r.cfg.Interval
		if err := r.task.RunOnce(runCtx); err != nil {
			if runCtx.Err() != nil && errors.Is(err, context.Canceled) {
				return
			}
			r.logger.Error().Err(err).Dur("retry_in", r.cfg.ErrorDelay).Msg("periodic task failed")
			delay = r.cfg.ErrorDelay
		}
		timer.Reset(delay)
	}
}
