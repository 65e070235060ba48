// Package waits resolves the wait conditions of suspended processes.
//
// A resolver cycle pages through waiting processes, evaluates each
// condition and persists the verdict under the process row version.
// Evaluation is idempotent, so several instances may run the cycle
// concurrently: the loser of a version race skips the item and sees the
// winner's result on its next cycle.
package waits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/conductor/fleet/internal/database"
	"github.com/conductor/fleet/internal/periodic"
	"github.com/conductor/fleet/pkg/metrics"
	"github.com/conductor/fleet/pkg/tracing"
)

// Config holds resolver settings.
type Config struct {
	PollDelay  time.Duration
	ErrorDelay time.Duration
	// PollLimit is the page size for loading waiting processes.
	PollLimit int
	// StatusQueryLimit caps the ids per status query.
	StatusQueryLimit int
}

// DefaultConfig returns the default resolver configuration.
func DefaultConfig() Config {
	return Config{
		PollDelay:        5 * time.Second,
		ErrorDelay:       30 * time.Second,
		PollLimit:        100,
		StatusQueryLimit: 1000,
	}
}

// Summary counts what one cycle did.
type Summary struct {
	Items         int
	Resolved      int
	Updated       int
	Cleared       int
	Conflicts     int
	Invalid       int
	StatusQueries int
}

// Resolver runs wait resolution cycles.
type Resolver struct {
	store      Store
	completion *CompletionHandler
	locks      *LockHandler
	queries    atomic.Int64
	cfg        Config
	logger     zerolog.Logger
	metrics    *metrics.ControlPlaneMetrics
	runner     *periodic.Runner
}

// NewResolver creates a resolver.
func NewResolver(store Store, cfg Config, logger zerolog.Logger, m *metrics.ControlPlaneMetrics) *Resolver {
	def := DefaultConfig()
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = def.PollLimit
	}
	if cfg.StatusQueryLimit <= 0 {
		cfg.StatusQueryLimit = def.StatusQueryLimit
	}

	r := &Resolver{
		store:   store,
		cfg:     cfg,
		logger:  logger.With().Str("component", "wait-resolver").Logger(),
		metrics: m,
	}
	r.completion = NewCompletionHandler(countingFinder{store, &r.queries}, cfg.StatusQueryLimit)
	r.locks = NewLockHandler(store)
	r.runner = periodic.NewRunner("process-wait-watchdog", r, periodic.Config{
		Interval:   cfg.PollDelay,
		ErrorDelay: cfg.ErrorDelay,
	}, r.logger)
	return r
}

// Start runs resolution cycles every PollDelay.
func (r *Resolver) Start(ctx context.Context) error {
	return r.runner.Start(ctx)
}

// Stop stops the resolution loop.
func (r *Resolver) Stop(ctx context.Context) error {
	return r.runner.Stop(ctx)
}

// RunOnce runs one resolution cycle.
func (r *Resolver) RunOnce(ctx context.Context) error {
	_, err := r.Resolve(ctx)
	return err
}

// Resolve loads every waiting process page by page and applies the
// verdicts. It stops at the first short page.
func (r *Resolver) Resolve(ctx context.Context) (sum Summary, err error) {
	ctx, span := tracing.StartSpan(ctx, "waits.Resolve", tracing.AttrBatchSize.Int(r.cfg.PollLimit))
	defer span.End()

	queriesBefore := r.queries.Load()
	defer func() {
		sum.StatusQueries = int(r.queries.Load() - queriesBefore)
		if r.metrics != nil {
			r.metrics.RecordWaitCycle(sum.Items, sum.StatusQueries)
		}
	}()

	var after int64
	for {
		page, err := r.store.NextWaitItems(ctx, after, r.cfg.PollLimit)
		if err != nil {
			tracing.RecordError(ctx, err)
			return sum, fmt.Errorf("failed to load waiting processes: %w", err)
		}
		if len(page) == 0 {
			break
		}
		after = page[len(page)-1].Seq
		sum.Items += len(page)

		if err := r.resolvePage(ctx, page, &sum); err != nil {
			tracing.RecordError(ctx, err)
			return sum, err
		}
		if len(page) < r.cfg.PollLimit {
			break
		}
	}

	span.SetAttributes(tracing.AttrResolved.Int(sum.Resolved))
	r.logger.Debug().
		Int("items", sum.Items).
		Int("resolved", sum.Resolved).
		Int("updated", sum.Updated).
		Int("cleared", sum.Cleared).
		Int("conflicts", sum.Conflicts).
		Msg("wait cycle completed")
	return sum, nil
}

func (r *Resolver) resolvePage(ctx context.Context, page []database.WaitItem, sum *Summary) error {
	var completions, locks []Item
	var results []Result

	for _, w := range page {
		if w.Status.IsFinal() {
			if err := r.clear(ctx, w, sum); err != nil {
				return err
			}
			continue
		}

		cond, err := Decode(w.Condition)
		if err != nil {
			sum.Invalid++
			r.logger.Warn().Err(err).
				Str("instance_id", w.InstanceID.String()).
				Msg("skipping process with an invalid wait condition")
			continue
		}

		item := Item{WaitItem: w, Condition: cond}
		switch cond.(type) {
		case Completion:
			completions = append(completions, item)
		case Lock:
			locks = append(locks, item)
		case None:
			results = append(results, Result{Item: item, Outcome: Resolved})
		}
	}

	res, err := r.completion.Handle(ctx, completions)
	if err != nil {
		return err
	}
	results = append(results, res...)

	res, err = r.locks.Handle(ctx, locks)
	if err != nil {
		return err
	}
	results = append(results, res...)

	for _, res := range results {
		if res.Outcome == Unchanged {
			continue
		}
		if err := r.apply(ctx, res, sum); err != nil {
			return err
		}
	}
	return nil
}

// apply persists a verdict. Resolution clears the condition and releases
// the process in the same transaction.
func (r *Resolver) apply(ctx context.Context, res Result, sum *Summary) error {
	id := res.Item.InstanceID
	err := r.store.InTx(ctx, func(q Queue) error {
		var cond json.RawMessage
		waiting := false
		if res.Outcome == Updated {
			var err error
			if cond, err = Encode(res.Condition); err != nil {
				return err
			}
			waiting = true
		}

		ok, err := q.SetWait(ctx, id, cond, waiting, res.Item.Version)
		if err != nil {
			return err
		}
		if !ok {
			return database.ErrVersionConflict
		}
		if res.Outcome != Resolved {
			return nil
		}
		return release(ctx, q, id, res.ResumeEvent)
	})
	if errors.Is(err, database.ErrVersionConflict) {
		sum.Conflicts++
		r.logger.Debug().Str("instance_id", id.String()).Msg("wait condition changed concurrently, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to apply wait verdict for %s: %w", id, err)
	}

	if res.Outcome == Updated {
		sum.Updated++
		return nil
	}
	sum.Resolved++
	if r.metrics != nil {
		r.metrics.RecordWaitResolved(string(res.Item.Condition.Type()))
	}
	r.logger.Info().
		Str("instance_id", id.String()).
		Str("condition", string(res.Item.Condition.Type())).
		Str("resume_event", res.ResumeEvent).
		Msg("wait condition resolved")
	return nil
}

func release(ctx context.Context, q Queue, id uuid.UUID, event string) error {
	if event != "" {
		_, err := q.Resume(ctx, id, event)
		return err
	}
	_, err := q.UpdateExpectedStatus(ctx, id, database.ProcessStatusWaiting, database.ProcessStatusEnqueued)
	return err
}

// clear drops the condition of a process that already finished.
func (r *Resolver) clear(ctx context.Context, w database.WaitItem, sum *Summary) error {
	err := r.store.InTx(ctx, func(q Queue) error {
		ok, err := q.SetWait(ctx, w.InstanceID, nil, false, w.Version)
		if err != nil {
			return err
		}
		if !ok {
			return database.ErrVersionConflict
		}
		return nil
	})
	if errors.Is(err, database.ErrVersionConflict) {
		sum.Conflicts++
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to clear wait condition for %s: %w", w.InstanceID, err)
	}
	sum.Cleared++
	r.logger.Debug().
		Str("instance_id", w.InstanceID.String()).
		Str("status", string(w.Status)).
		Msg("cleared wait condition of finished process")
	return nil
}

type countingFinder struct {
	StatusFinder
	n *atomic.Int64
}

func (f countingFinder) FindStatuses(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]database.ProcessStatus, error) {
	f.n.Add(1)
	return f.StatusFinder.FindStatuses(ctx, ids)
}
