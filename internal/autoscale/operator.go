package autoscale

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/conductor/fleet/internal/periodic"
	"github.com/conductor/fleet/pkg/metrics"
	"github.com/conductor/fleet/pkg/tracing"
)

// QueueSource lists the requirements of enqueued processes.
type QueueSource interface {
	ListEnqueuedRequirements(ctx context.Context, limit int) ([]map[string]any, error)
}

// ReplicaSet observes and changes the replicas backing agent pools.
type ReplicaSet interface {
	// Count returns the running replicas of a pool.
	Count(ctx context.Context, pool string) (int, error)
	// Scale creates or removes replicas until the pool runs target of them.
	Scale(ctx context.Context, spec PoolSpec, target int) error
}

// OperatorConfig holds loop delays.
type OperatorConfig struct {
	PollDelay  time.Duration
	ErrorDelay time.Duration
}

// Operator is the control loop around Scaler: it observes replica counts
// and queue depth, computes targets and applies them.
type Operator struct {
	queue    QueueSource
	replicas ReplicaSet
	logger   zerolog.Logger
	metrics  *metrics.OperatorMetrics
	runner   *periodic.Runner

	// CanGrow and CanShrink default to the cooldown gates.
	CanGrow   Gate
	CanShrink Gate
	Now       func() time.Time

	mu    sync.Mutex
	pools map[string]PoolState
}

// NewOperator creates an operator managing the given pools.
func NewOperator(queue QueueSource, replicas ReplicaSet, specs []PoolSpec, cfg OperatorConfig, logger zerolog.Logger, m *metrics.OperatorMetrics) *Operator {
	o := &Operator{
		queue:     queue,
		replicas:  replicas,
		logger:    logger.With().Str("component", "agent-operator").Logger(),
		metrics:   m,
		CanGrow:   ScaleUpCooldown,
		CanShrink: ScaleDownCooldown,
		Now:       time.Now,
		pools:     make(map[string]PoolState, len(specs)),
	}
	for _, spec := range specs {
		o.pools[spec.Name] = NewPoolState(spec)
	}
	o.runner = periodic.NewRunner("agent-operator", periodic.TaskFunc(o.Reconcile), periodic.Config{
		Interval:   cfg.PollDelay,
		ErrorDelay: cfg.ErrorDelay,
	}, o.logger)
	return o
}

// Start runs Reconcile periodically.
func (o *Operator) Start(ctx context.Context) error {
	return o.runner.Start(ctx)
}

// Stop stops the loop.
func (o *Operator) Stop(ctx context.Context) error {
	return o.runner.Stop(ctx)
}

// SetPools replaces the pool definitions. Pools no longer defined are
// marked DELETED; they scale to zero and are then forgotten.
func (o *Operator) SetPools(specs []PoolSpec) {
	o.mu.Lock()
	defer o.mu.Unlock()

	defined := make(map[string]bool, len(specs))
	for _, spec := range specs {
		defined[spec.Name] = true
		if st, ok := o.pools[spec.Name]; ok {
			st.Spec = spec
			st.Status = PoolStatusActive
			o.pools[spec.Name] = st
			continue
		}
		o.pools[spec.Name] = NewPoolState(spec)
	}
	for name, st := range o.pools {
		if !defined[name] {
			st.Status = PoolStatusDeleted
			o.pools[name] = st
		}
	}
}

// State returns the current state of a pool.
func (o *Operator) State(name string) (PoolState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.pools[name]
	if !ok {
		return PoolState{}, fmt.Errorf("%w: %s", ErrUnknownPool, name)
	}
	return st, nil
}

// States returns all pool states ordered by name.
func (o *Operator) States() []PoolState {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]PoolState, 0, len(o.pools))
	for _, st := range o.pools {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Reconcile performs one observe-compute-apply pass over all pools. A
// failing pool does not stop the others; their errors are joined.
func (o *Operator) Reconcile(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "autoscale.Reconcile")
	defer span.End()

	states := o.States()
	if len(states) == 0 {
		return nil
	}

	limit := 0
	for _, st := range states {
		if st.Spec.QueueQueryLimit > limit {
			limit = st.Spec.QueueQueryLimit
		}
	}
	entries, err := o.queue.ListEnqueuedRequirements(ctx, limit)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to list enqueued processes: %w", err)
	}

	var errs []error
	for _, st := range states {
		if err := o.reconcilePool(ctx, st, entries); err != nil {
			if o.metrics != nil {
				o.metrics.RecordReconcileError(st.Name())
			}
			errs = append(errs, fmt.Errorf("pool %s: %w", st.Name(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

func (o *Operator) reconcilePool(ctx context.Context, st PoolState, entries []map[string]any) error {
	name := st.Name()
	logger := o.logger.With().Str("pool", name).Logger()

	observed, err := o.replicas.Count(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to count replicas: %w", err)
	}

	if st.Status == PoolStatusDeleted && observed == 0 {
		o.forget(name)
		logger.Info().Msg("deleted pool drained, forgetting it")
		return nil
	}

	window := entries
	if limit := st.Spec.QueueQueryLimit; limit > 0 && len(window) > limit {
		window = window[:limit]
	}
	depth := st.Spec.Selector.Count(window)

	scaler := &Scaler{
		Observed:  func(string) int { return observed },
		CanGrow:   o.CanGrow,
		CanShrink: o.CanShrink,
		Now:       o.Now,
	}
	next, decision := scaler.Apply(st, depth)

	if next.TargetSize != observed {
		if err := o.replicas.Scale(ctx, next.Spec, next.TargetSize); err != nil {
			return fmt.Errorf("failed to scale to %d: %w", next.TargetSize, err)
		}
	}
	if !o.store(next) {
		return nil
	}

	if o.metrics != nil {
		o.metrics.RecordPool(name, depth, observed, next.TargetSize, string(decision))
	}

	ev := logger.Debug()
	if next.TargetSize != st.TargetSize {
		ev = logger.Info()
	}
	ev.Int("queue_depth", depth).
		Int("observed", observed).
		Int("previous_target", st.TargetSize).
		Int("target", next.TargetSize).
		Str("decision", string(decision)).
		Msg("pool reconciled")
	return nil
}

// store saves a pool state unless the pool was removed meanwhile. The
// spec and status may have been changed by SetPools during the pass, so
// only the computed fields are written back.
func (o *Operator) store(next PoolState) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	cur, ok := o.pools[next.Name()]
	if !ok {
		return false
	}
	cur.TargetSize = next.TargetSize
	cur.ObservedSize = next.ObservedSize
	cur.LastScaleUp = next.LastScaleUp
	cur.LastScaleDown = next.LastScaleDown
	o.pools[next.Name()] = cur
	return true
}

func (o *Operator) forget(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pools, name)
}
