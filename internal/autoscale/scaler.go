// Package autoscale computes agent pool target sizes from queue pressure
// and drives them onto replica sets.
//
// Apply is pure: observation of running replicas and gating decisions are
// supplied by the caller, and no I/O happens while computing a target.
// The Operator is the control loop that does the observing and effecting.
package autoscale

import (
	"math"
	"time"
)

// Decision describes what Apply did to a pool.
type Decision string

const (
	DecisionGrow    Decision = "grow"
	DecisionShrink  Decision = "shrink"
	DecisionHold    Decision = "hold"
	DecisionWaiting Decision = "waiting"
	DecisionGated   Decision = "gated"
)

// Gate decides whether a pool may change size at now.
type Gate func(state PoolState, now time.Time) bool

// ScaleUpCooldown passes once ScaleUpDelay has elapsed since the last growth.
func ScaleUpCooldown(state PoolState, now time.Time) bool {
	return state.LastScaleUp.IsZero() || now.Sub(state.LastScaleUp) >= state.Spec.ScaleUpDelay
}

// ScaleDownCooldown passes once ScaleDownDelay has elapsed since the last shrink.
func ScaleDownCooldown(state PoolState, now time.Time) bool {
	return state.LastScaleDown.IsZero() || now.Sub(state.LastScaleDown) >= state.Spec.ScaleDownDelay
}

// Always passes unconditionally.
func Always(PoolState, time.Time) bool { return true }

// Scaler applies a pool's policy. Observed reports the running replica
// count of a pool.
type Scaler struct {
	Observed  func(pool string) int
	CanGrow   Gate
	CanShrink Gate
	Now       func() time.Time
}

// NewScaler returns a scaler using cooldown gates and the wall clock.
func NewScaler(observed func(pool string) int) *Scaler {
	return &Scaler{
		Observed:  observed,
		CanGrow:   ScaleUpCooldown,
		CanShrink: ScaleDownCooldown,
		Now:       time.Now,
	}
}

// Apply returns the next state of a pool given the current queue depth.
// The target always stays within [MinSize, MaxSize] for an active pool.
func (s *Scaler) Apply(state PoolState, queueDepth int) (PoolState, Decision) {
	now := s.now()
	spec := state.Spec
	next := state

	if s.Observed != nil {
		next.ObservedSize = s.Observed(spec.Name)
	}

	if state.Status == PoolStatusDeleted {
		next.TargetSize = 0
		return next, DecisionShrink
	}

	current := clamp(state.TargetSize, spec.MinSize, spec.MaxSize)
	next.TargetSize = current

	// The previous target is still being rolled out.
	if next.ObservedSize != state.TargetSize {
		return next, DecisionWaiting
	}

	desired := Target(spec, current, queueDepth)
	switch {
	case desired > current:
		if gate := s.CanGrow; gate != nil && !gate(state, now) {
			return next, DecisionGated
		}
		next.TargetSize = desired
		next.LastScaleUp = now
		return next, DecisionGrow
	case desired < current:
		if gate := s.CanShrink; gate != nil && !gate(state, now) {
			return next, DecisionGated
		}
		next.TargetSize = desired
		next.LastScaleDown = now
		return next, DecisionShrink
	default:
		return next, DecisionHold
	}
}

func (s *Scaler) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Target computes the ungated target for a pool of size current with
// queueDepth matching entries, clamped to the pool bounds.
func Target(spec PoolSpec, current, queueDepth int) int {
	target := current

	if current == 0 {
		if queueDepth > 0 {
			target = 1
		}
		return clamp(target, spec.MinSize, spec.MaxSize)
	}

	ratio := float64(queueDepth) / float64(current)
	switch {
	case ratio > spec.IncrementThresholdFactor:
		target = current + step(current, spec.PercentIncrement)
	case ratio < spec.DecrementThresholdFactor:
		target = current - step(current, spec.PercentDecrement)
	}
	return clamp(target, spec.MinSize, spec.MaxSize)
}

func step(size int, percent float64) int {
	n := int(math.Ceil(float64(size) * percent / 100))
	if n < 1 {
		return 1
	}
	return n
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
