package autoscale

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec() PoolSpec {
	spec := DefaultPoolSpec()
	spec.Name = "default"
	return spec
}

// run applies the scaler repeatedly with replicas tracking the target,
// returning the target after each round.
func run(t *testing.T, st PoolState, queueDepth, rounds int) (PoolState, []int) {
	t.Helper()
	pods := st.TargetSize
	s := &Scaler{
		Observed:  func(string) int { return pods },
		CanGrow:   Always,
		CanShrink: Always,
	}
	var targets []int
	for i := 0; i < rounds; i++ {
		st, _ = s.Apply(st, queueDepth)
		pods = st.TargetSize
		targets = append(targets, st.TargetSize)
	}
	return st, targets
}

func TestApply_StableWhenIdle(t *testing.T) {
	_, targets := run(t, NewPoolState(testSpec()), 0, 5)
	assert.Equal(t, []int{1, 1, 1, 1, 1}, targets)
}

func TestApply_ReferenceGrowthAndDecay(t *testing.T) {
	st, targets := run(t, NewPoolState(testSpec()), 10, 4)
	assert.Equal(t, []int{2, 3, 5, 8}, targets)

	_, targets = run(t, st, 0, 2)
	assert.Equal(t, []int{7, 6}, targets)
}

func TestApply_BootstrapFromZero(t *testing.T) {
	spec := testSpec()
	spec.MinSize = 0
	spec.Size = 0

	st, targets := run(t, NewPoolState(spec), 10, 4)
	assert.Equal(t, []int{1, 2, 3, 5}, targets)

	_, targets = run(t, st, 0, 5)
	assert.Equal(t, []int{4, 3, 2, 1, 0}, targets)
}

func TestApply_HoldsUntilReplicasCatchUp(t *testing.T) {
	st := NewPoolState(testSpec())
	pods := 1
	s := &Scaler{Observed: func(string) int { return pods }, CanGrow: Always, CanShrink: Always}

	st, d := s.Apply(st, 10)
	require.Equal(t, DecisionGrow, d)
	require.Equal(t, 2, st.TargetSize)

	// replicas still at 1
	for i := 0; i < 3; i++ {
		st, d = s.Apply(st, 10)
		assert.Equal(t, DecisionWaiting, d)
		assert.Equal(t, 2, st.TargetSize)
	}

	pods = 2
	st, d = s.Apply(st, 10)
	assert.Equal(t, DecisionGrow, d)
	assert.Equal(t, 3, st.TargetSize)
}

func TestApply_GatesPreserveTarget(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := NewPoolState(testSpec())
	st.TargetSize = 4
	st.ObservedSize = 4
	st.LastScaleUp = now.Add(-10 * time.Second)
	st.LastScaleDown = now.Add(-time.Minute)

	s := NewScaler(func(string) int { return 4 })
	s.Now = func() time.Time { return now }

	next, d := s.Apply(st, 100)
	assert.Equal(t, DecisionGated, d)
	assert.Equal(t, 4, next.TargetSize)

	next, d = s.Apply(st, 0)
	assert.Equal(t, DecisionGated, d)
	assert.Equal(t, 4, next.TargetSize)

	s.Now = func() time.Time { return now.Add(time.Minute) }
	next, d = s.Apply(st, 100)
	assert.Equal(t, DecisionGrow, d)
	assert.Equal(t, 6, next.TargetSize)
	assert.Equal(t, now.Add(time.Minute), next.LastScaleUp)
	assert.Equal(t, st.LastScaleDown, next.LastScaleDown)
}

func TestApply_DeletedPoolScalesToZero(t *testing.T) {
	st := NewPoolState(testSpec())
	st.TargetSize = 3
	st.Status = PoolStatusDeleted

	s := &Scaler{Observed: func(string) int { return 3 }}
	next, d := s.Apply(st, 50)
	assert.Equal(t, DecisionShrink, d)
	assert.Zero(t, next.TargetSize)
}

func TestTarget_AlwaysWithinBounds(t *testing.T) {
	specs := []PoolSpec{
		testSpec(),
		{MinSize: 0, MaxSize: 3, PercentIncrement: 200, PercentDecrement: 90, IncrementThresholdFactor: 0.5, DecrementThresholdFactor: 0.2},
		{MinSize: 2, MaxSize: 2, PercentIncrement: 50, PercentDecrement: 50, IncrementThresholdFactor: 1, DecrementThresholdFactor: 1},
		{MinSize: 5, MaxSize: 20, PercentIncrement: 0, PercentDecrement: 0, IncrementThresholdFactor: 2, DecrementThresholdFactor: 1},
	}
	for _, spec := range specs {
		for current := 0; current <= 25; current++ {
			for _, depth := range []int{0, 1, 3, 10, 100, 10000} {
				got := Target(spec, current, depth)
				assert.GreaterOrEqual(t, got, spec.MinSize, "spec=%+v current=%d depth=%d", spec, current, depth)
				assert.LessOrEqual(t, got, spec.MaxSize, "spec=%+v current=%d depth=%d", spec, current, depth)
			}
		}
	}
}

func TestApply_ClampsOutOfRangeTarget(t *testing.T) {
	st := NewPoolState(testSpec())
	st.TargetSize = 40

	s := &Scaler{Observed: func(string) int { return 7 }}
	next, d := s.Apply(st, 0)
	assert.Equal(t, DecisionWaiting, d)
	assert.Equal(t, 10, next.TargetSize)
}

func TestCooldownGates(t *testing.T) {
	now := time.Now()
	st := NewPoolState(testSpec())
	assert.True(t, ScaleUpCooldown(st, now))
	assert.True(t, ScaleDownCooldown(st, now))

	st.LastScaleUp = now.Add(-29 * time.Second)
	st.LastScaleDown = now.Add(-181 * time.Second)
	assert.False(t, ScaleUpCooldown(st, now))
	assert.True(t, ScaleDownCooldown(st, now))
}
