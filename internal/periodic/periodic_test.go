package periodic

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_RunsRepeatedly(t *testing.T) {
	var runs atomic.Int32
	r := NewRunner("test", TaskFunc(func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}), Config{Interval: 5 * time.Millisecond}, zerolog.Nop())

	require.NoError(t, r.Start(context.Background()))
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, r.Stop(context.Background()))

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after Stop")
}

func TestRunner_NeverOverlaps(t *testing.T) {
	var active, maxActive atomic.Int32
	var runs atomic.Int32
	r := NewRunner("slow", TaskFunc(func(ctx context.Context) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(3 * time.Millisecond)
		active.Add(-1)
		runs.Add(1)
		return nil
	}), Config{Interval: time.Millisecond}, zerolog.Nop())

	require.NoError(t, r.Start(context.Background()))
	assert.Eventually(t, func() bool { return runs.Load() >= 5 }, time.Second, time.Millisecond)
	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestRunner_UsesErrorDelayAfterFailure(t *testing.T) {
	var mu sync.Mutex
	var times []time.Time
	r := NewRunner("failing", TaskFunc(func(ctx context.Context) error {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		return errors.New("database unavailable")
	}), Config{Interval: time.Millisecond, ErrorDelay: 40 * time.Millisecond}, zerolog.Nop())

	require.NoError(t, r.Start(context.Background()))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(times) >= 2
	}, time.Second, time.Millisecond)
	require.NoError(t, r.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 35*time.Millisecond)
}

func TestRunner_StartTwice(t *testing.T) {
	r := NewRunner("twice", TaskFunc(func(ctx context.Context) error { return nil }),
		Config{Interval: time.Hour}, zerolog.Nop())

	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))
	require.NoError(t, r.Stop(context.Background()))
	assert.NoError(t, r.Stop(context.Background()), "second Stop is a no-op")
}

func TestRunner_RejectsZeroInterval(t *testing.T) {
	r := NewRunner("bad", TaskFunc(func(ctx context.Context) error { return nil }), Config{}, zerolog.Nop())
	assert.Error(t, r.Start(context.Background()))
}

func TestRunner_StopCancelsInFlightRun(t *testing.T) {
	started := make(chan struct{})
	r := NewRunner("blocking", TaskFunc(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}), Config{Interval: time.Hour}, zerolog.Nop())

	require.NoError(t, r.Start(context.Background()))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, r.Stop(ctx))
}
