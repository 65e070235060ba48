package waits

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor/fleet/internal/database"
	"github.com/conductor/fleet/pkg/metrics"
)

type proc struct {
	seq     int64
	status  database.ProcessStatus
	cond    json.RawMessage
	waiting bool
	version int64
	events  []string
}

// memStore keeps processes in memory. Transactions work on a copy that
// replaces the live state only on success.
type memStore struct {
	mu          sync.Mutex
	procs       map[uuid.UUID]*proc
	locks       map[string]uuid.UUID
	statusCalls [][]uuid.UUID
	pageCalls   []int64
	nextSeq     int64
}

func newMemStore() *memStore {
	return &memStore{procs: map[uuid.UUID]*proc{}, locks: map[string]uuid.UUID{}}
}

func (s *memStore) add(t *testing.T, status database.ProcessStatus, cond Condition) uuid.UUID {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	s.nextSeq++
	p := &proc{seq: s.nextSeq, status: status, version: 1}
	if cond != nil {
		raw, err := Encode(cond)
		require.NoError(t, err)
		p.cond = raw
		p.waiting = true
	}
	s.procs[id] = p
	return id
}

func (s *memStore) get(id uuid.UUID) proc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.procs[id]
}

func (s *memStore) setStatus(id uuid.UUID, status database.ProcessStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs[id].status = status
}

func (s *memStore) NextWaitItems(_ context.Context, afterSeq int64, limit int) ([]database.WaitItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageCalls = append(s.pageCalls, afterSeq)

	var items []database.WaitItem
	for id, p := range s.procs {
		if p.waiting && p.seq > afterSeq {
			items = append(items, database.WaitItem{
				InstanceID: id, Seq: p.seq, Status: p.status, Condition: p.cond, Version: p.version,
			})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *memStore) FindStatuses(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]database.ProcessStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCalls = append(s.statusCalls, append([]uuid.UUID(nil), ids...))

	out := map[uuid.UUID]database.ProcessStatus{}
	for _, id := range ids {
		if p, ok := s.procs[id]; ok {
			out[id] = p.status
		}
	}
	return out, nil
}

func (s *memStore) TryLock(_ context.Context, scope, name string, holder uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scope + "/" + name
	cur, ok := s.locks[key]
	if ok && cur != holder {
		if p, exists := s.procs[cur]; exists && !p.status.IsFinal() {
			return false, nil
		}
	}
	s.locks[key] = holder
	return true, nil
}

func (s *memStore) InTx(ctx context.Context, fn func(q Queue) error) error {
	s.mu.Lock()
	staged := make(map[uuid.UUID]*proc, len(s.procs))
	for id, p := range s.procs {
		cp := *p
		cp.events = append([]string(nil), p.events...)
		staged[id] = &cp
	}
	s.mu.Unlock()

	if err := fn(&memQueue{procs: staged}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	maps.Copy(s.procs, staged)
	return nil
}

type memQueue struct {
	procs map[uuid.UUID]*proc
}

func (q *memQueue) SetWait(_ context.Context, id uuid.UUID, cond json.RawMessage, waiting bool, version int64) (bool, error) {
	p, ok := q.procs[id]
	if !ok || p.version != version {
		return false, nil
	}
	p.cond, p.waiting = cond, waiting
	p.version++
	return true, nil
}

func (q *memQueue) Resume(_ context.Context, id uuid.UUID, event string) (bool, error) {
	p, ok := q.procs[id]
	if !ok || (p.status != database.ProcessStatusSuspended && p.status != database.ProcessStatusWaiting) {
		return false, nil
	}
	p.status = database.ProcessStatusEnqueued
	p.events = append(p.events, event)
	p.version++
	return true, nil
}

func (q *memQueue) UpdateExpectedStatus(_ context.Context, id uuid.UUID, expected, next database.ProcessStatus) (bool, error) {
	p, ok := q.procs[id]
	if !ok || p.status != expected {
		return false, nil
	}
	p.status = next
	p.version++
	return true, nil
}

func newResolver(store Store, cfg Config) *Resolver {
	return NewResolver(store, cfg, zerolog.Nop(), nil)
}

func TestConditionRoundTrip(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	conds := []Condition{
		None{},
		Lock{Scope: "project", Name: "deploy"},
		Completion{Processes: []uuid.UUID{a, b}, ResumeEvent: "children-done", Exclusive: true, Mode: CompleteOneOf},
	}
	for _, c := range conds {
		raw, err := Encode(c)
		require.NoError(t, err)

		var head map[string]any
		require.NoError(t, json.Unmarshal(raw, &head))
		assert.Equal(t, string(c.Type()), head["type"])

		got, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
}

func TestDecode(t *testing.T) {
	got, err := Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, None{}, got)

	_, err = Decode(json.RawMessage(`{"type":"TIMER"}`))
	assert.ErrorIs(t, err, ErrUnknownConditionType)

	_, err = Decode(json.RawMessage(`{"type":"PROCESS_COMPLETION","completeCondition":"MOST"}`))
	assert.Error(t, err)

	_, err = Decode(json.RawMessage(`not json`))
	assert.Error(t, err)

	raw, err := Encode(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestCompletionIsFinal(t *testing.T) {
	c := Completion{}
	assert.True(t, c.IsFinal(database.ProcessStatusFailed))
	assert.False(t, c.IsFinal(database.ProcessStatusRunning))

	c.FinalStatuses = []database.ProcessStatus{database.ProcessStatusFinished}
	assert.True(t, c.IsFinal(database.ProcessStatusFinished))
	assert.False(t, c.IsFinal(database.ProcessStatusFailed))
}

func TestCompletionHandler_EmptyBatchIssuesNoQuery(t *testing.T) {
	store := newMemStore()
	h := NewCompletionHandler(store, 10)

	res, err := h.Handle(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.Empty(t, store.statusCalls)
}

func TestCompletionHandler_UnionsIdsIntoChunkedQueries(t *testing.T) {
	store := newMemStore()
	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = store.add(t, database.ProcessStatusRunning, nil)
	}

	items := []Item{
		{WaitItem: database.WaitItem{InstanceID: uuid.New()}, Condition: Completion{Processes: ids[:3]}},
		{WaitItem: database.WaitItem{InstanceID: uuid.New()}, Condition: Completion{Processes: ids[1:]}},
	}
	h := NewCompletionHandler(store, 2)
	_, err := h.Handle(context.Background(), items)
	require.NoError(t, err)

	require.Len(t, store.statusCalls, 3)
	var queried []uuid.UUID
	for _, call := range store.statusCalls {
		assert.LessOrEqual(t, len(call), 2)
		queried = append(queried, call...)
	}
	assert.ElementsMatch(t, ids, queried)
}

func TestCompletionHandler_Verdicts(t *testing.T) {
	store := newMemStore()
	done := store.add(t, database.ProcessStatusFinished, nil)
	running := store.add(t, database.ProcessStatusRunning, nil)
	gone := uuid.New()

	tests := []struct {
		name      string
		cond      Completion
		outcome   Outcome
		remaining []uuid.UUID
	}{
		{"all final", Completion{Processes: []uuid.UUID{done, gone}, ResumeEvent: "ev"}, Resolved, nil},
		{"exclusive partial shrinks", Completion{Processes: []uuid.UUID{done, running}, Exclusive: true}, Updated, []uuid.UUID{running}},
		{"non-exclusive partial unchanged", Completion{Processes: []uuid.UUID{done, running}}, Unchanged, nil},
		{"nothing final", Completion{Processes: []uuid.UUID{running}, Exclusive: true}, Unchanged, nil},
		{"one of", Completion{Processes: []uuid.UUID{done, running}, Mode: CompleteOneOf}, Resolved, nil},
		{"custom final statuses", Completion{
			Processes:     []uuid.UUID{done},
			FinalStatuses: []database.ProcessStatus{database.ProcessStatusFailed},
		}, Unchanged, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewCompletionHandler(store, 10)
			res, err := h.Handle(context.Background(), []Item{{Condition: tt.cond}})
			require.NoError(t, err)
			require.Len(t, res, 1)
			assert.Equal(t, tt.outcome, res[0].Outcome)
			if tt.outcome == Updated {
				assert.Equal(t, tt.remaining, res[0].Condition.(Completion).Processes)
			}
			if tt.outcome == Resolved {
				assert.Equal(t, tt.cond.ResumeEvent, res[0].ResumeEvent)
			}
		})
	}
}

func TestResolver_ExclusiveShrinksMonotonically(t *testing.T) {
	store := newMemStore()
	a := store.add(t, database.ProcessStatusRunning, nil)
	b := store.add(t, database.ProcessStatusRunning, nil)
	c := store.add(t, database.ProcessStatusRunning, nil)
	waiter := store.add(t, database.ProcessStatusSuspended, Completion{
		Processes: []uuid.UUID{a, b, c}, ResumeEvent: "resume", Exclusive: true,
	})
	r := newResolver(store, DefaultConfig())
	ctx := context.Background()

	watched := func() []uuid.UUID {
		cond, err := Decode(store.get(waiter).cond)
		require.NoError(t, err)
		return cond.(Completion).Processes
	}

	store.setStatus(a, database.ProcessStatusFinished)
	sum, err := r.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Updated)
	assert.Equal(t, []uuid.UUID{b, c}, watched())

	// a stays final; the set never grows back
	sum, err = r.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Updated)
	assert.Equal(t, []uuid.UUID{b, c}, watched())

	store.setStatus(c, database.ProcessStatusCancelled)
	_, err = r.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{b}, watched())

	store.setStatus(b, database.ProcessStatusFailed)
	sum, err = r.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Resolved)

	p := store.get(waiter)
	assert.False(t, p.waiting)
	assert.Nil(t, p.cond)
	assert.Equal(t, database.ProcessStatusEnqueued, p.status)
	assert.Equal(t, []string{"resume"}, p.events)
}

func TestResolver_NonExclusiveWaitsForFullSet(t *testing.T) {
	store := newMemStore()
	a := store.add(t, database.ProcessStatusFinished, nil)
	b := store.add(t, database.ProcessStatusRunning, nil)
	waiter := store.add(t, database.ProcessStatusWaiting, Completion{Processes: []uuid.UUID{a, b}})
	before := store.get(waiter)

	r := newResolver(store, DefaultConfig())
	sum, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Resolved)
	assert.Zero(t, sum.Updated)
	assert.Equal(t, before, store.get(waiter))

	store.setStatus(b, database.ProcessStatusFinished)
	_, err = r.Resolve(context.Background())
	require.NoError(t, err)

	p := store.get(waiter)
	assert.False(t, p.waiting)
	assert.Equal(t, database.ProcessStatusEnqueued, p.status)
	assert.Empty(t, p.events)
}

func TestResolver_IsIdempotent(t *testing.T) {
	store := newMemStore()
	a := store.add(t, database.ProcessStatusFinished, nil)
	waiter := store.add(t, database.ProcessStatusSuspended, Completion{Processes: []uuid.UUID{a}, ResumeEvent: "ev"})
	r := newResolver(store, DefaultConfig())

	for range 3 {
		_, err := r.Resolve(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"ev"}, store.get(waiter).events)
}

func TestResolver_EmptyQueue(t *testing.T) {
	store := newMemStore()
	r := newResolver(store, DefaultConfig())

	sum, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sum)
	assert.Empty(t, store.statusCalls)
	assert.Equal(t, []int64{0}, store.pageCalls)
}

func TestResolver_PagesUntilShortPage(t *testing.T) {
	store := newMemStore()
	running := store.add(t, database.ProcessStatusRunning, nil)
	for range 5 {
		store.add(t, database.ProcessStatusWaiting, Completion{Processes: []uuid.UUID{running}})
	}

	r := newResolver(store, Config{PollLimit: 2})
	sum, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Items)
	assert.Equal(t, []int64{0, 3, 5}, store.pageCalls)
	assert.Equal(t, 3, sum.StatusQueries)
}

func TestResolver_FinalWaiterIsClearedWithoutResume(t *testing.T) {
	store := newMemStore()
	running := store.add(t, database.ProcessStatusRunning, nil)
	waiter := store.add(t, database.ProcessStatusCancelled, Completion{Processes: []uuid.UUID{running}, ResumeEvent: "ev"})

	r := newResolver(store, DefaultConfig())
	sum, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Cleared)
	assert.Empty(t, store.statusCalls)

	p := store.get(waiter)
	assert.False(t, p.waiting)
	assert.Equal(t, database.ProcessStatusCancelled, p.status)
	assert.Empty(t, p.events)
}

func TestResolver_VersionConflictSkipsItem(t *testing.T) {
	store := newMemStore()
	a := store.add(t, database.ProcessStatusFinished, nil)
	waiter := store.add(t, database.ProcessStatusWaiting, Completion{Processes: []uuid.UUID{a}})

	r := newResolver(store, DefaultConfig())
	items, err := store.NextWaitItems(context.Background(), 0, 10)
	require.NoError(t, err)

	// another instance updates the row after this one loaded it
	store.mu.Lock()
	store.procs[waiter].version++
	store.mu.Unlock()

	var sum Summary
	require.NoError(t, r.resolvePage(context.Background(), items, &sum))
	assert.Equal(t, 1, sum.Conflicts)
	assert.Zero(t, sum.Resolved)
	assert.Equal(t, database.ProcessStatusWaiting, store.get(waiter).status)
	assert.True(t, store.get(waiter).waiting)
}

func TestResolver_Locks(t *testing.T) {
	store := newMemStore()
	holder := store.add(t, database.ProcessStatusRunning, nil)
	store.locks["project/deploy"] = holder
	waiter := store.add(t, database.ProcessStatusWaiting, Lock{Scope: "project", Name: "deploy"})
	r := newResolver(store, DefaultConfig())

	sum, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Resolved)
	assert.True(t, store.get(waiter).waiting)

	store.setStatus(holder, database.ProcessStatusFinished)
	sum, err = r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Resolved)
	assert.Equal(t, waiter, store.locks["project/deploy"])
	assert.Equal(t, database.ProcessStatusEnqueued, store.get(waiter).status)
}

func TestResolver_InvalidConditionIsSkipped(t *testing.T) {
	store := newMemStore()
	bad := store.add(t, database.ProcessStatusWaiting, Lock{Scope: "s", Name: "n"})
	store.mu.Lock()
	store.procs[bad].cond = json.RawMessage(`{"type":"TIMER"}`)
	store.mu.Unlock()
	done := store.add(t, database.ProcessStatusFinished, nil)
	ok := store.add(t, database.ProcessStatusWaiting, Completion{Processes: []uuid.UUID{done}})

	r := newResolver(store, DefaultConfig())
	sum, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Invalid)
	assert.Equal(t, 1, sum.Resolved)
	assert.True(t, store.get(bad).waiting)
	assert.False(t, store.get(ok).waiting)
}

func TestResolver_TransactionErrorAbortsCycle(t *testing.T) {
	store := newMemStore()
	done := store.add(t, database.ProcessStatusFinished, nil)
	waiter := store.add(t, database.ProcessStatusWaiting, Completion{Processes: []uuid.UUID{done}})

	r := NewResolver(&failingTxStore{memStore: store}, DefaultConfig(), zerolog.Nop(), nil)
	_, err := r.Resolve(context.Background())
	require.Error(t, err)
	assert.True(t, store.get(waiter).waiting)
}

type failingTxStore struct {
	*memStore
}

func (s *failingTxStore) InTx(ctx context.Context, fn func(q Queue) error) error {
	return s.memStore.InTx(ctx, func(q Queue) error {
		if err := fn(q); err != nil {
			return err
		}
		return errors.New("commit failed")
	})
}

func TestResolver_Metrics(t *testing.T) {
	m := metrics.NewControlPlaneMetrics()
	store := newMemStore()
	done := store.add(t, database.ProcessStatusFinished, nil)
	store.add(t, database.ProcessStatusWaiting, Completion{Processes: []uuid.UUID{done}})
	store.add(t, database.ProcessStatusWaiting, Lock{Scope: "org", Name: "x"})

	r := NewResolver(store, DefaultConfig(), zerolog.Nop(), m.ControlPlane)
	require.NoError(t, r.RunOnce(context.Background()))

	assert.InDelta(t, 1, testutil.ToFloat64(m.ControlPlane.WaitsResolved.WithLabelValues(string(TypeCompletion))), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ControlPlane.WaitsResolved.WithLabelValues(string(TypeLock))), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ControlPlane.WaitStatusQueries), 1e-9)
}
