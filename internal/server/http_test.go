package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor/fleet/internal/agentpool"
	"github.com/conductor/fleet/internal/channel"
	"github.com/conductor/fleet/internal/database"
	"github.com/conductor/fleet/internal/dispatcher"
	"github.com/conductor/fleet/pkg/health"
	"github.com/conductor/fleet/pkg/metrics"
)

type memCommands struct {
	mu   sync.Mutex
	cmds []database.Command
	err  error
}

func (m *memCommands) Create(_ context.Context, cmd *database.Command) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd.ID = uuid.New()
	cmd.Status = database.CommandStatusCreated
	cmd.CreatedAt = time.Now()
	m.cmds = append(m.cmds, *cmd)
	return nil
}

func (m *memCommands) Next(_ context.Context, offset, limit int) ([]database.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.Command
	for _, c := range m.cmds {
		if c.Status == database.CommandStatusCreated {
			out = append(out, c)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memCommands) MarkAsSent(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.cmds {
		if m.cmds[i].ID == id && m.cmds[i].Status == database.CommandStatusCreated {
			now := time.Now()
			m.cmds[i].Status = database.CommandStatusSent
			m.cmds[i].SentAt = &now
			return nil
		}
	}
	return database.ErrNotFound
}

func (m *memCommands) Get(_ context.Context, id uuid.UUID) (*database.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cmds {
		if c.ID == id {
			return &c, nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *memCommands) List(_ context.Context, status database.CommandStatus, page database.Pagination) ([]database.Command, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.Command
	for _, c := range m.cmds {
		if status == "" || c.Status == status {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memCommands) NextArchivable(context.Context, time.Time, int) ([]database.Command, error) {
	return nil, nil
}

func (m *memCommands) DeleteBatch(context.Context, []uuid.UUID) (int64, error) {
	return 0, nil
}

type memProcesses struct {
	mu    sync.Mutex
	procs map[uuid.UUID]*database.Process
}

func newMemProcesses() *memProcesses {
	return &memProcesses{procs: map[uuid.UUID]*database.Process{}}
}

func (m *memProcesses) Create(_ context.Context, p *database.Process) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.InstanceID = uuid.New()
	p.Version = 1
	cp := *p
	m.procs[p.InstanceID] = &cp
	return nil
}

func (m *memProcesses) Get(_ context.Context, id uuid.UUID) (*database.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memProcesses) FindStatuses(context.Context, []uuid.UUID) (map[uuid.UUID]database.ProcessStatus, error) {
	return nil, nil
}

func (m *memProcesses) NextWaitItems(context.Context, int64, int) ([]database.WaitItem, error) {
	return nil, nil
}

func (m *memProcesses) SetWait(_ context.Context, id uuid.UUID, cond json.RawMessage, waiting bool, version int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	if !ok || p.Version != version {
		return false, nil
	}
	p.WaitCondition, p.IsWaiting = cond, waiting
	p.Version++
	return true, nil
}

func (m *memProcesses) Resume(context.Context, uuid.UUID, string) (bool, error) {
	return false, nil
}

func (m *memProcesses) UpdateExpectedStatus(context.Context, uuid.UUID, database.ProcessStatus, database.ProcessStatus) (bool, error) {
	return false, nil
}

func (m *memProcesses) UpdateStatus(_ context.Context, id uuid.UUID, status database.ProcessStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	if !ok {
		return database.ErrNotFound
	}
	p.Status = status
	return nil
}

func (m *memProcesses) ListEnqueuedRequirements(context.Context, int) ([]map[string]any, error) {
	return nil, nil
}

type fakeConn struct {
	host      string
	cancelErr error
}

func (c *fakeConn) Host() string                    { return c.host }
func (c *fakeConn) Ping(context.Context) error      { return nil }
func (c *fakeConn) CancelAll(context.Context) error { return c.cancelErr }
func (c *fakeConn) Close() error                    { return nil }

// fakePool lends conn, or fails with acquireErr.
type fakePool struct {
	stats      agentpool.Stats
	conn       *fakeConn
	acquireErr error

	mu          sync.Mutex
	released    int
	invalidated int
}

func (p *fakePool) Stats() agentpool.Stats { return p.stats }

func (p *fakePool) Acquire(context.Context, time.Duration) (agentpool.Conn, error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	return p.conn, nil
}

func (p *fakePool) Release(agentpool.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
	return nil
}

func (p *fakePool) Invalidate(agentpool.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidated++
	return nil
}

type fakePinger struct{ err error }

func (p fakePinger) Health(context.Context) error { return p.err }

type testEnv struct {
	commands  *memCommands
	processes *memProcesses
	registry  *channel.Registry
	pool      *fakePool
	server    *httptest.Server
	metrics   *metrics.ControlPlaneMetrics
}

func newTestEnv(t *testing.T, checks ...health.Check) *testEnv {
	t.Helper()
	env := &testEnv{
		commands:  &memCommands{},
		processes: newMemProcesses(),
		registry:  channel.NewRegistry(channel.Config{AllowedOrigins: []string{"*"}}, zerolog.Nop(), nil),
		pool: &fakePool{
			stats: agentpool.Stats{Idle: 2, Unbound: 1},
			conn:  &fakeConn{host: "10.0.0.7:7000"},
		},
		metrics: metrics.NewControlPlaneMetrics().ControlPlane,
	}
	cfg := DefaultHTTPConfig()
	cfg.Metrics = env.metrics
	srv := NewHTTPServer(cfg, Deps{
		Commands:  env.commands,
		Processes: env.processes,
		Channels:  env.registry,
		Pool:      env.pool,
		Checks:    checks,
	}, zerolog.Nop())
	env.server = httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		env.registry.CloseAll()
		env.server.Close()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestCommands(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/v1/commands", map[string]any{
		"agent_id":     "agent-1",
		"command_type": "CANCEL_JOB",
		"command_data": map[string]any{"instanceId": "abc"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[database.Command](t, resp)
	assert.Equal(t, database.CommandStatusCreated, created.Status)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp = env.do(t, http.MethodGet, "/api/v1/commands/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "abc", decode[database.Command](t, resp).Data["instanceId"])

	resp = env.do(t, http.MethodGet, "/api/v1/commands?status=CREATED", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]database.Command](t, resp), 1)

	resp = env.do(t, http.MethodGet, "/api/v1/commands?status=LOST", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/commands/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/commands/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/commands", map[string]any{"agent_id": "agent-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// one series per method, normalized path and status
	assert.Equal(t, 7, testutil.CollectAndCount(env.metrics.APIRequestDuration))
}

func TestCommands_StoreError(t *testing.T) {
	env := newTestEnv(t)
	env.commands.err = errors.New("connection reset")

	resp := env.do(t, http.MethodGet, "/api/v1/commands", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "internal server error", decode[errorResponse](t, resp).Error)
}

func TestProcesses_WaitLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/v1/processes", map[string]any{
		"requirements": map[string]any{"agent": map[string]any{"flavor": "large"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	p := decode[database.Process](t, resp)
	path := "/api/v1/processes/" + p.InstanceID.String()

	other := uuid.New()
	resp = env.do(t, http.MethodPut, path+"/wait", map[string]any{
		"condition": map[string]any{"type": "PROCESS_COMPLETION", "processes": []string{other.String()}, "exclusive": true},
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, path, nil)
	got := decode[database.Process](t, resp)
	assert.True(t, got.IsWaiting)
	assert.Contains(t, string(got.WaitCondition), `"type":"PROCESS_COMPLETION"`)
	assert.Equal(t, int64(2), got.Version)

	resp = env.do(t, http.MethodPut, path+"/wait", map[string]any{
		"condition": map[string]any{"type": "PROCESS_LOCK", "scope": "project", "name": "deploy"},
		"version":   1,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPut, path+"/wait", map[string]any{
		"condition": map[string]any{"type": "TIMER"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, path+"/wait?version=2", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, decode[database.Process](t, env.do(t, http.MethodGet, path, nil)).IsWaiting)

	resp = env.do(t, http.MethodPut, path+"/status", map[string]any{"status": "FINISHED"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, database.ProcessStatusFinished, decode[database.Process](t, env.do(t, http.MethodGet, path, nil)).Status)

	resp = env.do(t, http.MethodPut, "/api/v1/processes/"+uuid.NewString()+"/status", map[string]any{"status": "FAILED"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, health.NewDatabaseCheck(fakePinger{}))
	resp := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, health.StatusHealthy, decode[health.Report](t, resp).Status)

	down := newTestEnv(t, health.NewDatabaseCheck(fakePinger{err: errors.New("refused")}))
	resp = down.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPoolStats(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/api/v1/agents/pool", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, agentpool.Stats{Idle: 2, Unbound: 1}, decode[agentpool.Stats](t, resp))
}

func TestCancelAgent(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/v1/agents/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "10.0.0.7:7000", decode[cancelAgentResponse](t, resp).Host)
	assert.Equal(t, 1, env.pool.released)

	env.pool.conn.cancelErr = errors.New("unavailable")
	resp = env.do(t, http.MethodPost, "/api/v1/agents/cancel", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, 1, env.pool.invalidated)

	env.pool.acquireErr = agentpool.ErrNoAvailableAgents
	resp = env.do(t, http.MethodPost, "/api/v1/agents/cancel", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// A command created over the API reaches a polling agent through the
// channel endpoint once a dispatch cycle runs.
func TestChannel_DispatchEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/v1/commands", map[string]any{
		"agent_id":     "agent-7",
		"command_type": "CANCEL_JOB",
		"command_data": map[string]any{"instanceId": "p-1"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[database.Command](t, resp)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + DefaultHTTPConfig().ChannelPath
	client, err := channel.Dial(context.Background(), url, "agent-7", nil)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got := make(chan *channel.Message, 1)
	go func() {
		msg, err := client.Poll(ctx)
		if err == nil {
			got <- msg
		}
	}()
	require.Eventually(t, func() bool { return env.registry.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	d := dispatcher.New(memTxStore{env.commands}, env.registry, dispatcher.DefaultConfig(), zerolog.Nop(), nil)
	require.NoError(t, d.RunOnce(ctx))

	select {
	case msg := <-got:
		var payload map[string]any
		require.NoError(t, json.Unmarshal(msg.Payload, &payload))
		assert.Equal(t, created.ID.String(), payload["commandId"])
		assert.Equal(t, "p-1", payload["instanceId"])
	case <-ctx.Done():
		t.Fatal("no command received")
	}

	sent, err := env.commands.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, database.CommandStatusSent, sent.Status)
}

type memTxStore struct {
	q *memCommands
}

func (s memTxStore) InTx(_ context.Context, fn func(q dispatcher.CommandQueue) error) error {
	return fn(s.q)
}

func TestMetricsMiddleware_LabelsByRoute(t *testing.T) {
	m := metrics.NewControlPlaneMetrics().ControlPlane

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/commands/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := MetricsMiddleware(m)(mux)

	for _, path := range []string{"/api/v1/commands/" + uuid.NewString(), "/api/v1/commands/42"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
	assert.Equal(t, 1, testutil.CollectAndCount(m.APIRequestDuration), "ids must not create new series")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 2, testutil.CollectAndCount(m.APIRequestDuration))
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/api/v1/processes/{id}/wait", routeLabel("PUT /api/v1/processes/{id}/wait"))
	assert.Equal(t, "/metrics", routeLabel("/metrics"))
	assert.Equal(t, "unmatched", routeLabel(""))
}

func TestMetricsServer_Handler(t *testing.T) {
	srv := NewMetricsServer(MetricsServerConfig{Port: 0}, metrics.NewAgentMetrics(), zerolog.Nop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fleet_agent_")

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "ok", rec.Body.String())
}
