//go:build integration

package e2e

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor/fleet/internal/agent"
	"github.com/conductor/fleet/internal/database"
	"github.com/conductor/fleet/internal/waits"
	"github.com/conductor/fleet/pkg/metrics"
	"github.com/conductor/fleet/pkg/testfixtures"
)

// startAgent connects a real agent host to the control plane channel.
// Extra handlers are registered before the agent starts polling.
func startAgent(t *testing.T, id string, m *metrics.Metrics, handlers map[string]agent.Handler) *agent.Agent {
	t.Helper()

	cfg := &agent.Config{
		AgentID:              id,
		ChannelURL:           testEnv.ChannelURL(),
		PollTimeout:          2 * time.Second,
		ReconnectMinInterval: 50 * time.Millisecond,
		ReconnectMaxInterval: time.Second,
		MaxParallel:          2,
		WorkDir:              t.TempDir(),
		ShutdownTimeout:      5 * time.Second,
	}
	a := agent.New(cfg, testEnv.Logger, m, nil)
	for commandType, h := range handlers {
		a.Handle(commandType, h)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx)
	})
	return a
}

func enqueue(t *testing.T, agentID, commandType string, data map[string]any) database.Command {
	t.Helper()
	var cmd database.Command
	code := testEnv.Do(t, http.MethodPost, "/api/v1/commands", map[string]any{
		"agent_id":     agentID,
		"command_type": commandType,
		"command_data": data,
	}, &cmd)
	require.Equal(t, http.StatusCreated, code)
	require.NotEqual(t, uuid.Nil, cmd.ID)
	return cmd
}

func commandStatus(t *testing.T, id uuid.UUID) database.CommandStatus {
	t.Helper()
	var cmd database.Command
	require.Equal(t, http.StatusOK, testEnv.Do(t, http.MethodGet, "/api/v1/commands/"+id.String(), nil, &cmd))
	return cmd.Status
}

func TestE2E_Readiness(t *testing.T) {
	var report map[string]any
	code := testEnv.Do(t, http.MethodGet, "/readyz", nil, &report)
	assert.Equal(t, http.StatusOK, code)
}

func TestE2E_CommandDeliveredToAgent(t *testing.T) {
	testEnv.Truncate(t)

	var mu sync.Mutex
	received := map[string]string{}

	m := metrics.NewAgentMetrics()
	startAgent(t, "agent-a", m, map[string]agent.Handler{
		"ECHO": func(_ context.Context, cmd agent.Command) error {
			mu.Lock()
			defer mu.Unlock()
			received[cmd.ID] = string(cmd.Data)
			return nil
		},
	})

	cmd := enqueue(t, "agent-a", "ECHO", map[string]any{"message": "hello"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		_, ok := received[cmd.ID.String()]
		return ok
	}, 15*time.Second, 50*time.Millisecond, "command was not delivered")

	mu.Lock()
	assert.Contains(t, received[cmd.ID.String()], `"message":"hello"`)
	mu.Unlock()
	assert.Equal(t, database.CommandStatusSent, commandStatus(t, cmd.ID))
}

func TestE2E_RunProcessCommand(t *testing.T) {
	testEnv.Truncate(t)

	m := metrics.NewAgentMetrics()
	startAgent(t, "agent-run", m, nil)

	enqueue(t, "agent-run", agent.CommandRunProcess, map[string]any{
		"instanceId": uuid.NewString(),
		"argv":       []string{"sh", "-c", "exit 0"},
	})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Agent.JobsFinished.WithLabelValues("ok")) == 1
	}, 15*time.Second, 50*time.Millisecond, "process did not run")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Agent.CommandsReceived.WithLabelValues(agent.CommandRunProcess, "ok")))
}

func TestE2E_CommandsForOtherAgentsStayQueued(t *testing.T) {
	testEnv.Truncate(t)

	m := metrics.NewAgentMetrics()
	startAgent(t, "agent-b", m, nil)

	other := enqueue(t, "agent-offline", "ECHO", nil)
	mine := enqueue(t, "agent-b", "UNHANDLED", nil)

	require.Eventually(t, func() bool {
		return commandStatus(t, mine.ID) == database.CommandStatusSent
	}, 15*time.Second, 50*time.Millisecond)

	assert.Equal(t, database.CommandStatusCreated, commandStatus(t, other.ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Agent.CommandsReceived.WithLabelValues("UNHANDLED", "unknown")))
}

func TestE2E_CompletionWaitResolves(t *testing.T) {
	testEnv.Truncate(t)
	ctx := context.Background()

	var parent, child database.Process
	require.Equal(t, http.StatusCreated, testEnv.Do(t, http.MethodPost, "/api/v1/processes", map[string]any{}, &parent))
	require.Equal(t, http.StatusCreated, testEnv.Do(t, http.MethodPost, "/api/v1/processes", map[string]any{}, &child))

	childPath := "/api/v1/processes/" + child.InstanceID.String()
	require.Equal(t, http.StatusNoContent, testEnv.Do(t, http.MethodPut, childPath+"/status",
		map[string]any{"status": database.ProcessStatusWaiting}, nil))
	require.Equal(t, http.StatusNoContent, testEnv.Do(t, http.MethodPut, childPath+"/wait", map[string]any{
		"condition": map[string]any{
			"type":      "PROCESS_COMPLETION",
			"processes": []string{parent.InstanceID.String()},
		},
	}, nil))

	// The parent has not finished, so the wait stays.
	require.NoError(t, testEnv.Resolver.RunOnce(ctx))
	var got database.Process
	require.Equal(t, http.StatusOK, testEnv.Do(t, http.MethodGet, childPath, nil, &got))
	assert.True(t, got.IsWaiting)
	assert.Equal(t, database.ProcessStatusWaiting, got.Status)

	require.Equal(t, http.StatusNoContent, testEnv.Do(t, http.MethodPut,
		"/api/v1/processes/"+parent.InstanceID.String()+"/status",
		map[string]any{"status": database.ProcessStatusFinished}, nil))

	require.NoError(t, testEnv.Resolver.RunOnce(ctx))
	var resolved database.Process
	require.Equal(t, http.StatusOK, testEnv.Do(t, http.MethodGet, childPath, nil, &resolved))
	assert.False(t, resolved.IsWaiting)
	assert.Empty(t, resolved.WaitCondition)
	assert.Equal(t, database.ProcessStatusEnqueued, resolved.Status)
}

func TestE2E_LockWaitResolvesOneHolderAtATime(t *testing.T) {
	testEnv.Truncate(t)
	ctx := context.Background()

	procs := database.NewProcessRepo(testEnv.DB.Querier())
	locks := database.NewLockRepo(testEnv.DB.Querier())

	cond, err := waits.Encode(waits.Lock{Scope: "project-1", Name: "deploy"})
	require.NoError(t, err)
	waitOnLock := func(b *testfixtures.ProcessBuilder) {
		b.WithStatus(database.ProcessStatusWaiting).
			WithRequirements(map[string]any{"agent": map[string]any{"flavor": "deploy"}}).
			WithWait(cond)
	}

	first, err := testfixtures.CreateProcess(ctx, procs, waitOnLock)
	require.NoError(t, err)
	second, err := testfixtures.CreateProcess(ctx, procs, waitOnLock)
	require.NoError(t, err)

	require.NoError(t, testEnv.Resolver.RunOnce(ctx))

	lock, err := locks.Get(ctx, "project-1", "deploy")
	require.NoError(t, err)
	assert.Equal(t, first.InstanceID, lock.InstanceID, "the older waiter gets the lock")

	got, err := procs.Get(ctx, first.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, database.ProcessStatusEnqueued, got.Status)
	assert.False(t, got.IsWaiting)

	got, err = procs.Get(ctx, second.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, database.ProcessStatusWaiting, got.Status)
	assert.True(t, got.IsWaiting)

	require.NoError(t, procs.UpdateStatus(ctx, first.InstanceID, database.ProcessStatusFinished))
	require.NoError(t, testEnv.Resolver.RunOnce(ctx))

	lock, err = locks.Get(ctx, "project-1", "deploy")
	require.NoError(t, err)
	assert.Equal(t, second.InstanceID, lock.InstanceID)

	got, err = procs.Get(ctx, second.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, database.ProcessStatusEnqueued, got.Status)
}
