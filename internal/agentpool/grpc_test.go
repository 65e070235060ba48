package agentpool

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type countingAgent struct {
	cancels atomic.Int32
}

func (a *countingAgent) CancelAll(context.Context) error {
	a.cancels.Add(1)
	return nil
}

func startAgent(t *testing.T) (string, *countingAgent, func(healthpb.HealthCheckResponse_ServingStatus)) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	agent := &countingAgent{}
	srv := grpc.NewServer()
	hs := RegisterAgentServer(srv, agent)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	setStatus := func(s healthpb.HealthCheckResponse_ServingStatus) {
		hs.SetServingStatus(AgentServiceName, s)
	}
	return lis.Addr().String(), agent, setStatus
}

func TestGRPC_PoolLifecycle(t *testing.T) {
	addr, agent, _ := startAgent(t)

	dialer := NewGRPCDialer(DefaultGRPCDialerConfig(), zerolog.Nop())
	f := NewFactory(NewHostSet(addr), dialer, FactoryConfig{
		ConnectAttempts: 2,
		RetryDelay:      10 * time.Millisecond,
		PingTimeout:     2 * time.Second,
		CancelTimeout:   2 * time.Second,
	}, zerolog.Nop(), nil)
	p := New(f, Config{}, zerolog.Nop(), nil)

	conn, err := p.Acquire(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, addr, conn.Host())

	require.NoError(t, p.Release(conn))
	require.NoError(t, p.Close())

	assert.Equal(t, int32(1), agent.cancels.Load(), "destroy must cancel outstanding agent work")
	assert.Equal(t, []string{addr}, f.hosts.Snapshot())
}

func TestGRPC_NotServingHostIsDropped(t *testing.T) {
	addr, _, setStatus := startAgent(t)
	setStatus(healthpb.HealthCheckResponse_NOT_SERVING)

	dialer := NewGRPCDialer(DefaultGRPCDialerConfig(), zerolog.Nop())
	f := NewFactory(NewHostSet(addr), dialer, FactoryConfig{
		ConnectAttempts: 2,
		RetryDelay:      10 * time.Millisecond,
		PingTimeout:     2 * time.Second,
	}, zerolog.Nop(), nil)

	_, err := f.Create(context.Background())
	require.ErrorIs(t, err, ErrNoAvailableAgents)
	assert.Zero(t, f.hosts.Len())
}
