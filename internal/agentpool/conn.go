package agentpool

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/emptypb"

	fleetlog "github.com/conductor/fleet/pkg/log"
	"github.com/conductor/fleet/pkg/tracing"
)

// Conn is a session with one agent host.
type Conn interface {
	// Host returns the agent host address the connection is bound to.
	Host() string
	// Ping performs a lightweight health check.
	Ping(ctx context.Context) error
	// CancelAll asks the agent to cancel all outstanding work.
	CancelAll(ctx context.Context) error
	// Close releases the underlying transport.
	Close() error
}

// Dialer opens connections to agent hosts.
type Dialer interface {
	Dial(ctx context.Context, host string) (Conn, error)
}

// GRPCDialerConfig configures the gRPC transport to agent hosts.
type GRPCDialerConfig struct {
	TLSEnabled            bool
	TLSInsecureSkipVerify bool
	KeepaliveTime         time.Duration
	KeepaliveTimeout      time.Duration
}

// DefaultGRPCDialerConfig returns plaintext transport with keepalives.
func DefaultGRPCDialerConfig() GRPCDialerConfig {
	return GRPCDialerConfig{
		KeepaliveTime:    30 * time.Second,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCDialer dials agent hosts over gRPC.
type GRPCDialer struct {
	opts []grpc.DialOption
}

// NewGRPCDialer creates a dialer. Outgoing calls are traced and logged.
func NewGRPCDialer(cfg GRPCDialerConfig, logger zerolog.Logger) *GRPCDialer {
	var creds credentials.TransportCredentials
	if cfg.TLSEnabled {
		creds = credentials.NewTLS(&tls.Config{
			InsecureSkipVerify: cfg.TLSInsecureSkipVerify, //nolint:gosec // opt-in for test fleets
		})
	} else {
		creds = insecure.NewCredentials()
	}

	return &GRPCDialer{
		opts: []grpc.DialOption{
			grpc.WithTransportCredentials(creds),
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                cfg.KeepaliveTime,
				Timeout:             cfg.KeepaliveTimeout,
				PermitWithoutStream: true,
			}),
			grpc.WithChainUnaryInterceptor(
				tracing.UnaryClientInterceptor(),
				fleetlog.GRPCUnaryClientInterceptor(logger),
			),
		},
	}
}

// Dial creates a client connection. The transport connects lazily, so
// the first Ping is what proves the host reachable.
func (d *GRPCDialer) Dial(_ context.Context, host string) (Conn, error) {
	cc, err := grpc.NewClient(host, d.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", host, err)
	}
	return &grpcConn{
		host:   host,
		cc:     cc,
		health: healthpb.NewHealthClient(cc),
	}, nil
}

type grpcConn struct {
	host   string
	cc     *grpc.ClientConn
	health healthpb.HealthClient
}

func (c *grpcConn) Host() string { return c.host }

func (c *grpcConn) Ping(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: AgentServiceName})
	if err != nil {
		return fmt.Errorf("health check %s: %w", c.host, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health check %s: %w: %s", c.host, ErrNotServing, resp.GetStatus())
	}
	return nil
}

func (c *grpcConn) CancelAll(ctx context.Context) error {
	return c.cc.Invoke(ctx, cancelAllMethod, &emptypb.Empty{}, &emptypb.Empty{})
}

func (c *grpcConn) Close() error {
	return c.cc.Close()
}
