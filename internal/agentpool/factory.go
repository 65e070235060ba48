package agentpool

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/conductor/fleet/pkg/metrics"
)

// FactoryConfig controls how connections are created and torn down.
type FactoryConfig struct {
	// ConnectAttempts is the number of connect-and-ping cycles per host.
	ConnectAttempts int
	// RetryDelay is the fixed delay between attempts.
	RetryDelay time.Duration
	// PingTimeout bounds a single health check.
	PingTimeout time.Duration
	// CancelTimeout bounds the best-effort cancel sent on destroy.
	CancelTimeout time.Duration
}

// DefaultFactoryConfig returns the default factory configuration.
func DefaultFactoryConfig() FactoryConfig {
	return FactoryConfig{
		ConnectAttempts: 3,
		RetryDelay:      5 * time.Second,
		PingTimeout:     5 * time.Second,
		CancelTimeout:   10 * time.Second,
	}
}

// Factory creates, validates and destroys agent connections. It picks
// the host itself from the shared set of unbound hosts.
type Factory struct {
	hosts   *HostSet
	dialer  Dialer
	cfg     FactoryConfig
	logger  zerolog.Logger
	metrics *metrics.ControlPlaneMetrics
}

// NewFactory creates a Factory drawing hosts from hosts.
func NewFactory(hosts *HostSet, dialer Dialer, cfg FactoryConfig, logger zerolog.Logger, m *metrics.ControlPlaneMetrics) *Factory {
	def := DefaultFactoryConfig()
	if cfg.ConnectAttempts < 1 {
		cfg.ConnectAttempts = def.ConnectAttempts
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = def.CancelTimeout
	}
	return &Factory{
		hosts:   hosts,
		dialer:  dialer,
		cfg:     cfg,
		logger:  logger.With().Str("component", "agent-factory").Logger(),
		metrics: m,
	}
}

// Create binds a new connection to the next unbound host that passes a
// health check. The host stays claimed while it is dialed and for as long
// as the connection lives. Hosts that never pass are dropped from the set.
// When the set runs out, Create returns ErrNoAvailableAgents.
func (f *Factory) Create(ctx context.Context) (Conn, error) {
	for {
		host, ok := f.hosts.Pop()
		if !ok {
			return nil, ErrNoAvailableAgents
		}

		conn, err := f.connect(ctx, host)
		if err == nil {
			f.logger.Info().Str("host", host).Msg("agent connection established")
			return conn, nil
		}

		if ctx.Err() != nil {
			// Not the host's fault; keep it for the next borrower.
			f.hosts.Release(host)
			return nil, ctx.Err()
		}

		f.hosts.Drop(host)
		f.logger.Warn().Err(err).
			Str("host", host).
			Int("attempts", f.cfg.ConnectAttempts).
			Msg("agent host unreachable, dropping it")
	}
}

func (f *Factory) connect(ctx context.Context, host string) (Conn, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(f.cfg.RetryDelay), uint64(f.cfg.ConnectAttempts-1)),
		ctx,
	)

	var conn Conn
	operation := func() error {
		c, err := f.dialer.Dial(ctx, host)
		if err != nil {
			return err
		}
		if err := f.ping(ctx, c); err != nil {
			_ = c.Close()
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		if f.metrics != nil {
			f.metrics.PoolConnectFailures.Inc()
		}
		f.logger.Debug().Err(err).Str("host", host).Dur("retry_in", next).Msg("agent connect attempt failed")
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if f.metrics != nil {
			f.metrics.PoolConnectFailures.Inc()
		}
		return nil, err
	}
	return conn, nil
}

func (f *Factory) ping(ctx context.Context, c Conn) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.PingTimeout)
	defer cancel()
	return c.Ping(ctx)
}

// Validate health checks an existing connection.
func (f *Factory) Validate(ctx context.Context, c Conn) error {
	return f.ping(ctx, c)
}

// Destroy asks the agent to cancel outstanding work, closes the
// connection and returns the host to the unbound set. Failures are
// logged; the connection is discarded regardless.
func (f *Factory) Destroy(c Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.CancelTimeout)
	defer cancel()

	if err := c.CancelAll(ctx); err != nil {
		ev := f.logger.Warn()
		if errors.Is(err, context.DeadlineExceeded) {
			ev = ev.Dur("timeout", f.cfg.CancelTimeout)
		}
		ev.Err(err).Str("host", c.Host()).Msg("failed to cancel agent work on teardown")
	}
	if err := c.Close(); err != nil {
		f.logger.Debug().Err(err).Str("host", c.Host()).Msg("failed to close agent connection")
	}
	f.hosts.Release(c.Host())
}
