// Package agentpool keeps validated, exclusively borrowed connections to
// agent hosts.
//
// A Factory owns host selection: it pops hosts from a shared HostSet, so
// at most one live connection exists per host. A Pool bounds concurrent
// borrowers with a semaphore and recycles idle connections, health
// checking them again on every borrow.
package agentpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/conductor/fleet/pkg/metrics"
)

var (
	// ErrNoAvailableAgents is returned when no unbound host passes a health check.
	ErrNoAvailableAgents = errors.New("no available agents")
	// ErrAcquireTimeout is returned when Acquire waits longer than its timeout.
	ErrAcquireTimeout = errors.New("timed out acquiring agent connection")
	// ErrPoolClosed is returned by operations on a closed pool.
	ErrPoolClosed = errors.New("agent pool closed")
	// ErrNotBorrowed is returned when releasing a connection the pool did not lend.
	ErrNotBorrowed = errors.New("connection not borrowed from this pool")
	// ErrNotServing is returned when an agent reports itself unhealthy.
	ErrNotServing = errors.New("agent not serving")
)

// Config holds pool settings.
type Config struct {
	// MaxSize caps concurrently borrowed connections.
	MaxSize int
}

// Stats is a snapshot of pool usage.
type Stats struct {
	Idle     int `json:"idle"`
	Borrowed int `json:"borrowed"`
	Unbound  int `json:"unbound"`
}

// Pool lends agent connections to one borrower at a time.
type Pool struct {
	factory *Factory
	hosts   *HostSet
	sem     chan struct{}
	logger  zerolog.Logger
	metrics *metrics.ControlPlaneMetrics

	mu       sync.Mutex
	idle     []Conn
	borrowed map[Conn]struct{}
	closed   bool
}

// New creates a pool. MaxSize defaults to the number of unbound hosts.
func New(factory *Factory, cfg Config, logger zerolog.Logger, m *metrics.ControlPlaneMetrics) *Pool {
	size := cfg.MaxSize
	if size <= 0 {
		size = factory.hosts.Len()
	}
	if size <= 0 {
		size = 1
	}
	return &Pool{
		factory:  factory,
		hosts:    factory.hosts,
		sem:      make(chan struct{}, size),
		logger:   logger.With().Str("component", "agent-pool").Logger(),
		metrics:  m,
		borrowed: make(map[Conn]struct{}),
	}
}

// Acquire borrows a connection, waiting at most timeout. The returned
// connection passed a health check during this call.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (Conn, error) {
	start := time.Now()
	conn, err := p.acquire(ctx, timeout)
	if p.metrics != nil {
		result := "ok"
		switch {
		case errors.Is(err, ErrAcquireTimeout):
			result = "timeout"
		case errors.Is(err, ErrNoAvailableAgents):
			result = "no_agents"
		case err != nil:
			result = "error"
		}
		p.metrics.RecordPoolAcquire(result, time.Since(start).Seconds())
	}
	return conn, err
}

func (p *Pool) acquire(ctx context.Context, timeout time.Duration) (Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrAcquireTimeout, ctx.Err())
	}

	conn, err := p.borrow(ctx)
	if err != nil {
		<-p.sem
		if ctx.Err() != nil && !errors.Is(err, ErrNoAvailableAgents) && !errors.Is(err, ErrPoolClosed) {
			return nil, fmt.Errorf("%w: %w", ErrAcquireTimeout, ctx.Err())
		}
		return nil, err
	}
	return conn, nil
}

// borrow takes a healthy idle connection or creates a new one. The
// caller holds a semaphore slot.
func (p *Pool) borrow(ctx context.Context) (Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		n := len(p.idle)
		if n == 0 {
			p.mu.Unlock()
			break
		}
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()

		if err := p.factory.Validate(ctx, conn); err != nil {
			p.logger.Warn().Err(err).Str("host", conn.Host()).Msg("idle agent connection failed health check")
			p.destroy(conn)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return p.lend(conn)
	}

	conn, err := p.factory.Create(ctx)
	if err != nil {
		return nil, err
	}
	p.setGauge(1)
	return p.lend(conn)
}

func (p *Pool) lend(conn Conn) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		go p.destroy(conn)
		return nil, ErrPoolClosed
	}
	p.borrowed[conn] = struct{}{}
	return conn, nil
}

// Release returns a borrowed connection to the pool.
func (p *Pool) Release(conn Conn) error {
	return p.giveBack(conn, false)
}

// Invalidate returns a borrowed connection the caller found broken; it
// is destroyed instead of reused.
func (p *Pool) Invalidate(conn Conn) error {
	return p.giveBack(conn, true)
}

func (p *Pool) giveBack(conn Conn, broken bool) error {
	p.mu.Lock()
	if _, ok := p.borrowed[conn]; !ok {
		p.mu.Unlock()
		return ErrNotBorrowed
	}
	delete(p.borrowed, conn)
	discard := broken || p.closed
	if !discard {
		p.idle = append(p.idle, conn)
	}
	p.mu.Unlock()

	<-p.sem
	if discard {
		p.destroy(conn)
	}
	return nil
}

// Probe health checks every idle connection and destroys those that fail.
// It returns the number of connections destroyed.
func (p *Pool) Probe(ctx context.Context) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPoolClosed
	}
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var healthy []Conn
	destroyed := 0
	for _, conn := range idle {
		if err := p.factory.Validate(ctx, conn); err != nil {
			p.logger.Warn().Err(err).Str("host", conn.Host()).Msg("idle agent connection failed health check")
			p.destroy(conn)
			destroyed++
			continue
		}
		healthy = append(healthy, conn)
	}

	p.mu.Lock()
	closed := p.closed
	if !closed {
		p.idle = append(p.idle, healthy...)
	}
	p.mu.Unlock()

	if closed {
		for _, conn := range healthy {
			p.destroy(conn)
		}
	}
	return destroyed, ctx.Err()
}

// Discover adds hosts to the unbound set. Hosts being dialed or bound to
// a live connection, whether idle, borrowed or under validation, are
// skipped.
func (p *Pool) Discover(hosts ...string) {
	p.hosts.Add(hosts...)
}

// Stats returns a snapshot of pool usage.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:     len(p.idle),
		Borrowed: len(p.borrowed),
		Unbound:  p.hosts.Len(),
	}
}

// Close destroys idle connections. Borrowed connections are destroyed
// when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, conn := range idle {
		p.destroy(conn)
	}
	p.logger.Info().Int("destroyed", len(idle)).Msg("agent pool closed")
	return nil
}

func (p *Pool) destroy(conn Conn) {
	p.factory.Destroy(conn)
	p.setGauge(-1)
}

func (p *Pool) setGauge(delta float64) {
	if p.metrics != nil {
		p.metrics.PoolConnections.Add(delta)
	}
}
