package channel

import (
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	fleetlog "github.com/conductor/fleet/pkg/log"
	"github.com/conductor/fleet/pkg/metrics"
)

// ErrChannelGone is returned by Send when the channel was already
// consumed or its agent disconnected.
var ErrChannelGone = errors.New("channel no longer open")

// Config configures the registry.
type Config struct {
	// RequestTimeout drops requests older than this; agents re-poll after
	// their own timeout. Zero keeps requests until the agent disconnects.
	RequestTimeout time.Duration
	// AllowedOrigins lists accepted websocket origins; "*" allows all.
	AllowedOrigins []string
}

type pending struct {
	conn    *Connection
	request PollRequest
	at      time.Time
}

// Registry holds the open channels of connected agents. It is safe for
// concurrent use and is not persisted.
type Registry struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	metrics  *metrics.ControlPlaneMetrics
	now      func() time.Time

	mu      sync.Mutex
	pending map[Key]pending
	conns   map[string]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, logger zerolog.Logger, m *metrics.ControlPlaneMetrics) *Registry {
	r := &Registry{
		cfg:     cfg,
		logger:  fleetlog.Component(logger, "agent-channels"),
		metrics: m,
		now:     time.Now,
		pending: make(map[Key]pending),
		conns:   make(map[string]*Connection),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return r
}

// Register records a poll request waiting on conn. A request with the
// same correlation id on the same connection replaces the previous one.
func (r *Registry) Register(conn *Connection, req PollRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[conn.ID()] = conn
	r.pending[Key{ConnID: conn.ID(), CorrelationID: req.CorrelationID}] = pending{
		conn:    conn,
		request: req,
		at:      r.now(),
	}
}

// Unregister drops a connection and every request waiting on it.
func (r *Registry) Unregister(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, conn.ID())
	dropped := 0
	for k := range r.pending {
		if k.ConnID == conn.ID() {
			delete(r.pending, k)
			dropped++
		}
	}
	r.logger.Debug().
		Str("conn_id", conn.ID()).
		Str("agent_id", conn.AgentID()).
		Int("dropped_requests", dropped).
		Msg("agent channel unregistered")
}

// Requests returns a snapshot of the open requests, oldest first.
// Expired requests are dropped.
func (r *Registry) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	type entry struct {
		req Request
		at  time.Time
	}
	entries := make([]entry, 0, len(r.pending))
	for k, p := range r.pending {
		if r.cfg.RequestTimeout > 0 && now.Sub(p.at) > r.cfg.RequestTimeout {
			delete(r.pending, k)
			continue
		}
		entries = append(entries, entry{req: Request{Key: k, Request: p.request}, at: p.at})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].at.Equal(entries[j].at) {
			return entries[i].req.Key.CorrelationID < entries[j].req.Key.CorrelationID
		}
		return entries[i].at.Before(entries[j].at)
	})

	out := make([]Request, len(entries))
	for i, e := range entries {
		out[i] = e.req
	}
	return out
}

// Send pushes a message onto an open channel and consumes it. A channel
// accepts exactly one message: a second Send for the same key returns
// ErrChannelGone.
func (r *Registry) Send(key Key, msg *Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	r.mu.Lock()
	p, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()

	if !ok {
		return ErrChannelGone
	}
	if err := p.conn.push(data); err != nil {
		return err
	}
	r.recordMessage("out", msg.Type)
	return nil
}

// Len returns the number of open requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Connections returns the number of connected agents.
func (r *Registry) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// ServeWS upgrades an agent connection and runs its pumps.
func (r *Registry) ServeWS(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug().Err(err).Msg("failed to upgrade agent connection")
		return
	}

	ctx := fleetlog.ContextWithAgentID(req.Context(), req.Header.Get(AgentIDHeader))
	logger := fleetlog.WithContext(ctx, r.logger)

	conn := newConnection(ws, r, logger)
	r.mu.Lock()
	r.conns[conn.ID()] = conn
	r.mu.Unlock()

	logger.Info().
		Str("conn_id", conn.ID()).
		Str("remote_addr", req.RemoteAddr).
		Msg("agent channel established")

	go conn.writePump()
	go conn.readPump()
}

// CloseAll disconnects every agent.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (r *Registry) recordMessage(direction string, t MessageType) {
	if r.metrics != nil {
		r.metrics.RecordChannelMessage(direction, string(t))
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
