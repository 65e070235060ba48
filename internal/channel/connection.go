package channel

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 64
)

var (
	// ErrConnectionClosed is returned when pushing to a closed connection.
	ErrConnectionClosed = errors.New("agent connection closed")
	// ErrSendBufferFull is returned when the agent does not keep up.
	ErrSendBufferFull = errors.New("agent send buffer full")
)

// Connection is one agent websocket with its read and write pumps.
type Connection struct {
	id       string
	registry *Registry
	conn     *websocket.Conn
	send     chan []byte
	logger   zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	agentID string
}

func newConnection(ws *websocket.Conn, registry *Registry, logger zerolog.Logger) *Connection {
	id := uuid.New().String()
	return &Connection{
		id:       id,
		registry: registry,
		conn:     ws,
		send:     make(chan []byte, sendBufferSize),
		logger:   logger.With().Str("conn_id", id).Logger(),
	}
}

// ID returns the connection id.
func (c *Connection) ID() string {
	return c.id
}

// AgentID returns the agent id seen on the connection's last request.
func (c *Connection) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

// push queues a message for the agent.
func (c *Connection) push(message []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnectionClosed
	}

	select {
	case c.send <- message:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close closes the connection. Pending requests are dropped by the
// read pump on exit.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	_ = c.conn.Close()
	c.logger.Debug().Msg("agent connection closed")
}

func (c *Connection) readPump() {
	defer func() {
		c.registry.Unregister(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("unexpected close error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(data)
	}
}

// writePump writes one message per frame.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug().Err(err).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) handleMessage(data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		c.logger.Debug().Err(err).Msg("failed to parse message")
		c.sendError(0, "invalid_message", "failed to parse message")
		return
	}
	c.registry.recordMessage("in", msg.Type)

	switch msg.Type {
	case MessageTypeCommandRequest:
		if msg.AgentID == "" {
			c.sendError(msg.CorrelationID, "invalid_request", "agentId is required")
			return
		}
		c.mu.Lock()
		c.agentID = msg.AgentID
		c.mu.Unlock()
		c.registry.Register(c, PollRequest{AgentID: msg.AgentID, CorrelationID: msg.CorrelationID})
	case MessageTypePing:
		c.reply(&Message{Type: MessageTypePong, CorrelationID: msg.CorrelationID})
	default:
		c.logger.Debug().Str("type", string(msg.Type)).Msg("unknown message type")
		c.sendError(msg.CorrelationID, "unknown_type", "unsupported messageType")
	}
}

func (c *Connection) reply(msg *Message) {
	data, err := msg.Bytes()
	if err != nil {
		return
	}
	if err := c.push(data); err == nil {
		c.registry.recordMessage("out", msg.Type)
	}
}

func (c *Connection) sendError(correlationID int64, code, message string) {
	payload, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	c.reply(&Message{Type: MessageTypeError, CorrelationID: correlationID, Payload: payload})
}
