package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Client is the agent side of a channel connection.
type Client struct {
	agentID string
	conn    *websocket.Conn
	nextID  atomic.Int64

	writeMu   sync.Mutex
	incoming  chan *Message
	pongMu    sync.Mutex
	pongs     map[int64]chan struct{}
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to the channel endpoint at url.
func Dial(ctx context.Context, url, agentID string, header http.Header) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	c := &Client{
		agentID:  agentID,
		conn:     conn,
		incoming: make(chan *Message, 16),
		pongs:    make(map[int64]chan struct{}),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.err = err
			return
		}
		msg, err := ParseMessage(data)
		if err != nil {
			continue
		}
		// PONGs go to their Ping so a concurrent Poll never loses a response.
		if msg.Type == MessageTypePong {
			c.pong(msg.CorrelationID)
			continue
		}
		// Block rather than drop: responses are never re-sent.
		select {
		case c.incoming <- msg:
		case <-c.closing:
			return
		}
	}
}

// Poll registers a request for work and waits for the response or ctx.
// A response to an earlier, timed out request is returned as well: the
// server considers it delivered.
func (c *Client) Poll(ctx context.Context) (*Message, error) {
	id := c.nextID.Add(1)
	req := &Message{Type: MessageTypeCommandRequest, CorrelationID: id, AgentID: c.agentID}
	if err := c.write(req); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, fmt.Errorf("channel closed: %w", c.err)
		case msg := <-c.incoming:
			switch msg.Type {
			case MessageTypeCommandResponse:
				return msg, nil
			case MessageTypeError:
				var p ErrorPayload
				_ = json.Unmarshal(msg.Payload, &p)
				return nil, fmt.Errorf("server rejected request %d: %s: %s", msg.CorrelationID, p.Code, p.Message)
			}
		}
	}
}

// Ping sends a PING and waits for the matching PONG. It is safe to call
// while a Poll is in flight.
func (c *Client) Ping(ctx context.Context) error {
	id := c.nextID.Add(1)
	ch := make(chan struct{})
	c.pongMu.Lock()
	c.pongs[id] = ch
	c.pongMu.Unlock()
	defer func() {
		c.pongMu.Lock()
		delete(c.pongs, id)
		c.pongMu.Unlock()
	}()

	if err := c.write(&Message{Type: MessageTypePing, CorrelationID: id}); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("channel closed: %w", c.err)
	case <-ch:
		return nil
	}
}

func (c *Client) pong(id int64) {
	c.pongMu.Lock()
	defer c.pongMu.Unlock()
	if ch, ok := c.pongs[id]; ok {
		close(ch)
		delete(c.pongs, id)
	}
}

func (c *Client) write(msg *Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
