package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrSendQueueFull means the client is not draining its events fast enough.
	ErrSendQueueFull = errors.New("ws: send queue full")
	// ErrConnClosed means the client already disconnected.
	ErrConnClosed = errors.New("ws: connection closed")
)

// ConnInfo describes one websocket connection for logs and lifecycle events.
type ConnInfo struct {
	ConnID      string
	UserID      int
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

// Client is a live websocket connection. Outbound events are queued on a
// bounded channel drained by writePump; inbound frames are read by the
// gateway's read loop.
type Client struct {
	info ConnInfo
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func newClient(conn *websocket.Conn, info ConnInfo, buffer int) *Client {
	return &Client{
		info: info,
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (c *Client) ID() string     { return c.info.ConnID }
func (c *Client) UserID() int    { return c.info.UserID }
func (c *Client) Info() ConnInfo { return c.info }

// Send queues payload without blocking.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close stops the client. Queued events are dropped and the socket is closed
// by writePump.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
}

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) writePump(cfg Config) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(cfg.WriteWait))
			return
		}
	}
}
