package ws

import (
	"sync"
	"time"

	"github.com/dkeye/Beacon/internal/core"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn wraps one WebSocket behind a buffered outbound queue. Every write
// goes through the queue, so relayed frames and presence pushes reach the
// client over a single ordered channel.
type Conn struct {
	id   string
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newConn(wsc *websocket.Conn, buffer int) *Conn {
	return &Conn{
		id:   uuid.NewString(),
		conn: wsc,
		send: make(chan core.Frame, buffer),
	}
}

func (c *Conn) ID() string { return c.id }

// TrySend queues a frame without blocking. A slow consumer surfaces as
// core.ErrBackpressure; the caller decides whether that is fatal.
func (c *Conn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// closeWith sends a close control frame before tearing the socket down so
// the peer learns why it was dropped.
func (c *Conn) closeWith(code int, reason string, wait time.Duration) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wait))
	c.Close()
}
