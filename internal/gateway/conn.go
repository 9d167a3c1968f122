package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

const (
	// DefaultOutboundQueue is the per-connection high-water mark. A
	// subscriber that lets this many frames pile up is dropped rather
	// than allowed to block publishers.
	DefaultOutboundQueue = 256

	writeWait = 10 * time.Second
)

var errConnClosed = errors.New("connection closed")

// Conn wraps one WebSocket connection. All outbound frames pass
// through a bounded queue drained by a single writer goroutine, which
// preserves per-connection frame order; gorilla/websocket forbids
// concurrent writes.
type Conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	service string

	once   sync.Once
	closed chan struct{}
}

func newConn(ws *websocket.Conn, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = DefaultOutboundQueue
	}
	c := &Conn{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, queueSize),
		closed: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// ID returns the connection's identity for logs and registry cleanup.
func (c *Conn) ID() string { return c.id }

// Service returns the registered service name, or "" before _register.
func (c *Conn) Service() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.service
}

func (c *Conn) setService(name string) {
	c.mu.Lock()
	c.service = name
	c.mu.Unlock()
}

// Enqueue queues a frame for the writer goroutine. It never blocks: a
// full queue means the peer is too slow, so the connection is dropped
// with a BACKPRESSURE close reason and the frame is discarded.
func (c *Conn) Enqueue(f *protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.closeWith(websocket.ClosePolicyViolation, protocol.CodeBackpressure)
		return protocol.NewError(protocol.CodeBackpressure, "outbound queue full")
	}
}

func (c *Conn) writePump() {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// closeWith tears the connection down once, sending a close frame with
// the reason first so the peer can tell a BACKPRESSURE drop from a
// normal close. WriteControl is safe concurrently with the writer.
func (c *Conn) closeWith(code int, reason string) {
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		close(c.closed)
		c.ws.Close()
	})
}

// Close shuts the connection down with a normal closure code.
func (c *Conn) Close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}
