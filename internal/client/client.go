// Package client connects to a running gateway over WebSocket. The CLI
// uses it for interactive chat and for one-shot service commands: dial,
// register, call methods, stream events. One Client owns one logical
// connection; lost connections are redialed on the shared backoff
// schedule when the caller asks for more work.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chozzz/vargos-sub004/internal/logging"
	"github.com/chozzz/vargos-sub004/internal/reconnect"
	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultCallTimeout = 120 * time.Second
)

// Config names this client to the gateway and sets its timeouts.
type Config struct {
	// URL is the gateway WebSocket endpoint, e.g. "ws://127.0.0.1:9000/ws".
	URL string

	// Service is the name registered with the gateway. Names are unique
	// per gateway; concurrent one-shot invocations should carry a suffix.
	Service string

	// Version is reported in the registration frame.
	Version string

	// Subscriptions lists the source:event topics to receive.
	Subscriptions []string

	// DialTimeout bounds the dial plus registration handshake.
	DialTimeout time.Duration

	// CallTimeout bounds Call when the caller's context has no deadline.
	CallTimeout time.Duration

	// ReconnectBase and ReconnectMax shape the redial backoff;
	// ReconnectAttempts caps it, zero meaning unlimited.
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
}

// EventFunc receives one gateway event. It runs on the read loop, so it
// must not block; hand off to a channel for slow work.
type EventFunc func(source, event string, payload json.RawMessage, seq uint64)

// Client is a registered gateway connection. Safe for concurrent use.
type Client struct {
	cfg     Config
	onEvent EventFunc
	policy  *reconnect.Policy
	log     *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan *protocol.Frame
	closed  bool
}

// New builds a client. It does not dial; call Connect.
func New(cfg Config) *Client {
	if cfg.Service == "" {
		cfg.Service = "cli"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	return &Client{
		cfg:     cfg,
		policy:  reconnect.New(cfg.ReconnectBase, cfg.ReconnectMax, cfg.ReconnectAttempts),
		log:     logging.Scoped("client"),
		pending: make(map[string]chan *protocol.Frame),
	}
}

// OnEvent sets the event callback. Must be called before Connect.
func (c *Client) OnEvent(fn EventFunc) {
	c.onEvent = fn
}

// Connected reports whether a registered connection is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the gateway and registers the service. The connection
// is usable once Connect returns nil.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway %s: %w", c.cfg.URL, err)
	}

	if err := c.register(conn); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	c.log.Debug("registered with gateway", "service", c.cfg.Service, "url", c.cfg.URL)
	return nil
}

// EnsureConnected returns once a registered connection is live, redialing
// on the backoff schedule until ctx expires or the attempt budget runs out.
func (c *Client) EnsureConnected(ctx context.Context) error {
	if c.Connected() {
		return nil
	}
	if err := c.Connect(ctx); err == nil {
		c.policy.Reset()
		return nil
	}

	for {
		delay, ok := c.policy.Next()
		if !ok {
			return fmt.Errorf("gateway %s unreachable after %d attempts", c.cfg.URL, c.policy.Attempt())
		}
		c.log.Info("redialing gateway", "delay", delay, "attempt", c.policy.Attempt())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if err := c.Connect(ctx); err != nil {
			if c.isClosed() {
				return err
			}
			c.log.Warn("gateway redial failed", "error", err)
			continue
		}
		c.policy.Reset()
		return nil
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// register runs the handshake on a fresh connection: one _register
// request, then reads until its response arrives. Events that race the
// response are skipped; the read loop is not running yet.
func (c *Client) register(conn *websocket.Conn) error {
	reg := protocol.ServiceRegistration{
		Service:       c.cfg.Service,
		Version:       c.cfg.Version,
		Subscriptions: c.cfg.Subscriptions,
	}
	req, err := protocol.NewRequest("", protocol.MethodRegister, &reg)
	if err != nil {
		return fmt.Errorf("build registration: %w", err)
	}
	data, err := req.Encode()
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	deadline := time.Now().Add(c.cfg.DialTimeout)
	for {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read registration response: %w", err)
		}
		conn.SetReadDeadline(time.Time{})

		frame, err := protocol.Parse(data)
		if err != nil {
			return fmt.Errorf("registration handshake: %w", err)
		}
		if frame.Type != protocol.FrameResponse || frame.ID != req.ID {
			continue
		}
		if !*frame.OK {
			return fmt.Errorf("registration rejected: %w", frame.Error.AsError())
		}
		return nil
	}
}

// Call sends a request and waits for its response payload. An empty
// target addresses the gateway itself. Remote failures come back as
// *protocol.Error with the remote code.
func (c *Client) Call(ctx context.Context, target, method string, params interface{}) (json.RawMessage, error) {
	req, err := protocol.NewRequest(target, method, params)
	if err != nil {
		return nil, err
	}
	data, err := req.Encode()
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	respCh := make(chan *protocol.Frame, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("not connected to gateway")
	}
	c.pending[req.ID] = respCh
	err = conn.WriteMessage(websocket.TextMessage, data)
	if err != nil {
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	c.mu.Unlock()

	select {
	case res := <-respCh:
		if res.Error != nil {
			return nil, res.Error.AsError()
		}
		if res.OK == nil || !*res.OK {
			return nil, fmt.Errorf("%s failed without error detail", method)
		}
		return res.Payload, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// readLoop owns the connection's reads: responses settle pending calls,
// events go to the callback. On any read error the connection is dropped
// and every pending call fails.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		for id, ch := range c.pending {
			ch <- &protocol.Frame{
				Type:  protocol.FrameResponse,
				ID:    id,
				Error: &protocol.ErrorInfo{Code: protocol.CodeServiceUnavailable, Message: "connection lost"},
			}
			delete(c.pending, id)
		}
		closed := c.closed
		c.mu.Unlock()
		conn.Close()
		if !closed {
			c.log.Warn("gateway connection lost")
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.Parse(data)
		if err != nil {
			c.log.Warn("bad frame from gateway", "error", err)
			continue
		}

		switch frame.Type {
		case protocol.FrameResponse:
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			if ok {
				delete(c.pending, frame.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- frame
			} else {
				c.log.Debug("stale response", "id", frame.ID)
			}
		case protocol.FrameEvent:
			if c.onEvent != nil {
				c.onEvent(frame.Source, frame.Event, frame.Payload, frame.Seq)
			}
		}
	}
}

// Close sends a normal-closure frame and drops the connection. The
// client cannot be reused afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	if conn != nil {
		// Under the same lock as Call's writes; the conn allows one
		// writer at a time.
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
