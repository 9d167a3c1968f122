// Package whatsapp adapts a WhatsApp bridge process to the channel
// contract. The bridge (whatsapp-web.js or similar) owns the WhatsApp
// protocol; this adapter exchanges JSON frames with it over a WebSocket
// and redials whenever the link drops.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chozzz/vargos-sub004/internal/bus"
	"github.com/chozzz/vargos-sub004/internal/channels"
	"github.com/chozzz/vargos-sub004/internal/logging"
	"github.com/chozzz/vargos-sub004/internal/reconnect"
)

const (
	dialTimeout = 10 * time.Second
	redialBase  = time.Second
	redialMax   = 30 * time.Second
)

// bridgeMessage is the frame format spoken by the bridge. Inbound
// frames carry from/chat, outbound frames carry to.
type bridgeMessage struct {
	Type     string   `json:"type"`
	ID       string   `json:"id,omitempty"`
	From     string   `json:"from,omitempty"`
	FromName string   `json:"from_name,omitempty"`
	Chat     string   `json:"chat,omitempty"`
	To       string   `json:"to,omitempty"`
	Content  string   `json:"content,omitempty"`
	Media    []string `json:"media,omitempty"`
}

// Config is the whatsapp section of the channels config.
type Config struct {
	BridgeURL   string   `json:"bridgeUrl"`
	AllowFrom   []string `json:"allowFrom,omitempty"`
	DMPolicy    string   `json:"dmPolicy,omitempty"`    // pairing (default), allowlist, open, disabled
	GroupPolicy string   `json:"groupPolicy,omitempty"` // open (default), allowlist, disabled
}

// Channel connects to a WhatsApp bridge over WebSocket.
type Channel struct {
	*channels.Base
	cfg  Config
	gate *channels.PairingGate
	log  *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the adapter. The gate is optional; without it the
// pairing policy admits nobody and issues no codes.
func New(cfg Config, gate *channels.PairingGate) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridgeUrl is required")
	}
	return &Channel{
		Base: channels.NewBase("whatsapp", cfg.AllowFrom),
		cfg:  cfg,
		gate: gate,
		log:  logging.Scoped("channel.whatsapp"),
	}, nil
}

// Initialize is a no-op; the bridge is only reachable once Start dials it.
func (c *Channel) Initialize(context.Context) error { return nil }

// Start dials the bridge and begins the listen loop. A dead bridge at
// boot is not fatal; the loop keeps redialing.
func (c *Channel) Start(ctx context.Context) error {
	c.SetStatus(channels.StatusConnecting)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	if err := c.connect(runCtx); err != nil {
		c.log.Warn("initial bridge connection failed, will retry", "error", err)
	} else {
		c.SetStatus(channels.StatusConnected)
	}

	go func() {
		defer close(done)
		c.listenLoop(runCtx)
	}()
	return nil
}

// Stop closes the bridge connection and waits for the listen loop.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			c.log.Warn("whatsapp listen loop did not exit before deadline")
		}
	}
	c.SetStatus(channels.StatusDisconnected)
	return nil
}

// Send delivers one outbound message to the bridge. The bridge frame
// format carries text only; staged media cannot ride along.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if len(msg.Media) > 0 {
		c.log.Debug("bridge cannot carry outbound media, sending text only", "count", len(msg.Media))
	}
	if msg.Content == "" {
		return nil
	}
	return c.writeBridge(bridgeMessage{Type: "message", To: msg.ChatID, Content: msg.Content})
}

func (c *Channel) writeBridge(msg bridgeMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal bridge message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to bridge: %w", err)
	}
	return nil
}

func (c *Channel) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.cfg.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.log.Info("whatsapp bridge connected", "url", c.cfg.BridgeURL)
	return nil
}

// listenLoop reads bridge frames and redials lost connections on the
// shared backoff schedule.
func (c *Channel) listenLoop(ctx context.Context) {
	policy := reconnect.New(redialBase, redialMax, 0)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			delay, _ := policy.Next()
			c.log.Info("redialing whatsapp bridge", "delay", delay, "attempt", policy.Attempt())
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			c.SetStatus(channels.StatusConnecting)
			if err := c.connect(ctx); err != nil {
				c.log.Warn("bridge redial failed", "error", err)
				continue
			}
			policy.Reset()
			c.SetStatus(channels.StatusConnected)
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("bridge read failed, reconnecting", "error", err)
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			_ = conn.Close()
			c.SetStatus(channels.StatusError)
			continue
		}

		var msg bridgeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("bad bridge frame", "error", err)
			continue
		}
		if msg.Type == "message" {
			c.handleBridgeMessage(msg)
		}
	}
}

// handleBridgeMessage normalizes one inbound frame. Groups (JIDs ending
// in @g.us) are chat-scoped: the group JID becomes the session peer and
// the sender is named inline, same as the telegram adapter.
func (c *Channel) handleBridgeMessage(msg bridgeMessage) {
	if msg.From == "" {
		return
	}
	if msg.Content == "" && len(msg.Media) == 0 {
		return
	}

	chatID := msg.Chat
	if chatID == "" {
		chatID = msg.From
	}
	isGroup := strings.HasSuffix(chatID, "@g.us")

	content := msg.Content
	senderID := msg.From
	if isGroup {
		label := msg.FromName
		if label == "" {
			label = msg.From
		}
		content = "[From: " + label + "]\n" + content
		senderID = chatID
	}

	kind := bus.InputText
	if len(msg.Media) > 0 {
		kind = bus.InputFile
	}

	inbound := bus.InboundMessage{
		SenderID: senderID,
		ChatID:   chatID,
		Content:  content,
		Media:    msg.Media,
		Kind:     kind,
		Metadata: map[string]string{},
	}
	if msg.ID != "" {
		inbound.Fingerprint = chatID + ":" + msg.ID
		inbound.Metadata["messageId"] = msg.ID
	}
	if msg.FromName != "" {
		inbound.Metadata["senderName"] = msg.FromName
	}

	c.log.Debug("bridge message received",
		"sender", msg.From, "chat", chatID, "group", isGroup,
		"preview", channels.Truncate(msg.Content, 60))

	if isGroup {
		if c.groupAdmitted(msg.From) {
			c.Forward(inbound)
		}
		return
	}

	policy := channels.DMPolicy(c.cfg.DMPolicy)
	if policy == "" {
		policy = channels.DMPolicyPairing
	}
	admitted, reply := c.Gate(policy, c.gate, inbound)
	if !admitted && reply != "" {
		if err := c.writeBridge(bridgeMessage{Type: "message", To: chatID, Content: reply}); err != nil {
			c.log.Warn("pairing reply failed", "error", err)
		}
	}
}

// groupAdmitted applies the group policy. Unlike telegram there is no
// mention gate; the bridge only relays chats the account is part of.
func (c *Channel) groupAdmitted(senderID string) bool {
	switch channels.DMPolicy(c.cfg.GroupPolicy) {
	case channels.DMPolicyDisabled:
		c.log.Debug("group message rejected, groups disabled", "sender", senderID)
		return false
	case channels.DMPolicyAllowlist:
		if !c.IsAllowed(senderID) {
			c.log.Debug("group sender rejected by allow-list", "sender", senderID)
			return false
		}
	}
	return true
}
