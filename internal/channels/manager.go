package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/chozzz/vargos-sub004/internal/bus"
	"github.com/chozzz/vargos-sub004/internal/delivery"
	"github.com/chozzz/vargos-sub004/internal/gateway"
	"github.com/chozzz/vargos-sub004/internal/logging"
	"github.com/chozzz/vargos-sub004/internal/store"
	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

// Events is the slice of the gateway event bus the manager needs.
// *gateway.EventBus satisfies it.
type Events interface {
	Publish(source, event string, payload interface{})
}

// Manager owns adapter lifecycle and outbound dispatch. Inbound
// messages flow adapter → manager → router; replies flow router →
// manager → adapter, chunked and retried by the delivery package.
type Manager struct {
	router  bus.MessageRouter
	events  Events
	pairing store.PairingStore
	limiter *SenderLimiter
	log     *slog.Logger

	mu       sync.RWMutex
	adapters map[string]Channel
	opts     map[string]delivery.Options
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewManager returns a manager routing through router and mirroring
// channel lifecycle onto events. Both may be nil in tests.
func NewManager(router bus.MessageRouter, events Events) *Manager {
	return &Manager{
		router:   router,
		events:   events,
		limiter:  NewSenderLimiter(DefaultSenderRate, DefaultSenderBurst),
		adapters: make(map[string]Channel),
		opts:     make(map[string]delivery.Options),
		log:      logging.Scoped("channels"),
	}
}

// SetPairingStore wires the store behind the pairing.* RPC methods.
func (m *Manager) SetPairingStore(ps store.PairingStore) {
	m.pairing = ps
}

// SetSenderLimit replaces the per-sender inbound rate budget.
func (m *Manager) SetSenderLimit(limit rate.Limit, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiter = NewSenderLimiter(limit, burst)
}

// Register adds an adapter and wires its callbacks: accepted inbound
// messages are published to the router (plus a message.received event),
// status changes become channel.connected/channel.disconnected events.
func (m *Manager) Register(ch Channel) {
	name := ch.Name()

	ch.OnInbound(func(msg bus.InboundMessage) {
		if msg.Channel == "" {
			msg.Channel = name
		}
		m.mu.RLock()
		limiter := m.limiter
		m.mu.RUnlock()
		if !limiter.Allow(msg.Channel + ":" + msg.SenderID) {
			m.log.Warn("sender rate limited", "channel", msg.Channel, "sender", msg.SenderID)
			return
		}
		if m.events != nil {
			m.events.Publish(protocol.SourceChannel, protocol.EventMessageReceived, map[string]interface{}{
				"channel":  msg.Channel,
				"senderId": msg.SenderID,
				"chatId":   msg.ChatID,
			})
		}
		if m.router != nil {
			m.router.PublishInbound(msg)
		}
	})

	ch.OnStatusChange(func(name string, from, to Status) {
		if m.events == nil {
			return
		}
		switch {
		case to == StatusConnected:
			m.events.Publish(protocol.SourceChannel, protocol.EventChannelConnected, map[string]interface{}{
				"channel": name,
			})
		case from == StatusConnected:
			m.events.Publish(protocol.SourceChannel, protocol.EventChannelDisconnected, map[string]interface{}{
				"channel": name,
				"status":  string(to),
			})
		}
	})

	m.mu.Lock()
	m.adapters[name] = ch
	m.mu.Unlock()
}

// SetDeliveryOptions overrides chunking and retry for one channel.
func (m *Manager) SetDeliveryOptions(name string, opts delivery.Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts[name] = opts
}

// Get returns an adapter by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.adapters[name]
	return ch, ok
}

// Names returns the registered channel names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.adapters))
	for name := range m.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartAll initializes and starts every adapter in parallel and begins
// the outbound dispatch loop. A failing adapter does not stop the
// others; the first error is returned for logging.
func (m *Manager) StartAll(ctx context.Context) error {
	dispatchCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	adapters := make([]Channel, 0, len(m.adapters))
	for _, ch := range m.adapters {
		adapters = append(adapters, ch)
	}
	m.mu.Unlock()

	go m.dispatchOutbound(dispatchCtx)

	if len(adapters) == 0 {
		m.log.Warn("no channels enabled")
		return nil
	}

	var g errgroup.Group
	for _, ch := range adapters {
		ch := ch
		g.Go(func() error {
			if err := ch.Initialize(ctx); err != nil {
				m.log.Error("channel initialize failed", "channel", ch.Name(), "error", err)
				return fmt.Errorf("initialize %s: %w", ch.Name(), err)
			}
			if err := ch.Start(ctx); err != nil {
				m.log.Error("channel start failed", "channel", ch.Name(), "error", err)
				return fmt.Errorf("start %s: %w", ch.Name(), err)
			}
			m.log.Info("channel started", "channel", ch.Name())
			return nil
		})
	}
	return g.Wait()
}

// StopAll stops the dispatch loop and every adapter.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	adapters := make([]Channel, 0, len(m.adapters))
	for _, ch := range m.adapters {
		adapters = append(adapters, ch)
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	var g errgroup.Group
	for _, ch := range adapters {
		ch := ch
		g.Go(func() error {
			if err := ch.Stop(ctx); err != nil {
				m.log.Error("channel stop failed", "channel", ch.Name(), "error", err)
				return fmt.Errorf("stop %s: %w", ch.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// dispatchOutbound consumes replies from the router and sends them
// through the owning adapter, chunked and retried. Internal channels
// have no adapter and are skipped.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	defer close(m.done)
	m.log.Debug("outbound dispatcher started")

	for {
		msg, ok := m.router.SubscribeOutbound(ctx)
		if !ok {
			m.log.Debug("outbound dispatcher stopped")
			return
		}

		if IsInternalChannel(msg.Channel) {
			continue
		}

		m.mu.RLock()
		ch, exists := m.adapters[msg.Channel]
		opts := m.opts[msg.Channel]
		m.mu.RUnlock()

		if !exists {
			m.log.Warn("outbound message for unknown channel", "channel", msg.Channel)
			continue
		}

		if err := m.sendOut(ctx, ch, msg, opts); err != nil {
			m.log.Error("outbound delivery failed",
				"channel", msg.Channel, "chat", msg.ChatID, "error", err)
		}

		// Media files are staged for the send only; remove them once
		// the delivery attempt is over.
		for _, att := range msg.Media {
			if att.URL == "" {
				continue
			}
			if err := os.Remove(att.URL); err != nil && !os.IsNotExist(err) {
				m.log.Debug("media cleanup failed", "path", att.URL, "error", err)
			}
		}
	}
}

// sendOut splits the reply into chunks and pushes them through the
// adapter sequentially. Media rides on the first chunk.
func (m *Manager) sendOut(ctx context.Context, ch Channel, msg bus.OutboundMessage, opts delivery.Options) error {
	if msg.Content == "" && len(msg.Media) == 0 {
		return nil
	}
	if msg.Content == "" {
		return ch.Send(ctx, msg)
	}

	first := true
	send := func(ctx context.Context, chunk string) error {
		out := bus.OutboundMessage{
			Channel:  msg.Channel,
			ChatID:   msg.ChatID,
			Content:  chunk,
			Metadata: msg.Metadata,
		}
		if first {
			out.Media = msg.Media
		}
		if err := ch.Send(ctx, out); err != nil {
			return err
		}
		first = false
		return nil
	}
	return delivery.Deliver(ctx, send, msg.Content, opts)
}

// SendTo delivers a text message to one channel directly, bypassing
// the router. Cron result delivery uses it.
func (m *Manager) SendTo(ctx context.Context, channel, chatID, content string) error {
	m.mu.RLock()
	ch, exists := m.adapters[channel]
	opts := m.opts[channel]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("channel %s not found", channel)
	}
	return m.sendOut(ctx, ch, bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: content}, opts)
}

// StatusAll reports the connection state of every adapter.
func (m *Manager) StatusAll() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.adapters))
	for name, ch := range m.adapters {
		out[name] = string(ch.Status())
	}
	return out
}

// RegisterMethods exposes channel and pairing state over gateway RPC.
func (m *Manager) RegisterMethods(srv *gateway.Server) {
	srv.Handle(protocol.MethodChannelsStatus, m.handleChannelsStatus)
	srv.Handle(protocol.MethodPairingList, m.handlePairingList)
	srv.Handle(protocol.MethodPairingApprove, m.handlePairingApprove)
}

func (m *Manager) handleChannelsStatus(_ context.Context, _ *gateway.Conn, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"channels": m.StatusAll()}, nil
}

func (m *Manager) handlePairingList(_ context.Context, _ *gateway.Conn, _ json.RawMessage) (interface{}, error) {
	if m.pairing == nil {
		return nil, protocol.NewError(protocol.CodeServiceUnavailable, "pairing store is not available")
	}
	pending, err := m.pairing.ListPending()
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeInternal, "list pairing requests: %v", err)
	}
	return map[string]interface{}{"pending": pending}, nil
}

func (m *Manager) handlePairingApprove(_ context.Context, _ *gateway.Conn, params json.RawMessage) (interface{}, error) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.Code == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "code is required")
	}
	if m.pairing == nil {
		return nil, protocol.NewError(protocol.CodeServiceUnavailable, "pairing store is not available")
	}
	approved, err := m.pairing.Approve(req.Code)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeValidation, "approve: %v", err)
	}
	m.log.Info("sender paired", "channel", approved.Channel, "sender", approved.SenderID)
	return map[string]interface{}{
		"channel":  approved.Channel,
		"senderId": approved.SenderID,
	}, nil
}
