// Package channels connects messaging platforms to the runtime. An
// adapter normalizes platform traffic into bus messages and never
// touches the gateway directly; the Manager owns adapter lifecycle,
// mirrors status changes onto the event bus, and routes replies back
// out through the adapter send path.
package channels

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/chozzz/vargos-sub004/internal/bus"
	"github.com/chozzz/vargos-sub004/internal/logging"
)

// InternalChannels are logical sources with no adapter behind them.
// Outbound messages addressed to them are skipped by the dispatcher.
var InternalChannels = map[string]bool{
	"cli":      true,
	"system":   true,
	"subagent": true,
	"rpc":      true,
	"cron":     true,
}

// IsInternalChannel reports whether a channel name is internal.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// Status is the connection state of a channel adapter.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// statusTransitions lists the legal moves. Going up always passes
// through connecting; connected is never entered straight from
// disconnected or error.
var statusTransitions = map[Status]map[Status]bool{
	StatusDisconnected: {StatusConnecting: true},
	StatusConnecting:   {StatusConnected: true, StatusError: true, StatusDisconnected: true},
	StatusConnected:    {StatusDisconnected: true, StatusError: true},
	StatusError:        {StatusConnecting: true, StatusDisconnected: true},
}

// CanTransition reports whether a status change is legal. Same-state
// moves are no-ops, not transitions.
func CanTransition(from, to Status) bool {
	return statusTransitions[from][to]
}

// InboundFunc receives accepted inbound messages from an adapter.
type InboundFunc func(msg bus.InboundMessage)

// StatusFunc observes adapter status changes.
type StatusFunc func(name string, from, to Status)

// Channel is the contract every messaging adapter satisfies.
type Channel interface {
	// Name returns the channel identifier ("telegram", "whatsapp").
	Name() string

	// Initialize performs one-time setup such as loading auth state.
	// Safe to call more than once.
	Initialize(ctx context.Context) error

	// Start connects and begins receiving. Status moves to connecting
	// and then connected; it never jumps upward past connecting.
	Start(ctx context.Context) error

	// Stop disconnects gracefully. In-flight sends finish first.
	Stop(ctx context.Context) error

	// Send delivers one outbound message. Callers retry on error.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// Status returns the current connection state.
	Status() Status

	// IsAllowed checks the sender against the channel allow-list.
	IsAllowed(senderID string) bool

	// OnInbound installs the callback receiving accepted messages.
	// The manager injects it; adapters never hold a gateway reference.
	OnInbound(fn InboundFunc)

	// OnStatusChange installs the status observer.
	OnStatusChange(fn StatusFunc)
}

// Base carries the state every adapter shares: name, status machine,
// allow-list and the inbound callback. Adapters embed it.
type Base struct {
	name string
	log  *slog.Logger

	mu       sync.Mutex
	status   Status
	allow    []string
	inbound  InboundFunc
	onStatus StatusFunc
}

// NewBase returns a Base in the disconnected state.
func NewBase(name string, allow []string) *Base {
	return &Base{
		name:   name,
		status: StatusDisconnected,
		allow:  append([]string(nil), allow...),
		log:    logging.Scoped("channel." + name),
	}
}

// Name returns the channel name.
func (b *Base) Name() string { return b.name }

// Status returns the current connection state.
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// SetStatus applies a validated status change. Same-status calls are
// no-ops; illegal transitions are logged and ignored. Reports whether
// the status actually changed.
func (b *Base) SetStatus(to Status) bool {
	b.mu.Lock()
	from := b.status
	if from == to {
		b.mu.Unlock()
		return false
	}
	if !CanTransition(from, to) {
		b.mu.Unlock()
		b.log.Warn("illegal status transition ignored", "from", from, "to", to)
		return false
	}
	b.status = to
	hook := b.onStatus
	b.mu.Unlock()

	b.log.Info("status changed", "from", from, "to", to)
	if hook != nil {
		hook(b.name, from, to)
	}
	return true
}

// OnStatusChange installs the status observer. The hook runs outside
// the Base lock.
func (b *Base) OnStatusChange(fn StatusFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStatus = fn
}

// OnInbound installs the inbound callback.
func (b *Base) OnInbound(fn InboundFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inbound = fn
}

// SetAllowList replaces the allow-list.
func (b *Base) SetAllowList(allow []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allow = append([]string(nil), allow...)
}

// AllowList returns a copy of the current allow-list.
func (b *Base) AllowList() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.allow...)
}

// IsAllowed checks a sender against the allow-list. An empty list
// accepts everyone. Entries and sender ids may use the compound
// "id|username" form; usernames match with or without a leading "@".
func (b *Base) IsAllowed(senderID string) bool {
	b.mu.Lock()
	allow := b.allow
	b.mu.Unlock()

	if len(allow) == 0 {
		return true
	}

	idPart, userPart := splitCompound(senderID)
	for _, entry := range allow {
		entry = strings.TrimPrefix(entry, "@")
		allowedID, allowedUser := splitCompound(entry)

		if senderID == entry || idPart == entry || idPart == allowedID {
			return true
		}
		if allowedUser != "" && (senderID == allowedUser || userPart == allowedUser) {
			return true
		}
		if userPart != "" && userPart == entry {
			return true
		}
	}
	return false
}

// Accept applies the allow-list and forwards the message inbound. It
// reports whether the sender passed the list, so adapters can route
// rejected senders into pairing.
func (b *Base) Accept(msg bus.InboundMessage) bool {
	if !b.IsAllowed(msg.SenderID) {
		b.log.Debug("sender rejected by allow-list", "sender", msg.SenderID)
		return false
	}
	b.Forward(msg)
	return true
}

// Forward hands a message to the inbound callback, stamping the
// channel name. Messages arriving before OnInbound are dropped.
func (b *Base) Forward(msg bus.InboundMessage) {
	b.mu.Lock()
	fn := b.inbound
	b.mu.Unlock()

	if fn == nil {
		b.log.Warn("inbound message dropped, no handler wired", "sender", msg.SenderID)
		return
	}
	if msg.Channel == "" {
		msg.Channel = b.name
	}
	fn(msg)
}

// splitCompound separates "id|username" into its parts. A plain id
// comes back with an empty username.
func splitCompound(s string) (id, user string) {
	if i := strings.IndexByte(s, '|'); i > 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// Truncate shortens s to max runes, appending "..." when cut.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
