package channels

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chozzz/vargos-sub004/internal/bus"
	"github.com/chozzz/vargos-sub004/internal/logging"
	"github.com/chozzz/vargos-sub004/internal/store"
)

// DMPolicy controls how senders unknown to a channel are handled.
type DMPolicy string

const (
	// DMPolicyPairing sends unknown senders a pairing code and drops
	// their messages until the owner approves them.
	DMPolicyPairing DMPolicy = "pairing"
	// DMPolicyAllowlist silently drops senders not on the allow-list.
	DMPolicyAllowlist DMPolicy = "allowlist"
	// DMPolicyOpen accepts every sender.
	DMPolicyOpen DMPolicy = "open"
	// DMPolicyDisabled rejects every sender.
	DMPolicyDisabled DMPolicy = "disabled"
)

// pairingReplyInterval limits pairing replies to one per sender per
// minute so a message burst produces a single code message.
const pairingReplyInterval = 60 * time.Second

// PairingGate tracks which senders are paired and composes the pairing
// reply for those who are not. Approval happens elsewhere (the
// pairing.approve RPC or the CLI); the gate only reads the store.
type PairingGate struct {
	store store.PairingStore
	log   *slog.Logger

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewPairingGate returns a gate backed by ps. A nil store admits
// nobody under the pairing policy but never issues codes.
func NewPairingGate(ps store.PairingStore) *PairingGate {
	return &PairingGate{
		store: ps,
		last:  make(map[string]time.Time),
		now:   time.Now,
		log:   logging.Scoped("pairing"),
	}
}

// SetClock overrides the time source. Used by tests.
func (g *PairingGate) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// Paired reports whether the sender has been approved for the channel.
func (g *PairingGate) Paired(channel, senderID string) bool {
	if g == nil || g.store == nil {
		return false
	}
	return g.store.IsPaired(senderID, channel)
}

// Request issues (or reuses) a pairing code for the sender and returns
// the reply text the adapter should send. It returns "" when a reply
// went out for this sender within the last minute or when the store
// rejects the request.
func (g *PairingGate) Request(channel, senderID, chatID string) string {
	if g == nil || g.store == nil {
		return ""
	}

	key := channel + ":" + senderID
	g.mu.Lock()
	if last, ok := g.last[key]; ok && g.now().Sub(last) < pairingReplyInterval {
		g.mu.Unlock()
		return ""
	}
	g.mu.Unlock()

	code, err := g.store.RequestPairing(senderID, channel, chatID)
	if err != nil {
		g.log.Warn("pairing request failed", "channel", channel, "sender", senderID, "error", err)
		return ""
	}

	g.mu.Lock()
	g.last[key] = g.now()
	g.mu.Unlock()

	g.log.Info("pairing code issued", "channel", channel, "sender", senderID)
	return fmt.Sprintf(
		"Vargos: access not configured.\n\nYour %s ID: %s\n\nPairing code: %s\n\nAsk the bot owner to approve with:\n  vargos pairing approve %s",
		channel, senderID, code, code,
	)
}

// Gate evaluates the DM policy for one inbound message. Admitted
// messages are forwarded through the Base inbound callback; pairing
// rejections return the reply the adapter should send to the sender
// ("" when debounced). Under the pairing policy an allow-list entry
// counts only when the list is non-empty, so an empty list gates
// everyone instead of accepting everyone.
func (b *Base) Gate(policy DMPolicy, gate *PairingGate, msg bus.InboundMessage) (admitted bool, pairingReply string) {
	switch policy {
	case DMPolicyDisabled:
		return false, ""
	case DMPolicyOpen:
		b.Forward(msg)
		return true, ""
	case DMPolicyAllowlist:
		return b.Accept(msg), ""
	default: // pairing
		b.mu.Lock()
		hasList := len(b.allow) > 0
		b.mu.Unlock()

		if gate.Paired(b.name, msg.SenderID) || (hasList && b.IsAllowed(msg.SenderID)) {
			b.Forward(msg)
			return true, ""
		}
		return false, gate.Request(b.name, msg.SenderID, msg.ChatID)
	}
}
