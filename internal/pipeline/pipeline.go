// Package pipeline is the single path from a raw channel message to an
// agent run: allow-list, dedupe, debounce, normalization, then the
// session queue. Channel adapters never talk to the queue directly.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chozzz/vargos-sub004/internal/agent"
	"github.com/chozzz/vargos-sub004/internal/bus"
	"github.com/chozzz/vargos-sub004/internal/logging"
	"github.com/chozzz/vargos-sub004/internal/queue"
	"github.com/chozzz/vargos-sub004/internal/sessions"
)

// AllowFunc decides whether a sender may reach the agent at all.
// Nil accepts everyone; denied messages are dropped silently.
type AllowFunc func(channel, senderID string) bool

// Config tunes the dedupe window and the typing debounce. Zero values
// use the bus package defaults (60s/10k and 1.5s/20).
type Config struct {
	DedupeTTL     time.Duration
	DedupeMaxSize int
	DebounceDelay time.Duration
	DebounceBatch int
}

// Pipeline owns one dedupe cache and one debouncer shared by every
// channel. Flushes enqueue exactly one run per quiet burst, and the
// run outcome is published back to the router as an outbound message
// for the originating chat.
type Pipeline struct {
	dedupe   *bus.DedupeCache
	debounce *bus.InboundDebouncer
	queue    *queue.Queue
	allow    AllowFunc
	log      *slog.Logger

	mu      sync.Mutex
	baseCtx context.Context
	router  bus.MessageRouter
}

func New(cfg Config, q *queue.Queue, allow AllowFunc) *Pipeline {
	p := &Pipeline{
		dedupe:  bus.NewDedupeCache(cfg.DedupeTTL, cfg.DedupeMaxSize),
		queue:   q,
		allow:   allow,
		log:     logging.Scoped("pipeline"),
		baseCtx: context.Background(),
	}
	p.debounce = bus.NewInboundDebouncer(cfg.DebounceDelay, cfg.DebounceBatch, p.deliver)
	return p
}

// Fingerprint derives the dedupe key for a message: the platform
// message id when the channel supplied one, else a hash over channel,
// sender and content.
func Fingerprint(msg bus.InboundMessage) string {
	if msg.Fingerprint != "" {
		return msg.Channel + ":" + msg.Fingerprint
	}
	sum := sha256.Sum256([]byte(msg.Channel + "\x00" + msg.SenderID + "\x00" + msg.Content))
	return msg.Channel + ":" + hex.EncodeToString(sum[:8])
}

// Submit pushes one raw message through the pipeline. It never blocks;
// the debouncer decides when the session queue sees the result.
func (p *Pipeline) Submit(msg bus.InboundMessage) {
	if p.allow != nil && !p.allow(msg.Channel, msg.SenderID) {
		p.log.Debug("sender not in allow-list", "channel", msg.Channel, "sender", msg.SenderID)
		return
	}

	fp := Fingerprint(msg)
	if !p.dedupe.Add(fp) {
		p.log.Debug("duplicate dropped", "fingerprint", fp)
		return
	}

	// Tool-originated messages address an existing session by key;
	// everything else derives the key from channel and sender.
	key := sessions.BuildKey(msg.Channel, msg.SenderID)
	if msg.Channel == "system" && msg.ChatID != "" {
		key = msg.ChatID
	}
	p.debounce.Push(key, msg)
}

// Run consumes raw messages from the router until ctx is done. Runs
// enqueued by flushes are parented to ctx, so cancelling it interrupts
// in-flight agent work too.
func (p *Pipeline) Run(ctx context.Context, router bus.MessageRouter) {
	p.mu.Lock()
	p.baseCtx = ctx
	p.router = router
	p.mu.Unlock()

	for {
		msg, ok := router.ConsumeInbound(ctx)
		if !ok {
			p.debounce.Stop()
			return
		}
		p.Submit(msg)
	}
}

// Cancel discards anything buffered for a key without running it.
func (p *Pipeline) Cancel(key string) {
	p.debounce.Cancel(key)
}

// Retune applies new dedupe and debounce settings to the live pipeline.
// Buffered messages and fresh fingerprints are kept.
func (p *Pipeline) Retune(cfg Config) {
	p.dedupe.SetTTL(cfg.DedupeTTL)
	p.debounce.SetDelay(cfg.DebounceDelay)
}

// deliver is the debounce flush callback: the burst becomes one
// normalized input and one queued run.
func (p *Pipeline) deliver(key string, msgs []bus.InboundMessage) {
	if len(msgs) == 0 {
		return
	}

	texts := make([]string, 0, len(msgs))
	var media []string
	for _, m := range msgs {
		if m.Content != "" {
			texts = append(texts, m.Content)
		}
		media = append(media, m.Media...)
	}
	last := msgs[len(msgs)-1]

	input := bus.NormalizedInput{
		Type:     normalizedKind(last),
		Content:  strings.Join(texts, "\n"),
		Media:    media,
		Metadata: last.Metadata,
		Source: bus.Source{
			Channel:    last.Channel,
			UserID:     sessions.NormalizeIdentifier(last.SenderID),
			SessionKey: key,
		},
		Timestamp: time.Now(),
	}
	if input.Content == "" && len(input.Media) == 0 {
		return
	}

	p.mu.Lock()
	ctx := p.baseCtx
	p.mu.Unlock()

	req := agent.RunRequest{
		SessionKey: key,
		RunID:      uuid.NewString(),
		Message:    input.Content,
		Media:      input.Media,
		Channel:    input.Source.Channel,
		ChatID:     last.ChatID,
		SenderID:   last.SenderID,
		Metadata:   input.Metadata,
	}
	p.log.Info("inbound delivered",
		"session", key, "run", req.RunID, "messages", len(msgs), "media", len(media))

	out := p.queue.Enqueue(ctx, req)
	go p.awaitReply(req, out)
}

// awaitReply publishes the run outcome back to the originating chat.
// Aborted, replaced and silent runs produce no outbound message.
func (p *Pipeline) awaitReply(req agent.RunRequest, out <-chan queue.Outcome) {
	outcome := <-out

	p.mu.Lock()
	router := p.router
	p.mu.Unlock()
	if router == nil || req.ChatID == "" {
		return
	}

	msg := bus.OutboundMessage{
		Channel:  req.Channel,
		ChatID:   req.ChatID,
		Metadata: req.Metadata,
	}

	if outcome.Err != nil {
		if errors.Is(outcome.Err, context.Canceled) ||
			errors.Is(outcome.Err, queue.ErrAborted) ||
			errors.Is(outcome.Err, queue.ErrReplaced) {
			p.log.Info("run ended without reply",
				"session", req.SessionKey, "run", req.RunID, "reason", outcome.Err)
			return
		}
		p.log.Error("agent run failed",
			"session", req.SessionKey, "run", req.RunID, "error", outcome.Err)
		msg.Content = "Agent run failed: " + truncateError(outcome.Err)
		router.PublishOutbound(msg)
		return
	}

	if outcome.Result == nil || outcome.Result.Content == "" {
		return
	}
	msg.Content = outcome.Result.Content
	router.PublishOutbound(msg)
}

// truncateError keeps the user-visible error line short; the full error
// is already in the log.
func truncateError(err error) string {
	s := err.Error()
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func normalizedKind(msg bus.InboundMessage) bus.InputType {
	if msg.Kind != "" {
		return msg.Kind
	}
	return bus.InputText
}
