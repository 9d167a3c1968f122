package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/chozzz/vargos-sub004/internal/bus"
	"github.com/chozzz/vargos-sub004/internal/delivery"
	"github.com/chozzz/vargos-sub004/internal/store"
	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

// fakeChannel records sends and drives its status like a real adapter.
type fakeChannel struct {
	*Base
	mu        sync.Mutex
	sends     []bus.OutboundMessage
	failFirst int // fail this many sends before succeeding
}

func newFakeChannel(name string, allow []string) *fakeChannel {
	return &fakeChannel{Base: NewBase(name, allow)}
}

func (f *fakeChannel) Initialize(context.Context) error { return nil }

func (f *fakeChannel) Start(context.Context) error {
	f.SetStatus(StatusConnecting)
	f.SetStatus(StatusConnected)
	return nil
}

func (f *fakeChannel) Stop(context.Context) error {
	f.SetStatus(StatusDisconnected)
	return nil
}

func (f *fakeChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst > 0 {
		f.failFirst--
		return fmt.Errorf("transient send failure")
	}
	f.sends = append(f.sends, msg)
	return nil
}

func (f *fakeChannel) sent() []bus.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bus.OutboundMessage(nil), f.sends...)
}

func (f *fakeChannel) waitSends(t *testing.T, want int) []bus.OutboundMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := f.sent(); len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("saw %d sends, want %d", len(f.sent()), want)
	return nil
}

// eventRecorder captures gateway event publications.
type eventRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *eventRecorder) Publish(source, event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, bus.Event{Source: source, Name: event, Payload: payload})
}

func (r *eventRecorder) named(name string) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func startManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := m.StartAll(ctx); err != nil {
		cancel()
		t.Fatalf("StartAll: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		if err := m.StopAll(stopCtx); err != nil {
			t.Errorf("StopAll: %v", err)
		}
		cancel()
	})
}

func TestManagerLifecycleEvents(t *testing.T) {
	router := bus.New()
	rec := &eventRecorder{}
	m := NewManager(router, rec)
	ch := newFakeChannel("telegram", nil)
	m.Register(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	if got := rec.named(protocol.EventChannelConnected); len(got) != 1 {
		t.Errorf("connected events = %d, want 1", len(got))
	}
	if ch.Status() != StatusConnected {
		t.Errorf("status = %s, want connected", ch.Status())
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := m.StopAll(stopCtx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}

	if got := rec.named(protocol.EventChannelDisconnected); len(got) != 1 {
		t.Errorf("disconnected events = %d, want 1", len(got))
	}
	if ch.Status() != StatusDisconnected {
		t.Errorf("status = %s, want disconnected", ch.Status())
	}
}

func TestManagerInboundFlow(t *testing.T) {
	router := bus.New()
	rec := &eventRecorder{}
	m := NewManager(router, rec)
	ch := newFakeChannel("telegram", nil)
	m.Register(ch)

	ch.Forward(bus.InboundMessage{SenderID: "42", ChatID: "42", Content: "hello"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := router.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("message never reached the router")
	}
	if msg.Channel != "telegram" || msg.Content != "hello" {
		t.Errorf("router got (%s, %q)", msg.Channel, msg.Content)
	}

	if got := rec.named(protocol.EventMessageReceived); len(got) != 1 {
		t.Errorf("message.received events = %d, want 1", len(got))
	}
}

func TestManagerInboundRateLimit(t *testing.T) {
	router := bus.New()
	m := NewManager(router, nil)
	m.SetSenderLimit(rate.Every(time.Hour), 2)
	ch := newFakeChannel("telegram", nil)
	m.Register(ch)

	for i := 0; i < 3; i++ {
		ch.Forward(bus.InboundMessage{SenderID: "42", ChatID: "42", Content: fmt.Sprintf("m%d", i)})
	}

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, ok := router.ConsumeInbound(ctx); !ok {
			cancel()
			t.Fatalf("message %d never reached the router", i)
		}
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if msg, ok := router.ConsumeInbound(ctx); ok {
		t.Fatalf("third message should have been limited, got %q", msg.Content)
	}

	// A different sender is not affected by the exhausted budget.
	ch.Forward(bus.InboundMessage{SenderID: "99", ChatID: "99", Content: "other"})
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if _, ok := router.ConsumeInbound(ctx2); !ok {
		t.Fatal("independent sender should not be limited")
	}
}

func TestManagerOutboundDispatch(t *testing.T) {
	router := bus.New()
	m := NewManager(router, &eventRecorder{})
	ch := newFakeChannel("telegram", nil)
	m.Register(ch)
	startManager(t, m)

	router.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "42", Content: "reply"})

	sends := ch.waitSends(t, 1)
	if sends[0].ChatID != "42" || sends[0].Content != "reply" {
		t.Errorf("sent (%s, %q)", sends[0].ChatID, sends[0].Content)
	}
}

func TestManagerOutboundSkipsInternalAndUnknown(t *testing.T) {
	router := bus.New()
	m := NewManager(router, &eventRecorder{})
	ch := newFakeChannel("telegram", nil)
	m.Register(ch)
	startManager(t, m)

	router.PublishOutbound(bus.OutboundMessage{Channel: "cli", ChatID: "x", Content: "internal"})
	router.PublishOutbound(bus.OutboundMessage{Channel: "discord", ChatID: "x", Content: "nobody"})
	router.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "42", Content: "real"})

	sends := ch.waitSends(t, 1)
	if len(sends) != 1 || sends[0].Content != "real" {
		t.Errorf("sends = %v, want only the telegram message", sends)
	}
}

func TestManagerOutboundChunks(t *testing.T) {
	router := bus.New()
	m := NewManager(router, &eventRecorder{})
	ch := newFakeChannel("telegram", nil)
	m.Register(ch)
	m.SetDeliveryOptions("telegram", delivery.Options{MaxChunkSize: 10, RetryBase: time.Millisecond})
	startManager(t, m)

	text := strings.Repeat("a", 25)
	router.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "42", Content: text})

	sends := ch.waitSends(t, 3)
	var joined strings.Builder
	for _, s := range sends {
		if len(s.Content) > 10 {
			t.Errorf("chunk %q longer than 10", s.Content)
		}
		joined.WriteString(s.Content)
	}
	if joined.String() != text {
		t.Errorf("reassembled %q, want %q", joined.String(), text)
	}
}

func TestManagerOutboundRetries(t *testing.T) {
	router := bus.New()
	m := NewManager(router, &eventRecorder{})
	ch := newFakeChannel("telegram", nil)
	ch.failFirst = 1
	m.Register(ch)
	m.SetDeliveryOptions("telegram", delivery.Options{MaxRetries: 2, RetryBase: time.Millisecond})
	startManager(t, m)

	router.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "42", Content: "try again"})

	sends := ch.waitSends(t, 1)
	if sends[0].Content != "try again" {
		t.Errorf("sent %q", sends[0].Content)
	}
}

func TestManagerMediaOnFirstChunkAndCleanup(t *testing.T) {
	router := bus.New()
	m := NewManager(router, &eventRecorder{})
	ch := newFakeChannel("telegram", nil)
	m.Register(ch)
	m.SetDeliveryOptions("telegram", delivery.Options{MaxChunkSize: 10, RetryBase: time.Millisecond})
	startManager(t, m)

	mediaPath := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(mediaPath, []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("write media: %v", err)
	}

	router.PublishOutbound(bus.OutboundMessage{
		Channel: "telegram",
		ChatID:  "42",
		Content: strings.Repeat("b", 25),
		Media:   []bus.MediaAttachment{{URL: mediaPath, ContentType: "image/jpeg"}},
	})

	sends := ch.waitSends(t, 3)
	if len(sends[0].Media) != 1 {
		t.Errorf("first chunk carries %d media, want 1", len(sends[0].Media))
	}
	for i, s := range sends[1:] {
		if len(s.Media) != 0 {
			t.Errorf("chunk %d carries media, want none", i+1)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(mediaPath); os.IsNotExist(err) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("staged media file was not cleaned up after delivery")
}

func TestManagerStatusAll(t *testing.T) {
	m := NewManager(bus.New(), &eventRecorder{})
	tg := newFakeChannel("telegram", nil)
	wa := newFakeChannel("whatsapp", nil)
	m.Register(tg)
	m.Register(wa)

	tg.SetStatus(StatusConnecting)
	tg.SetStatus(StatusConnected)

	got := m.StatusAll()
	if got["telegram"] != "connected" {
		t.Errorf("telegram = %s, want connected", got["telegram"])
	}
	if got["whatsapp"] != "disconnected" {
		t.Errorf("whatsapp = %s, want disconnected", got["whatsapp"])
	}

	names := m.Names()
	if len(names) != 2 || names[0] != "telegram" || names[1] != "whatsapp" {
		t.Errorf("Names() = %v", names)
	}
}

func TestManagerSendTo(t *testing.T) {
	m := NewManager(bus.New(), &eventRecorder{})
	ch := newFakeChannel("telegram", nil)
	m.Register(ch)

	if err := m.SendTo(context.Background(), "telegram", "42", "direct"); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	sends := ch.sent()
	if len(sends) != 1 || sends[0].Content != "direct" {
		t.Errorf("sends = %v", sends)
	}

	if err := m.SendTo(context.Background(), "missing", "42", "x"); err == nil {
		t.Error("SendTo to unknown channel succeeded, want error")
	}
}

func TestManagerPairingHandlers(t *testing.T) {
	m := NewManager(bus.New(), &eventRecorder{})
	ps := newFakePairingStore()
	m.SetPairingStore(ps)

	code, err := ps.RequestPairing("61423000000", "whatsapp", "chat1")
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}

	res, err := m.handlePairingList(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("pairing.list: %v", err)
	}
	pending := res.(map[string]interface{})["pending"].([]store.PairingRequest)
	if len(pending) != 1 || pending[0].Code != code {
		t.Errorf("pending = %v, want the one request", pending)
	}

	params, _ := json.Marshal(map[string]string{"code": code})
	res, err = m.handlePairingApprove(context.Background(), nil, params)
	if err != nil {
		t.Fatalf("pairing.approve: %v", err)
	}
	out := res.(map[string]interface{})
	if out["senderId"] != "61423000000" {
		t.Errorf("approved sender = %v", out["senderId"])
	}
	if !ps.IsPaired("61423000000", "whatsapp") {
		t.Error("sender not paired after approve")
	}

	if _, err := m.handlePairingApprove(context.Background(), nil, []byte(`{}`)); err == nil {
		t.Error("approve without code succeeded, want VALIDATION")
	} else if protocol.CodeOf(err) != protocol.CodeValidation {
		t.Errorf("code = %s, want VALIDATION", protocol.CodeOf(err))
	}

	if _, err := m.handlePairingApprove(context.Background(), nil, []byte(`{"code":"NOPE"}`)); err == nil {
		t.Error("approve with bogus code succeeded, want error")
	}
}
