package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chozzz/vargos-sub004/internal/gateway"
	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

type testGateway struct {
	srv *gateway.Server
	url string
}

func startGateway(t *testing.T) *testGateway {
	t.Helper()

	registry := gateway.NewRegistry()
	dispatch := gateway.NewDispatcher(registry)
	bus := gateway.NewEventBus(registry)
	srv := gateway.NewServer(gateway.Config{}, registry, dispatch, bus)
	srv.Handle(protocol.MethodHealth, func(_ context.Context, _ *gateway.Conn, _ json.RawMessage) (interface{}, error) {
		return map[string]string{"status": "ok"}, nil
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			t.Errorf("serve: %v", err)
		}
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("gateway did not stop")
		}
	})
	return &testGateway{srv: srv, url: "ws://" + ln.Addr().String() + "/ws"}
}

func newTestClient(t *testing.T, g *testGateway, cfg Config) *Client {
	t.Helper()
	cfg.URL = g.url
	if cfg.Version == "" {
		cfg.Version = "test"
	}
	c := New(cfg)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCallRoundTrip(t *testing.T) {
	g := startGateway(t)
	g.srv.Handle("ping.echo", func(_ context.Context, _ *gateway.Conn, params json.RawMessage) (interface{}, error) {
		var in map[string]int
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, err
		}
		return map[string]int{"n": in["n"] + 1}, nil
	})

	c := newTestClient(t, g, Config{Service: "cli"})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !c.Connected() {
		t.Fatal("client not connected after Connect")
	}

	payload, err := c.Call(context.Background(), "", "ping.echo", map[string]int{"n": 41})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var out map[string]int
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if out["n"] != 42 {
		t.Errorf("n = %d, want 42", out["n"])
	}
}

func TestCallCarriesRemoteErrorCode(t *testing.T) {
	g := startGateway(t)
	g.srv.Handle("always.fails", func(_ context.Context, _ *gateway.Conn, _ json.RawMessage) (interface{}, error) {
		return nil, protocol.NewError(protocol.CodeValidation, "bad input")
	})

	c := newTestClient(t, g, Config{Service: "cli"})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := c.Call(context.Background(), "", "always.fails", nil)
	if err == nil {
		t.Fatal("call succeeded, want validation error")
	}
	var pe *protocol.Error
	if !errors.As(err, &pe) {
		t.Fatalf("error type %T, want *protocol.Error", err)
	}
	if pe.Code != protocol.CodeValidation {
		t.Errorf("code = %s, want %s", pe.Code, protocol.CodeValidation)
	}
}

func TestCallWithoutConnection(t *testing.T) {
	g := startGateway(t)
	c := newTestClient(t, g, Config{Service: "cli"})

	if _, err := c.Call(context.Background(), "", protocol.MethodHealth, nil); err == nil {
		t.Error("call succeeded without a connection")
	}
}

func TestConnectRejectsDuplicateName(t *testing.T) {
	g := startGateway(t)

	first := newTestClient(t, g, Config{Service: "cli"})
	if err := first.Connect(context.Background()); err != nil {
		t.Fatalf("first connect: %v", err)
	}

	second := newTestClient(t, g, Config{Service: "cli"})
	err := second.Connect(context.Background())
	if err == nil {
		t.Fatal("duplicate registration succeeded")
	}
	var pe *protocol.Error
	if !errors.As(err, &pe) || pe.Code != protocol.CodeAlreadyRegistered {
		t.Errorf("error = %v, want code %s", err, protocol.CodeAlreadyRegistered)
	}
}

func TestEventsReachCallback(t *testing.T) {
	g := startGateway(t)

	type seen struct {
		source, event string
		payload       json.RawMessage
		seq           uint64
	}
	var mu sync.Mutex
	var got []seen

	c := newTestClient(t, g, Config{
		Service:       "cli",
		Subscriptions: []string{protocol.Topic(protocol.SourceAgent, protocol.EventRunDelta)},
	})
	c.OnEvent(func(source, event string, payload json.RawMessage, seq uint64) {
		mu.Lock()
		got = append(got, seen{source, event, payload, seq})
		mu.Unlock()
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	g.srv.Bus().Publish(protocol.SourceAgent, protocol.EventRunDelta, map[string]string{"text": "hel"})
	g.srv.Bus().Publish(protocol.SourceAgent, protocol.EventRunDelta, map[string]string{"text": "lo"})
	// not subscribed, must not arrive
	g.srv.Bus().Publish(protocol.SourceAgent, protocol.EventRunCompleted, nil)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("saw %d events, want 2", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("saw %d events, want exactly 2", len(got))
	}
	for i, s := range got {
		if s.source != protocol.SourceAgent || s.event != protocol.EventRunDelta {
			t.Errorf("event %d = %s:%s, want agent:run.delta", i, s.source, s.event)
		}
		if s.seq != uint64(i+1) {
			t.Errorf("event %d seq = %d, want %d", i, s.seq, i+1)
		}
	}
}

func TestEventsArriveWhileCallWaits(t *testing.T) {
	g := startGateway(t)
	g.srv.Handle("chat.echo", func(_ context.Context, _ *gateway.Conn, _ json.RawMessage) (interface{}, error) {
		g.srv.Bus().Publish(protocol.SourceAgent, protocol.EventRunDelta, map[string]string{"text": "a"})
		g.srv.Bus().Publish(protocol.SourceAgent, protocol.EventRunDelta, map[string]string{"text": "b"})
		return map[string]string{"content": "ab"}, nil
	})

	var mu sync.Mutex
	var deltas int
	c := newTestClient(t, g, Config{
		Service:       "cli",
		Subscriptions: []string{protocol.Topic(protocol.SourceAgent, protocol.EventRunDelta)},
	})
	c.OnEvent(func(_, _ string, _ json.RawMessage, _ uint64) {
		mu.Lock()
		deltas++
		mu.Unlock()
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if _, err := c.Call(context.Background(), "", "chat.echo", nil); err != nil {
		t.Fatalf("call: %v", err)
	}

	// Events were enqueued ahead of the response on the same connection,
	// so the read loop has already delivered them.
	mu.Lock()
	defer mu.Unlock()
	if deltas != 2 {
		t.Errorf("deltas = %d, want 2", deltas)
	}
}

func TestPendingCallFailsOnDisconnect(t *testing.T) {
	g := startGateway(t)
	g.srv.Handle("never.returns", func(ctx context.Context, _ *gateway.Conn, _ json.RawMessage) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	c := newTestClient(t, g, Config{Service: "cli"})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "", "never.returns", nil)
		errCh <- err
	}()

	// Give the request time to reach the handler, then break the
	// connection from the client side.
	time.Sleep(100 * time.Millisecond)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	conn.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("pending call survived a dropped connection")
		}
		var pe *protocol.Error
		if !errors.As(err, &pe) || pe.Code != protocol.CodeServiceUnavailable {
			t.Errorf("error = %v, want code %s", err, protocol.CodeServiceUnavailable)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never failed")
	}

	if c.Connected() {
		t.Error("client still reports connected after drop")
	}
}

func TestEnsureConnectedGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	url := "ws://" + ln.Addr().String() + "/ws"
	ln.Close()

	c := New(Config{
		URL:               url,
		Service:           "cli",
		Version:           "test",
		DialTimeout:       200 * time.Millisecond,
		ReconnectBase:     10 * time.Millisecond,
		ReconnectMax:      20 * time.Millisecond,
		ReconnectAttempts: 2,
	})
	defer c.Close()

	err = c.EnsureConnected(context.Background())
	if err == nil {
		t.Fatal("EnsureConnected succeeded against a dead address")
	}
	if !strings.Contains(err.Error(), "unreachable") {
		t.Errorf("error = %v, want mention of unreachable", err)
	}
}

func TestEnsureConnectedIsIdempotent(t *testing.T) {
	g := startGateway(t)
	c := newTestClient(t, g, Config{Service: "cli"})

	if err := c.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("first EnsureConnected: %v", err)
	}
	if err := c.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("second EnsureConnected: %v", err)
	}
	if _, err := c.Call(context.Background(), "", protocol.MethodHealth, nil); err != nil {
		t.Errorf("health after EnsureConnected: %v", err)
	}
}

func TestCloseRefusesReuse(t *testing.T) {
	g := startGateway(t)
	c := newTestClient(t, g, Config{Service: "cli"})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Connect(context.Background()); err == nil {
		t.Error("connect succeeded on a closed client")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
