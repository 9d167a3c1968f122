package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chozzz/vargos-sub004/internal/agent"
	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

var _ agent.Caller = (*Dispatcher)(nil)

// wsPair opens a real WebSocket and returns the server-side Conn with
// its write pump running, plus the client socket for the other end.
func wsPair(t *testing.T) (*Conn, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *Conn, 1)
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- newConn(ws, 16)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-connCh:
		t.Cleanup(conn.Close)
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("server side never arrived")
		return nil, nil
	}
}

func clientReadFrame(t *testing.T, ws *websocket.Conn) *protocol.Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	frame, err := protocol.Parse(data)
	if err != nil {
		t.Fatalf("parse frame: %v", err)
	}
	return frame
}

func registerEcho(t *testing.T, r *Registry, conn *Conn, service string, methods ...string) {
	t.Helper()
	err := r.Register(&protocol.ServiceRegistration{
		Service: service,
		Version: "1.0.0",
		Methods: methods,
	}, conn)
	if err != nil {
		t.Fatalf("register %s: %v", service, err)
	}
}

func waitPending(t *testing.T, d *Dispatcher, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.PendingCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pending never reached %d (now %d)", want, d.PendingCount())
}

func TestDispatcherCallSuccess(t *testing.T) {
	registry := NewRegistry()
	d := NewDispatcher(registry)
	conn, client := wsPair(t)
	registerEcho(t, registry, conn, "echo", "echo.do")

	go func() {
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := client.ReadMessage()
		if err != nil {
			return
		}
		req, err := protocol.Parse(data)
		if err != nil {
			return
		}
		res, err := protocol.NewResponse(req.ID, map[string]string{"echo": "hi"})
		if err != nil {
			return
		}
		d.Settle(res)
	}()

	raw, err := d.Call(context.Background(), "echo", "echo.do", map[string]string{"msg": "hi"}, time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["echo"] != "hi" {
		t.Errorf("payload = %v, want echo=hi", payload)
	}
	if n := d.PendingCount(); n != 0 {
		t.Errorf("pending = %d after settle, want 0", n)
	}
}

func TestDispatcherCallTimeout(t *testing.T) {
	registry := NewRegistry()
	d := NewDispatcher(registry)
	conn, _ := wsPair(t)
	registerEcho(t, registry, conn, "slow", "slow.do")

	start := time.Now()
	_, err := d.Call(context.Background(), "slow", "slow.do", nil, 50*time.Millisecond)
	if err == nil {
		t.Fatal("call to silent service succeeded")
	}
	if code := protocol.CodeOf(err); code != protocol.CodeTimeout {
		t.Errorf("code = %s, want %s", code, protocol.CodeTimeout)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v, want ~50ms", elapsed)
	}
	if n := d.PendingCount(); n != 0 {
		t.Errorf("pending = %d after timeout, want 0", n)
	}
}

func TestDispatcherCallRouting(t *testing.T) {
	registry := NewRegistry()
	d := NewDispatcher(registry)
	conn, _ := wsPair(t)
	registerEcho(t, registry, conn, "echo", "echo.do")

	if _, err := d.Call(context.Background(), "ghost", "echo.do", nil, time.Second); protocol.CodeOf(err) != protocol.CodeServiceUnavailable {
		t.Errorf("unknown service: code = %s, want %s", protocol.CodeOf(err), protocol.CodeServiceUnavailable)
	}
	if _, err := d.Call(context.Background(), "echo", "echo.other", nil, time.Second); protocol.CodeOf(err) != protocol.CodeServiceUnavailable {
		t.Errorf("undeclared method: code = %s, want %s", protocol.CodeOf(err), protocol.CodeServiceUnavailable)
	}
	if n := d.PendingCount(); n != 0 {
		t.Errorf("pending = %d after routing failures, want 0", n)
	}
}

func TestDispatcherCallRemoteError(t *testing.T) {
	registry := NewRegistry()
	d := NewDispatcher(registry)
	conn, client := wsPair(t)
	registerEcho(t, registry, conn, "echo", "echo.do")

	go func() {
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := client.ReadMessage()
		if err != nil {
			return
		}
		req, err := protocol.Parse(data)
		if err != nil {
			return
		}
		d.Settle(protocol.NewErrorResponse(req.ID,
			protocol.NewError(protocol.CodeValidation, "bad argument")))
	}()

	_, err := d.Call(context.Background(), "echo", "echo.do", nil, time.Second)
	if err == nil {
		t.Fatal("remote error lost")
	}
	if code := protocol.CodeOf(err); code != protocol.CodeValidation {
		t.Errorf("code = %s, want %s", code, protocol.CodeValidation)
	}
}

func TestDispatcherContextCancel(t *testing.T) {
	registry := NewRegistry()
	d := NewDispatcher(registry)
	conn, _ := wsPair(t)
	registerEcho(t, registry, conn, "slow", "slow.do")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Call(ctx, "slow", "slow.do", nil, 30*time.Second)
		errCh <- err
	}()

	waitPending(t, d, 1)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call did not return after cancel")
	}
	if n := d.PendingCount(); n != 0 {
		t.Errorf("pending = %d after cancel, want 0", n)
	}
}

func TestDispatcherFailsCallsOnDeregister(t *testing.T) {
	registry := NewRegistry()
	d := NewDispatcher(registry)
	conn, _ := wsPair(t)
	registerEcho(t, registry, conn, "flaky", "flaky.do")

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Call(context.Background(), "flaky", "flaky.do", nil, 30*time.Second)
		errCh <- err
	}()

	waitPending(t, d, 1)
	if _, ok := registry.DeregisterConn(conn); !ok {
		t.Fatal("deregister found nothing")
	}

	select {
	case err := <-errCh:
		if code := protocol.CodeOf(err); code != protocol.CodeServiceUnavailable {
			t.Errorf("code = %s, want %s", code, protocol.CodeServiceUnavailable)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call did not fail after deregister")
	}
	if n := d.PendingCount(); n != 0 {
		t.Errorf("pending = %d after deregister, want 0", n)
	}
}

func TestDispatcherSettleStale(t *testing.T) {
	registry := NewRegistry()
	d := NewDispatcher(registry)

	res, err := protocol.NewResponse("never-dispatched", map[string]string{"x": "y"})
	if err != nil {
		t.Fatalf("new response: %v", err)
	}
	if d.Settle(res) {
		t.Error("stale response settled a call")
	}
}

func TestDispatcherRelay(t *testing.T) {
	registry := NewRegistry()
	d := NewDispatcher(registry)
	originConn, originClient := wsPair(t)
	targetConn, targetClient := wsPair(t)
	registerEcho(t, registry, targetConn, "svc", "svc.ping")

	req, err := protocol.NewRequest("svc", "svc.ping", map[string]string{"n": "1"})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	d.Relay(originConn, req)

	forwarded := clientReadFrame(t, targetClient)
	if forwarded.ID != req.ID || forwarded.Method != "svc.ping" {
		t.Fatalf("forwarded frame = (%s, %s), want original id and method", forwarded.ID, forwarded.Method)
	}

	res, err := protocol.NewResponse(forwarded.ID, map[string]bool{"pong": true})
	if err != nil {
		t.Fatalf("new response: %v", err)
	}
	if !d.Settle(res) {
		t.Fatal("settle found no pending relay")
	}

	back := clientReadFrame(t, originClient)
	if back.ID != req.ID {
		t.Errorf("response id = %s, want %s", back.ID, req.ID)
	}
	if back.OK == nil || !*back.OK {
		t.Errorf("response not ok: %+v", back)
	}
}

func TestDispatcherRelayUnknownService(t *testing.T) {
	registry := NewRegistry()
	d := NewDispatcher(registry)
	originConn, originClient := wsPair(t)

	req, err := protocol.NewRequest("ghost", "ghost.do", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	d.Relay(originConn, req)

	back := clientReadFrame(t, originClient)
	if back.ID != req.ID {
		t.Errorf("response id = %s, want %s", back.ID, req.ID)
	}
	if back.Error == nil || back.Error.Code != protocol.CodeServiceUnavailable {
		t.Errorf("error = %+v, want %s", back.Error, protocol.CodeServiceUnavailable)
	}
}
