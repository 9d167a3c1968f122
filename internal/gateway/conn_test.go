package gateway

import (
	"errors"
	"strings"
	"testing"

	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

func TestConnBackpressureDropsSlowPeer(t *testing.T) {
	conn, client := wsPair(t)
	_ = client // never reads, so the outbound queue must fill

	frame, err := protocol.NewEvent("test", "flood", map[string]string{
		"data": strings.Repeat("x", 64*1024),
	})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}

	for i := 0; i < 10000; i++ {
		err := conn.Enqueue(frame)
		if err == nil {
			continue
		}
		if code := protocol.CodeOf(err); code != protocol.CodeBackpressure {
			t.Fatalf("overflow error code = %s, want %s", code, protocol.CodeBackpressure)
		}
		if err := conn.Enqueue(frame); !errors.Is(err, errConnClosed) {
			t.Errorf("enqueue after drop = %v, want errConnClosed", err)
		}
		return
	}
	t.Fatal("queue never overflowed against a stalled peer")
}

func TestConnEnqueueAfterClose(t *testing.T) {
	conn, _ := wsPair(t)
	conn.Close()

	frame, err := protocol.NewEvent("test", "late", nil)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if err := conn.Enqueue(frame); !errors.Is(err, errConnClosed) {
		t.Errorf("enqueue after close = %v, want errConnClosed", err)
	}
}

func TestConnServiceName(t *testing.T) {
	conn, _ := wsPair(t)
	if conn.ID() == "" {
		t.Error("conn has no id")
	}
	if got := conn.Service(); got != "" {
		t.Errorf("service before register = %q, want empty", got)
	}
	conn.setService("telegram")
	if got := conn.Service(); got != "telegram" {
		t.Errorf("service = %q, want telegram", got)
	}
}
