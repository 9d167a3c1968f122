package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chozzz/vargos-sub004/internal/agent"
	"github.com/chozzz/vargos-sub004/internal/bus"
	"github.com/chozzz/vargos-sub004/internal/queue"
)

func TestSessionsSpawnRunsAndAnnounces(t *testing.T) {
	q := queue.New(func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
		if req.Channel != "subagent" {
			t.Errorf("run channel = %q, want subagent", req.Channel)
		}
		return &agent.RunResult{Content: "research done", RunID: req.RunID}, nil
	}, nil)
	router := newCaptureRouter()

	tool := NewSessionsSpawnTool(q, router, 2)
	ctx := WithInvocation(context.Background(), Invocation{SessionKey: "telegram:123"})

	res := tool.Execute(ctx, map[string]interface{}{
		"task":  "look into the thing",
		"label": "Research Stuff",
	})
	if res.IsError {
		t.Fatalf("sessions_spawn error: %s", res.ForLLM)
	}
	if !res.Async {
		t.Error("spawn result should be async")
	}
	if !strings.Contains(res.ForLLM, `"session_key":"telegram:123:subagent:research-stuff"`) {
		t.Errorf("spawn output = %q", res.ForLLM)
	}

	select {
	case msg := <-router.inbound:
		if msg.Channel != "system" {
			t.Errorf("announce channel = %q", msg.Channel)
		}
		if msg.ChatID != "telegram:123" {
			t.Errorf("announce target = %q, want parent session", msg.ChatID)
		}
		if !strings.Contains(msg.Content, "research done") {
			t.Errorf("announce content = %q", msg.Content)
		}
		if msg.Metadata["subagentKey"] != "telegram:123:subagent:research-stuff" {
			t.Errorf("announce metadata = %v", msg.Metadata)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no announce after subagent run finished")
	}
}

func TestSessionsSpawnAnnouncesFailure(t *testing.T) {
	q := queue.New(func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
		return nil, errors.New("model unavailable")
	}, nil)
	router := newCaptureRouter()

	tool := NewSessionsSpawnTool(q, router, 2)
	ctx := WithInvocation(context.Background(), Invocation{SessionKey: "cli:chat"})
	tool.Execute(ctx, map[string]interface{}{"task": "doomed", "label": "doomed"})

	select {
	case msg := <-router.inbound:
		if !strings.Contains(msg.Content, "failed") || !strings.Contains(msg.Content, "model unavailable") {
			t.Errorf("failure announce = %q", msg.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no failure announce")
	}
}

func TestSessionsSpawnLimit(t *testing.T) {
	block := make(chan struct{})
	q := queue.New(func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
		<-block
		return &agent.RunResult{Content: "ok"}, nil
	}, nil)
	router := newCaptureRouter()

	tool := NewSessionsSpawnTool(q, router, 1)
	ctx := WithInvocation(context.Background(), Invocation{SessionKey: "cli:chat"})

	first := tool.Execute(ctx, map[string]interface{}{"task": "slow", "label": "one"})
	if first.IsError {
		t.Fatalf("first spawn failed: %s", first.ForLLM)
	}

	second := tool.Execute(ctx, map[string]interface{}{"task": "blocked", "label": "two"})
	if !second.IsError || !strings.Contains(second.ForLLM, "subagent limit reached") {
		t.Errorf("second spawn: IsError=%v msg=%q", second.IsError, second.ForLLM)
	}

	close(block)
	select {
	case <-router.inbound:
	case <-time.After(2 * time.Second):
		t.Fatal("first spawn never announced")
	}
}

func TestSessionsSpawnMissingTask(t *testing.T) {
	tool := NewSessionsSpawnTool(queue.New(func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
		return nil, nil
	}, nil), newCaptureRouter(), 1)

	res := tool.Execute(context.Background(), map[string]interface{}{})
	if !res.IsError || res.ForLLM != "task is required" {
		t.Errorf("IsError=%v msg=%q", res.IsError, res.ForLLM)
	}
}

func TestSanitizeSpawnLabel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Research Stuff", "research-stuff"},
		{"a:b", "a-b"},
		{"  Mixed   Case  ", "mixed-case"},
		{"", ""},
		{"simple", "simple"},
	}
	for _, tt := range tests {
		if got := sanitizeSpawnLabel(tt.in); got != tt.want {
			t.Errorf("sanitizeSpawnLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
