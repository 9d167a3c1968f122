package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chozzz/vargos-sub004/internal/sessions"
	"github.com/chozzz/vargos-sub004/internal/store/file"
	"github.com/chozzz/vargos-sub004/internal/tools"
	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

// providerTurn scripts one Complete call.
type providerTurn struct {
	completion *Completion
	err        error
	delta      string
	block      bool // hold the call until ctx is cancelled
}

type scriptedProvider struct {
	mu    sync.Mutex
	turns []providerTurn
	reqs  []CompletionRequest
	calls int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req CompletionRequest, onDelta DeltaFunc) (*Completion, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()

	if idx >= len(p.turns) {
		return nil, errors.New("scripted provider exhausted")
	}
	turn := p.turns[idx]
	if turn.delta != "" && onDelta != nil {
		onDelta(turn.delta)
	}
	if turn.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return turn.completion, turn.err
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) request(i int) CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reqs[i]
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

func (r *eventRecorder) find(name string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Name == name {
			return ev, true
		}
	}
	return Event{}, false
}

func (r *eventRecorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

// stubTool is a registry entry whose behavior lives in fn.
type stubTool struct {
	name string
	fn   func(ctx context.Context, args map[string]interface{}) *tools.Result
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "test tool " + s.name }

func (s *stubTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

func (s *stubTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	return s.fn(ctx, args)
}

// newTestLoop wires a Loop against a temp-dir session store. The
// caller's cfg supplies the provider and any overrides.
func newTestLoop(t *testing.T, cfg LoopConfig, rec *eventRecorder) (*Loop, *file.SessionStore) {
	t.Helper()
	st := file.NewSessionStore(t.TempDir())
	cfg.Sessions = st
	cfg.OnEvent = rec.record
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	return NewLoop(cfg), st
}

// TestRunPlainCompletion covers the no-tool path: one provider round
// trip, transcript persisted, events in order.
func TestRunPlainCompletion(t *testing.T) {
	p := &scriptedProvider{turns: []providerTurn{
		{completion: &Completion{Content: "hi there"}, delta: "hi there"},
	}}
	rec := &eventRecorder{}
	loop, st := newTestLoop(t, LoopConfig{Provider: p}, rec)

	res, err := loop.Run(context.Background(), RunRequest{
		SessionKey: "telegram:42",
		Message:    "hello",
		Channel:    "telegram",
		SenderID:   "42",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "hi there" {
		t.Errorf("content = %q, want %q", res.Content, "hi there")
	}
	if res.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", res.Iterations)
	}
	if res.RunID == "" {
		t.Error("expected a generated run id")
	}

	history := st.GetHistory("telegram:42")
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Role != "user" || history[0].Content != "hello" {
		t.Errorf("first message = %s %q", history[0].Role, history[0].Content)
	}
	if history[0].Metadata["channel"] != "telegram" || history[0].Metadata["sender_id"] != "42" {
		t.Errorf("user message metadata = %v", history[0].Metadata)
	}
	if history[1].Role != "assistant" || history[1].Content != "hi there" {
		t.Errorf("second message = %s %q", history[1].Role, history[1].Content)
	}

	want := []string{protocol.EventRunStarted, protocol.EventRunDelta, protocol.EventRunCompleted}
	got := rec.names()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	done, _ := rec.find(protocol.EventRunCompleted)
	if done.Payload["status"] != string(PhaseCompleted) {
		t.Errorf("run.completed status = %v", done.Payload["status"])
	}
}

// TestRunToolLoop covers think-act-observe: the model calls a tool,
// the result is fed back, and the second round trip produces the
// final reply.
func TestRunToolLoop(t *testing.T) {
	var invoked int32
	reg := tools.NewRegistry()
	if err := reg.Register(&stubTool{name: "echo", fn: func(_ context.Context, args map[string]interface{}) *tools.Result {
		atomic.AddInt32(&invoked, 1)
		text, _ := args["text"].(string)
		return tools.NewResult("echoed: " + text)
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	p := &scriptedProvider{turns: []providerTurn{
		{completion: &Completion{ToolCalls: []ToolCall{{
			ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "abc"},
		}}}},
		{completion: &Completion{Content: "done"}},
	}}
	rec := &eventRecorder{}
	loop, st := newTestLoop(t, LoopConfig{Provider: p, Tools: reg}, rec)

	res, err := loop.Run(context.Background(), RunRequest{SessionKey: "cli:chat", Message: "run echo"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "done" {
		t.Errorf("content = %q, want %q", res.Content, "done")
	}
	if res.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", res.Iterations)
	}
	if n := atomic.LoadInt32(&invoked); n != 1 {
		t.Errorf("tool invoked %d times, want 1", n)
	}

	// The second round trip must carry the tool result back to the model.
	second := p.request(1)
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || last.ToolID != "c1" {
		t.Errorf("last message to model = role %s, tool id %s", last.Role, last.ToolID)
	}
	if last.Content != "echoed: abc" {
		t.Errorf("tool message content = %q", last.Content)
	}

	history := st.GetHistory("cli:chat")
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	if history[2].Role != "tool" || history[2].Metadata["tool"] != "echo" {
		t.Errorf("tool transcript message = %s %v", history[2].Role, history[2].Metadata)
	}

	if n := rec.count(protocol.EventToolCall); n != 1 {
		t.Errorf("tool.call events = %d, want 1", n)
	}
	result, ok := rec.find(protocol.EventToolResult)
	if !ok {
		t.Fatal("missing tool.result event")
	}
	if result.Payload["is_error"] != false {
		t.Errorf("tool.result is_error = %v", result.Payload["is_error"])
	}
}

// TestRunSubagentDeniedTool covers the capability gate: a subagent
// session calling sessions_send gets TOOL_FORBIDDEN without the tool
// running, and the run still completes.
func TestRunSubagentDeniedTool(t *testing.T) {
	var invoked int32
	reg := tools.NewRegistry()
	reg.Register(&stubTool{name: "sessions_send", fn: func(context.Context, map[string]interface{}) *tools.Result {
		atomic.AddInt32(&invoked, 1)
		return tools.NewResult("sent")
	}})
	reg.Register(&stubTool{name: "echo", fn: func(context.Context, map[string]interface{}) *tools.Result {
		return tools.NewResult("ok")
	}})

	p := &scriptedProvider{turns: []providerTurn{
		{completion: &Completion{ToolCalls: []ToolCall{{
			ID: "c1", Name: "sessions_send", Arguments: map[string]interface{}{},
		}}}},
		{completion: &Completion{Content: "reported"}},
	}}
	rec := &eventRecorder{}
	loop, _ := newTestLoop(t, LoopConfig{Provider: p, Tools: reg}, rec)

	res, err := loop.Run(context.Background(), RunRequest{SessionKey: "agent:task7", Message: "do work"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "reported" {
		t.Errorf("content = %q, want %q", res.Content, "reported")
	}
	if n := atomic.LoadInt32(&invoked); n != 0 {
		t.Errorf("denied tool ran %d times, want 0", n)
	}

	// The denied tool is also hidden from the definitions the model sees.
	for _, def := range p.request(0).Tools {
		if def.Name == "sessions_send" {
			t.Error("sessions_send offered to a subagent")
		}
	}

	result, ok := rec.find(protocol.EventToolResult)
	if !ok {
		t.Fatal("missing tool.result event")
	}
	if result.Payload["is_error"] != true {
		t.Error("expected an error tool.result")
	}

	// The error fed back to the model carries the TOOL_FORBIDDEN code.
	second := p.request(1)
	last := second.Messages[len(second.Messages)-1]
	if !strings.Contains(last.Content, protocol.CodeToolForbidden) {
		t.Errorf("tool error content = %q, want the %s code", last.Content, protocol.CodeToolForbidden)
	}
}

// TestRunCancellation covers mid-run interruption: the run fails with
// CANCELLED, no delta follows the cancel, and the transcript stays
// untouched.
func TestRunCancellation(t *testing.T) {
	p := &scriptedProvider{turns: []providerTurn{
		{delta: "thinking...", block: true},
	}}
	rec := &eventRecorder{}
	loop, st := newTestLoop(t, LoopConfig{Provider: p}, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := loop.Run(ctx, RunRequest{SessionKey: "telegram:42", Message: "slow question"})
		errCh <- err
	}()

	// Wait for the first delta so the run is inside the provider call.
	deadline := time.After(2 * time.Second)
	for rec.count(protocol.EventRunDelta) == 0 {
		select {
		case <-deadline:
			t.Fatal("run never reached the provider")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	err := <-errCh
	if err == nil {
		t.Fatal("expected an error from a cancelled run")
	}
	if code := protocol.CodeOf(err); code != protocol.CodeCancelled {
		t.Errorf("error code = %s, want %s", code, protocol.CodeCancelled)
	}

	if got := st.GetHistory("telegram:42"); len(got) != 0 {
		t.Errorf("cancelled run wrote %d transcript messages", len(got))
	}

	done, ok := rec.find(protocol.EventRunCompleted)
	if !ok {
		t.Fatal("missing run.completed event")
	}
	if done.Payload["status"] != string(PhaseFailed) {
		t.Errorf("run.completed status = %v", done.Payload["status"])
	}
	errInfo, _ := done.Payload["error"].(map[string]string)
	if errInfo["code"] != protocol.CodeCancelled {
		t.Errorf("run.completed error = %v", done.Payload["error"])
	}

	if n := rec.count(protocol.EventRunDelta); n != 1 {
		t.Errorf("deltas after cancel: got %d total, want 1", n)
	}
}

// TestRunCompaction covers history folding: a long transcript gets
// summarized and truncated before the model sees it.
func TestRunCompaction(t *testing.T) {
	p := &scriptedProvider{turns: []providerTurn{
		{completion: &Completion{Content: "summary of earlier chat"}},
		{completion: &Completion{Content: "final"}},
	}}
	rec := &eventRecorder{}
	loop, st := newTestLoop(t, LoopConfig{Provider: p, CompactAfter: 6, KeepLast: 2}, rec)

	const key = "telegram:42"
	for i := 0; i < 8; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		st.AddMessage(key, sessions.Message{Role: role, Content: fmt.Sprintf("turn %d", i)})
	}

	res, err := loop.Run(context.Background(), RunRequest{SessionKey: key, Message: "and now?"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "final" {
		t.Errorf("content = %q, want %q", res.Content, "final")
	}
	if p.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2 (compaction + completion)", p.callCount())
	}

	if got := st.GetSummary(key); got != "summary of earlier chat" {
		t.Errorf("summary = %q", got)
	}
	// 2 kept after truncation + user + assistant from this run.
	if got := st.GetHistory(key); len(got) != 4 {
		t.Errorf("history length = %d, want 4", len(got))
	}

	ev, ok := rec.find(protocol.EventRunCompaction)
	if !ok {
		t.Fatal("missing run.compaction event")
	}
	if kept, _ := ev.Payload["kept"].(int); kept != 2 {
		t.Errorf("run.compaction kept = %v", ev.Payload["kept"])
	}

	// The compaction request must not offer tools.
	if len(p.request(0).Tools) != 0 {
		t.Error("compaction request offered tools")
	}
	if p.request(0).MaxTokens != 1024 {
		t.Errorf("compaction max tokens = %d", p.request(0).MaxTokens)
	}
}

// TestRunSilentReply covers NO_REPLY: the transcript records the
// marker but the run result carries no content to deliver.
func TestRunSilentReply(t *testing.T) {
	p := &scriptedProvider{turns: []providerTurn{
		{completion: &Completion{Content: "NO_REPLY"}},
	}}
	rec := &eventRecorder{}
	loop, st := newTestLoop(t, LoopConfig{Provider: p}, rec)

	res, err := loop.Run(context.Background(), RunRequest{SessionKey: "whatsapp:61400000000", Message: "ok thanks"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "" {
		t.Errorf("content = %q, want empty", res.Content)
	}

	history := st.GetHistory("whatsapp:61400000000")
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[1].Content != "NO_REPLY" {
		t.Errorf("transcript assistant message = %q", history[1].Content)
	}
}

// TestRunProviderFailure covers the failure path: the error surfaces
// as INTERNAL, run.completed reports it, and nothing is persisted.
func TestRunProviderFailure(t *testing.T) {
	p := &scriptedProvider{turns: []providerTurn{
		{err: errors.New("upstream 500")},
	}}
	rec := &eventRecorder{}
	loop, st := newTestLoop(t, LoopConfig{Provider: p}, rec)

	_, err := loop.Run(context.Background(), RunRequest{SessionKey: "cli:chat", Message: "hello"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if code := protocol.CodeOf(err); code != protocol.CodeInternal {
		t.Errorf("error code = %s, want %s", code, protocol.CodeInternal)
	}
	if got := st.GetHistory("cli:chat"); len(got) != 0 {
		t.Errorf("failed run wrote %d transcript messages", len(got))
	}
	done, ok := rec.find(protocol.EventRunCompleted)
	if !ok {
		t.Fatal("missing run.completed event")
	}
	if done.Payload["status"] != string(PhaseFailed) {
		t.Errorf("run.completed status = %v", done.Payload["status"])
	}
}

// TestRunIterationCap stops a model that keeps calling tools.
func TestRunIterationCap(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{name: "echo", fn: func(context.Context, map[string]interface{}) *tools.Result {
		return tools.NewResult("again")
	}})

	call := &Completion{ToolCalls: []ToolCall{{ID: "x", Name: "echo", Arguments: map[string]interface{}{}}}}
	p := &scriptedProvider{turns: []providerTurn{
		{completion: call},
		{completion: call},
		{completion: call},
	}}
	rec := &eventRecorder{}
	loop, _ := newTestLoop(t, LoopConfig{Provider: p, Tools: reg, MaxIterations: 2}, rec)

	res, err := loop.Run(context.Background(), RunRequest{SessionKey: "cli:chat", Message: "loop"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", p.callCount())
	}
	if res.Content != "..." {
		t.Errorf("content = %q, want placeholder", res.Content)
	}
	if res.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", res.Iterations)
	}
}
