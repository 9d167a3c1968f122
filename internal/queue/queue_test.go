package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chozzz/vargos-sub004/internal/agent"
	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

// fakeRunner is a RunFunc whose runs park until released, so tests can
// hold a run in flight and observe the queue around it. A cancelled run
// returns CANCELLED the way the agent loop does.
type fakeRunner struct {
	mu      sync.Mutex
	started []string
	gates   map[string]chan struct{}
	notify  chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		gates:  make(map[string]chan struct{}),
		notify: make(chan string, 16),
	}
}

func (f *fakeRunner) gate(msg string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gates[msg]
	if !ok {
		g = make(chan struct{})
		f.gates[msg] = g
	}
	return g
}

// release lets the named run finish.
func (f *fakeRunner) release(msg string) {
	close(f.gate(msg))
}

func (f *fakeRunner) run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	f.mu.Lock()
	f.started = append(f.started, req.Message)
	f.mu.Unlock()
	f.notify <- req.Message

	select {
	case <-f.gate(req.Message):
		return &agent.RunResult{Content: "done: " + req.Message}, nil
	case <-ctx.Done():
		return nil, protocol.NewError(protocol.CodeCancelled, "run cancelled")
	}
}

func (f *fakeRunner) startedOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

// waitStarted blocks until the named run begins.
func (f *fakeRunner) waitStarted(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-f.notify:
		if got != want {
			t.Fatalf("run started = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run %q never started", want)
	}
}

func awaitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("outcome never arrived")
		return Outcome{}
	}
}

func TestParseMode(t *testing.T) {
	cases := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeQueue, false},
		{"queue", ModeQueue, false},
		{"interrupt", ModeInterrupt, false},
		{"replace", ModeReplace, false},
		{"bogus", "", true},
	}
	for _, tc := range cases {
		got, err := ParseMode(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseMode(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMode(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseMode(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

// TestEnqueueFIFO drains three messages for one session in order, with
// at most one run in flight at a time.
func TestEnqueueFIFO(t *testing.T) {
	f := newFakeRunner()
	q := New(f.run, nil)
	ctx := context.Background()
	const key = "telegram:1"

	out1 := q.Enqueue(ctx, agent.RunRequest{SessionKey: key, Message: "first"})
	f.waitStarted(t, "first")
	out2 := q.Enqueue(ctx, agent.RunRequest{SessionKey: key, Message: "second"})
	out3 := q.Enqueue(ctx, agent.RunRequest{SessionKey: key, Message: "third"})

	if !q.Running(key) {
		t.Error("expected a run in flight")
	}
	if n := q.PendingCount(key); n != 2 {
		t.Errorf("pending = %d, want 2", n)
	}
	if got := f.startedOrder(); len(got) != 1 {
		t.Errorf("runs started while one is in flight: %v", got)
	}

	f.release("first")
	if res := awaitOutcome(t, out1); res.Err != nil || res.Result.Content != "done: first" {
		t.Errorf("first outcome = %+v", res)
	}
	f.waitStarted(t, "second")
	f.release("second")
	awaitOutcome(t, out2)
	f.waitStarted(t, "third")
	f.release("third")
	awaitOutcome(t, out3)

	want := []string{"first", "second", "third"}
	got := f.startedOrder()
	if len(got) != len(want) {
		t.Fatalf("run order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("run order = %v, want %v", got, want)
		}
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if active := q.Active(); len(active) != 0 {
		t.Errorf("active sessions after drain = %v", active)
	}
}

// TestSessionsRunIndependently checks that serialization is per
// session, not global.
func TestSessionsRunIndependently(t *testing.T) {
	f := newFakeRunner()
	q := New(f.run, nil)
	ctx := context.Background()

	out1 := q.Enqueue(ctx, agent.RunRequest{SessionKey: "telegram:1", Message: "a"})
	out2 := q.Enqueue(ctx, agent.RunRequest{SessionKey: "whatsapp:2", Message: "b"})

	// Both runs start without either finishing; arrival order between
	// sessions is not defined.
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-f.notify:
			seen[msg] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 2 runs started", i)
		}
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("started = %v, want both sessions", seen)
	}

	f.release("a")
	f.release("b")
	if res := awaitOutcome(t, out1); res.Err != nil {
		t.Errorf("session one outcome: %v", res.Err)
	}
	if res := awaitOutcome(t, out2); res.Err != nil {
		t.Errorf("session two outcome: %v", res.Err)
	}
}

// TestInterruptCancelsInFlight covers interrupt mode: the in-flight
// run settles with CANCELLED and the new message runs ahead of
// anything already queued.
func TestInterruptCancelsInFlight(t *testing.T) {
	f := newFakeRunner()
	q := New(f.run, nil)
	ctx := context.Background()
	const key = "telegram:1"

	out1 := q.Enqueue(ctx, agent.RunRequest{SessionKey: key, Message: "long task"})
	f.waitStarted(t, "long task")
	out2 := q.Enqueue(ctx, agent.RunRequest{SessionKey: key, Message: "queued"})

	q.SetMode(key, ModeInterrupt)
	out3 := q.Enqueue(ctx, agent.RunRequest{SessionKey: key, Message: "urgent"})

	res1 := awaitOutcome(t, out1)
	if code := protocol.CodeOf(res1.Err); code != protocol.CodeCancelled {
		t.Errorf("interrupted run error code = %s, want %s", code, protocol.CodeCancelled)
	}

	f.waitStarted(t, "urgent")
	f.release("urgent")
	if res := awaitOutcome(t, out3); res.Err != nil || res.Result.Content != "done: urgent" {
		t.Errorf("urgent outcome = %+v", res)
	}

	// The previously queued message still runs afterwards.
	f.waitStarted(t, "queued")
	f.release("queued")
	if res := awaitOutcome(t, out2); res.Err != nil {
		t.Errorf("queued outcome: %v", res.Err)
	}

	want := []string{"long task", "urgent", "queued"}
	got := f.startedOrder()
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("run order = %v, want %v", got, want)
		}
	}
}

// TestReplaceDropsPending covers replace mode: the in-flight run is
// cancelled, queued messages settle with ErrReplaced, and only the
// new message survives.
func TestReplaceDropsPending(t *testing.T) {
	f := newFakeRunner()
	q := New(f.run, nil)
	ctx := context.Background()
	const key = "telegram:1"

	out1 := q.Enqueue(ctx, agent.RunRequest{SessionKey: key, Message: "a"})
	f.waitStarted(t, "a")
	out2 := q.Enqueue(ctx, agent.RunRequest{SessionKey: key, Message: "b"})
	out3 := q.Enqueue(ctx, agent.RunRequest{SessionKey: key, Message: "c"})

	q.SetMode(key, ModeReplace)
	out4 := q.Enqueue(ctx, agent.RunRequest{SessionKey: key, Message: "d"})

	if res := awaitOutcome(t, out2); !errors.Is(res.Err, ErrReplaced) {
		t.Errorf("dropped outcome = %v, want ErrReplaced", res.Err)
	}
	if res := awaitOutcome(t, out3); !errors.Is(res.Err, ErrReplaced) {
		t.Errorf("dropped outcome = %v, want ErrReplaced", res.Err)
	}
	res1 := awaitOutcome(t, out1)
	if code := protocol.CodeOf(res1.Err); code != protocol.CodeCancelled {
		t.Errorf("replaced run error code = %s, want %s", code, protocol.CodeCancelled)
	}

	f.waitStarted(t, "d")
	if n := q.PendingCount(key); n != 0 {
		t.Errorf("pending after replace = %d, want 0", n)
	}
	f.release("d")
	if res := awaitOutcome(t, out4); res.Err != nil || res.Result.Content != "done: d" {
		t.Errorf("replacement outcome = %+v", res)
	}

	want := []string{"a", "d"}
	got := f.startedOrder()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("run order = %v, want %v", got, want)
	}
}

// TestAbort settles pending messages with ErrAborted and cancels the
// in-flight run.
func TestAbort(t *testing.T) {
	f := newFakeRunner()
	q := New(f.run, nil)
	ctx := context.Background()
	const key = "telegram:1"

	out1 := q.Enqueue(ctx, agent.RunRequest{SessionKey: key, Message: "a"})
	f.waitStarted(t, "a")
	out2 := q.Enqueue(ctx, agent.RunRequest{SessionKey: key, Message: "b"})

	if !q.Abort(key) {
		t.Error("Abort should report a cancelled run")
	}
	if res := awaitOutcome(t, out2); !errors.Is(res.Err, ErrAborted) {
		t.Errorf("pending outcome = %v, want ErrAborted", res.Err)
	}
	res1 := awaitOutcome(t, out1)
	if code := protocol.CodeOf(res1.Err); code != protocol.CodeCancelled {
		t.Errorf("aborted run error code = %s, want %s", code, protocol.CodeCancelled)
	}

	if q.Abort("telegram:absent") {
		t.Error("Abort of an idle session should report false")
	}
}

// TestCancelRunKeepsPending cancels only the in-flight run; the queue
// drains the next message normally.
func TestCancelRunKeepsPending(t *testing.T) {
	f := newFakeRunner()
	q := New(f.run, nil)
	ctx := context.Background()
	const key = "telegram:1"

	out1 := q.Enqueue(ctx, agent.RunRequest{SessionKey: key, Message: "a"})
	f.waitStarted(t, "a")
	out2 := q.Enqueue(ctx, agent.RunRequest{SessionKey: key, Message: "b"})

	if !q.CancelRun(key) {
		t.Fatal("CancelRun should report a cancelled run")
	}
	res1 := awaitOutcome(t, out1)
	if code := protocol.CodeOf(res1.Err); code != protocol.CodeCancelled {
		t.Errorf("cancelled run error code = %s, want %s", code, protocol.CodeCancelled)
	}

	f.waitStarted(t, "b")
	f.release("b")
	if res := awaitOutcome(t, out2); res.Err != nil {
		t.Errorf("pending message outcome: %v", res.Err)
	}
}

// TestModeResolution checks precedence: explicit override, then the
// channel default, then queue.
func TestModeResolution(t *testing.T) {
	f := newFakeRunner()
	q := New(f.run, func(sessionKey string) Mode {
		if strings.HasPrefix(sessionKey, "whatsapp:") {
			return ModeInterrupt
		}
		return ""
	})

	if got := q.ModeFor("whatsapp:9"); got != ModeInterrupt {
		t.Errorf("channel default = %s, want %s", got, ModeInterrupt)
	}
	if got := q.ModeFor("telegram:9"); got != ModeQueue {
		t.Errorf("fallback mode = %s, want %s", got, ModeQueue)
	}

	q.SetMode("whatsapp:9", ModeReplace)
	if got := q.ModeFor("whatsapp:9"); got != ModeReplace {
		t.Errorf("override = %s, want %s", got, ModeReplace)
	}
}

// TestWaitTimesOut verifies Wait honors its context while a run is
// still parked.
func TestWaitTimesOut(t *testing.T) {
	f := newFakeRunner()
	q := New(f.run, nil)
	ctx := context.Background()

	out := q.Enqueue(ctx, agent.RunRequest{SessionKey: "telegram:1", Message: "slow"})
	f.waitStarted(t, "slow")

	waitCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := q.Wait(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want deadline exceeded", err)
	}

	f.release("slow")
	awaitOutcome(t, out)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelDrain()
	if err := q.Wait(drainCtx); err != nil {
		t.Errorf("Wait after release: %v", err)
	}
}
