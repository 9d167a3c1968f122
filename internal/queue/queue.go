// Package queue serializes agent runs per session. It is the only
// component that starts or cancels a run: channels, cron, RPC handlers
// and tools all funnel work through Enqueue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chozzz/vargos-sub004/internal/agent"
	"github.com/chozzz/vargos-sub004/internal/logging"
)

// Mode controls how a newly enqueued message interacts with the
// session's in-flight run.
type Mode string

const (
	// ModeQueue appends the message; runs drain in FIFO order.
	ModeQueue Mode = "queue"
	// ModeInterrupt cancels the in-flight run; the new message runs next.
	ModeInterrupt Mode = "interrupt"
	// ModeReplace cancels the in-flight run and drops every pending
	// message, keeping only the new one.
	ModeReplace Mode = "replace"
)

// ParseMode validates a queue-mode string. Empty means ModeQueue.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeQueue, ModeInterrupt, ModeReplace:
		return Mode(s), nil
	case "":
		return ModeQueue, nil
	}
	return "", fmt.Errorf("unknown queue mode %q", s)
}

// ErrReplaced settles waiters whose messages were dropped by replace mode.
var ErrReplaced = errors.New("message replaced before run started")

// ErrAborted settles waiters dropped by an explicit abort.
var ErrAborted = errors.New("session aborted")

// RunRequest and RunResult alias the agent types so packages the agent
// itself imports (tools) can build requests without importing agent.
type (
	RunRequest = agent.RunRequest
	RunResult  = agent.RunResult
)

// RunFunc executes one agent run. It must honor ctx cancellation.
type RunFunc func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)

// Outcome is the terminal state of an enqueued message.
type Outcome struct {
	Result *agent.RunResult
	Err    error
}

// DefaultModeFunc resolves a session's fallback mode when no explicit
// override was set, typically from the channel's configuration. Nil or
// an empty return means ModeQueue.
type DefaultModeFunc func(sessionKey string) Mode

type pendingItem struct {
	ctx context.Context
	req agent.RunRequest
	out chan Outcome
}

type sessionState struct {
	pending []pendingItem
	cancel  context.CancelFunc // non-nil while a run is in flight
	mode    Mode               // explicit override; empty means unset
}

// Queue owns the per-session FIFOs and the running-run bookkeeping.
type Queue struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	run      RunFunc
	defaults DefaultModeFunc
	wg       sync.WaitGroup
	log      *slog.Logger
}

// New builds a queue around the given run function. defaults may be nil.
func New(run RunFunc, defaults DefaultModeFunc) *Queue {
	return &Queue{
		sessions: make(map[string]*sessionState),
		run:      run,
		defaults: defaults,
		log:      logging.Scoped("queue"),
	}
}

// Enqueue admits a message for its session and returns a channel that
// receives exactly one Outcome when the message's run finishes, or when
// the message is discarded by replace mode or an abort. ctx parents the
// run itself, so it should outlive the call.
func (q *Queue) Enqueue(ctx context.Context, req agent.RunRequest) <-chan Outcome {
	out := make(chan Outcome, 1)
	item := pendingItem{ctx: ctx, req: req, out: out}

	q.mu.Lock()
	defer q.mu.Unlock()

	key := req.SessionKey
	s := q.sessionLocked(key)

	switch q.modeLocked(key) {
	case ModeInterrupt:
		if s.cancel != nil {
			q.log.Debug("interrupting in-flight run", "session", key)
			s.cancel()
		}
		s.pending = append([]pendingItem{item}, s.pending...)

	case ModeReplace:
		if s.cancel != nil {
			q.log.Debug("replacing in-flight run", "session", key)
			s.cancel()
		}
		for _, dropped := range s.pending {
			dropped.out <- Outcome{Err: ErrReplaced}
		}
		s.pending = []pendingItem{item}

	default: // ModeQueue
		s.pending = append(s.pending, item)
	}

	q.startNextLocked(key)
	return out
}

// SetMode records an explicit mode override for a session. It applies
// to the next enqueue; in-flight runs are untouched.
func (q *Queue) SetMode(sessionKey string, mode Mode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sessionLocked(sessionKey).mode = mode
}

// ModeFor reports the effective mode for a session.
func (q *Queue) ModeFor(sessionKey string) Mode {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.modeLocked(sessionKey)
}

// Abort cancels the session's in-flight run, if any, and settles every
// pending message with ErrAborted. Reports whether a run was cancelled.
func (q *Queue) Abort(sessionKey string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.sessions[sessionKey]
	if !ok {
		return false
	}
	for _, dropped := range s.pending {
		dropped.out <- Outcome{Err: ErrAborted}
	}
	s.pending = nil

	if s.cancel == nil {
		q.maybeDropLocked(sessionKey)
		return false
	}
	s.cancel()
	return true
}

// CancelRun cancels only the in-flight run; pending messages stay
// queued and drain normally afterwards.
func (q *Queue) CancelRun(sessionKey string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.sessions[sessionKey]
	if !ok || s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// Running reports whether the session has a run in flight.
func (q *Queue) Running(sessionKey string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.sessions[sessionKey]
	return ok && s.cancel != nil
}

// PendingCount reports how many messages wait behind the current run.
func (q *Queue) PendingCount(sessionKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.sessions[sessionKey]
	if !ok {
		return 0
	}
	return len(s.pending)
}

// Active lists sessions that currently have a run or pending messages.
func (q *Queue) Active() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys := make([]string, 0, len(q.sessions))
	for key, s := range q.sessions {
		if s.cancel != nil || len(s.pending) > 0 {
			keys = append(keys, key)
		}
	}
	return keys
}

// Wait blocks until every in-flight run has finished or ctx expires.
// New enqueues during the wait are still admitted; callers stop their
// producers first.
func (q *Queue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) sessionLocked(key string) *sessionState {
	s, ok := q.sessions[key]
	if !ok {
		s = &sessionState{}
		q.sessions[key] = s
	}
	return s
}

func (q *Queue) modeLocked(key string) Mode {
	if s, ok := q.sessions[key]; ok && s.mode != "" {
		return s.mode
	}
	if q.defaults != nil {
		if m := q.defaults(key); m != "" {
			return m
		}
	}
	return ModeQueue
}

// startNextLocked starts the head pending message unless a run is
// already in flight. Callers hold q.mu.
func (q *Queue) startNextLocked(key string) {
	s, ok := q.sessions[key]
	if !ok || s.cancel != nil || len(s.pending) == 0 {
		return
	}

	item := s.pending[0]
	s.pending = s.pending[1:]

	runCtx, cancel := context.WithCancel(item.ctx)
	s.cancel = cancel

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer cancel()

		res, err := q.run(runCtx, item.req)
		item.out <- Outcome{Result: res, Err: err}

		q.mu.Lock()
		s.cancel = nil
		q.startNextLocked(key)
		q.maybeDropLocked(key)
		q.mu.Unlock()
	}()
}

// maybeDropLocked forgets sessions that hold no run, no pending work
// and no mode override, keeping the map from growing without bound.
func (q *Queue) maybeDropLocked(key string) {
	s, ok := q.sessions[key]
	if ok && s.cancel == nil && len(s.pending) == 0 && s.mode == "" {
		delete(q.sessions, key)
	}
}
