// Package agent executes runs: one inbound message processed through
// the model, its tool calls, and the session transcript.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chozzz/vargos-sub004/internal/logging"
	"github.com/chozzz/vargos-sub004/internal/sessions"
	"github.com/chozzz/vargos-sub004/internal/store"
	"github.com/chozzz/vargos-sub004/internal/tools"
	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

// Loop drives the think-act-observe cycle for every run of one agent.
type Loop struct {
	provider        Provider
	sessions        store.SessionStore
	tools           *tools.Registry
	onEvent         func(Event)
	model           string
	systemPrompt    string
	workspace       string
	maxIterations   int
	maxMessageChars int
	compactAfter    int
	keepLast        int
	tracer          trace.Tracer
	log             *slog.Logger

	// compactMu serializes compaction per session across concurrent runs.
	compactMu sync.Map // sessionKey → *sync.Mutex
}

// LoopConfig configures a new Loop.
type LoopConfig struct {
	Provider     Provider
	Sessions     store.SessionStore
	Tools        *tools.Registry
	OnEvent      func(Event)
	Model        string
	SystemPrompt string
	Workspace    string

	MaxIterations   int // provider round trips per run, default 20
	MaxMessageChars int // inbound message size cap, default 32000
	CompactAfter    int // history length that triggers compaction, default 60
	KeepLast        int // messages kept verbatim after compaction, default 4
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = 32_000
	}
	if cfg.CompactAfter <= 0 {
		cfg.CompactAfter = 60
	}
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = 4
	}

	return &Loop{
		provider:        cfg.Provider,
		sessions:        cfg.Sessions,
		tools:           cfg.Tools,
		onEvent:         cfg.OnEvent,
		model:           cfg.Model,
		systemPrompt:    cfg.SystemPrompt,
		workspace:       cfg.Workspace,
		maxIterations:   cfg.MaxIterations,
		maxMessageChars: cfg.MaxMessageChars,
		compactAfter:    cfg.CompactAfter,
		keepLast:        cfg.KeepLast,
		tracer:          otel.Tracer("vargos/agent"),
		log:             logging.Scoped("agent"),
	}
}

// Run processes a single message and blocks until the run reaches a
// terminal phase. A failed run returns its error; the run.completed
// event carries the same error so subscribers see it too.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	ctx, span := l.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("session.key", req.SessionKey),
		attribute.String("run.id", req.RunID),
		attribute.String("channel", req.Channel),
	))
	defer span.End()

	run := newRunState(req.RunID, l.log)

	l.emit(Event{
		Name:       protocol.EventRunStarted,
		RunID:      req.RunID,
		SessionKey: req.SessionKey,
		Payload:    map[string]interface{}{"channel": req.Channel},
	})

	result, err := l.runLoop(ctx, run, req)
	if err != nil {
		run.to(PhaseFailed)
		span.RecordError(err)
		info := protocol.InfoOf(err)
		l.emit(Event{
			Name:       protocol.EventRunCompleted,
			RunID:      req.RunID,
			SessionKey: req.SessionKey,
			Payload: map[string]interface{}{
				"status": string(PhaseFailed),
				"error":  map[string]string{"code": info.Code, "message": info.Message},
			},
		})
		return nil, err
	}

	run.to(PhaseCompleted)
	l.emit(Event{
		Name:       protocol.EventRunCompleted,
		RunID:      req.RunID,
		SessionKey: req.SessionKey,
		Payload:    map[string]interface{}{"status": string(PhaseCompleted)},
	})
	return result, nil
}

func (l *Loop) runLoop(ctx context.Context, run *runState, req RunRequest) (*RunResult, error) {
	run.to(PhasePreparing)

	if len(req.Message) > l.maxMessageChars {
		original := len(req.Message)
		req.Message = req.Message[:l.maxMessageChars] + "\n\n[message truncated due to size limit]"
		l.log.Warn("user message truncated",
			"session", req.SessionKey, "original_len", original, "limit", l.maxMessageChars)
	}

	subagent := sessions.IsSubagent(req.SessionKey)
	system := l.buildSystemPrompt(req, subagent)
	defs := l.toolDefs(subagent)

	l.sessions.GetOrCreate(req.SessionKey)
	history := l.sessions.GetHistory(req.SessionKey)
	summary := l.sessions.GetSummary(req.SessionKey)

	run.to(PhaseRunning)

	if len(history) > l.compactAfter {
		if newSummary, err := l.compact(ctx, req.SessionKey, history, summary); err == nil {
			summary = newSummary
			history = l.sessions.GetHistory(req.SessionKey)
			l.emit(Event{
				Name:       protocol.EventRunCompaction,
				RunID:      req.RunID,
				SessionKey: req.SessionKey,
				Payload:    map[string]interface{}{"kept": len(history)},
			})
		} else {
			l.log.Warn("compaction skipped", "session", req.SessionKey, "error", err)
		}
	}

	msgs := l.buildMessages(summary, history, req)

	// Buffer session writes until the run succeeds so a cancelled or
	// failed run leaves the transcript untouched.
	pending := []sessions.Message{{
		Role:      "user",
		Content:   req.Message,
		Timestamp: time.Now().UTC(),
		Metadata:  messageMetadata(req),
	}}

	onDelta := func(text string) {
		if text == "" || ctx.Err() != nil {
			return
		}
		l.emit(Event{
			Name:       protocol.EventRunDelta,
			RunID:      req.RunID,
			SessionKey: req.SessionKey,
			Payload:    map[string]interface{}{"content": text},
		})
	}

	toolCtx := tools.WithInvocation(ctx, tools.Invocation{
		SessionKey: req.SessionKey,
		Channel:    req.Channel,
		ChatID:     req.ChatID,
		SenderID:   req.SenderID,
	})
	if l.workspace != "" {
		toolCtx = tools.WithWorkspace(toolCtx, l.workspace)
	}

	var finalContent string
	iteration := 0

	for iteration < l.maxIterations {
		iteration++

		if ctx.Err() != nil {
			run.to(PhaseFinalizing)
			return nil, protocol.NewError(protocol.CodeCancelled, "run cancelled")
		}

		l.log.Debug("agent iteration",
			"session", req.SessionKey, "run", req.RunID, "iteration", iteration, "messages", len(msgs))

		comp, err := l.provider.Complete(ctx, CompletionRequest{
			Model:    l.model,
			System:   system,
			Messages: msgs,
			Tools:    defs,
		}, onDelta)
		if err != nil {
			run.to(PhaseFinalizing)
			if ctx.Err() != nil {
				return nil, protocol.NewError(protocol.CodeCancelled, "run cancelled")
			}
			return nil, fmt.Errorf("completion failed (iteration %d): %w", iteration, err)
		}

		if len(comp.ToolCalls) == 0 {
			finalContent = comp.Content
			break
		}

		msgs = append(msgs, Message{
			Role:      "assistant",
			Content:   comp.Content,
			ToolCalls: comp.ToolCalls,
		})
		pending = append(pending, sessions.Message{
			Role:      "assistant",
			Content:   describeToolTurn(comp),
			Timestamp: time.Now().UTC(),
		})

		for _, out := range l.executeToolCalls(toolCtx, req, subagent, comp.ToolCalls) {
			msgs = append(msgs, Message{
				Role:    "tool",
				Content: out.result.ForLLM,
				ToolID:  out.call.ID,
			})
			pending = append(pending, sessions.Message{
				Role:      "tool",
				Content:   out.result.ForLLM,
				Timestamp: time.Now().UTC(),
				Metadata:  map[string]string{"tool": out.call.Name},
			})
		}
	}

	run.to(PhaseFinalizing)

	if ctx.Err() != nil {
		return nil, protocol.NewError(protocol.CodeCancelled, "run cancelled")
	}

	finalContent = SanitizeReply(finalContent)
	silent := IsSilentReply(finalContent)
	if finalContent == "" {
		finalContent = "..."
	}

	pending = append(pending, sessions.Message{
		Role:      "assistant",
		Content:   finalContent,
		Timestamp: time.Now().UTC(),
	})
	for _, msg := range pending {
		l.sessions.AddMessage(req.SessionKey, msg)
	}
	if err := l.sessions.Save(req.SessionKey); err != nil {
		l.log.Warn("session save failed", "session", req.SessionKey, "error", err)
	}

	if silent {
		l.log.Debug("silent reply suppressed", "session", req.SessionKey, "run", req.RunID)
		finalContent = ""
	}

	return &RunResult{
		Content:    finalContent,
		RunID:      req.RunID,
		Iterations: iteration,
	}, nil
}

type toolOutcome struct {
	call   ToolCall
	result *tools.Result
}

// executeToolCalls dispatches the model's tool calls: a single call
// runs inline, several run in parallel with results re-ordered to the
// model's call order. The subagent gate rejects denied tools without
// invoking them; the run continues with the error result.
func (l *Loop) executeToolCalls(ctx context.Context, req RunRequest, subagent bool, calls []ToolCall) []toolOutcome {
	for _, tc := range calls {
		l.emit(Event{
			Name:       protocol.EventToolCall,
			RunID:      req.RunID,
			SessionKey: req.SessionKey,
			Payload:    map[string]interface{}{"name": tc.Name, "id": tc.ID},
		})
	}

	execOne := func(tc ToolCall) *tools.Result {
		if subagent && tools.DeniedForSubagent(tc.Name) {
			l.log.Warn("subagent tool denied", "session", req.SessionKey, "tool", tc.Name)
			return tools.Forbidden(tc.Name)
		}
		l.log.Info("tool call", "session", req.SessionKey, "tool", tc.Name)
		return l.tools.Execute(ctx, tc.Name, tc.Arguments)
	}

	outcomes := make([]toolOutcome, len(calls))

	if len(calls) == 1 {
		outcomes[0] = toolOutcome{call: calls[0], result: execOne(calls[0])}
	} else {
		type indexed struct {
			idx int
			out toolOutcome
		}
		resultCh := make(chan indexed, len(calls))
		var wg sync.WaitGroup
		for i, tc := range calls {
			wg.Add(1)
			go func(idx int, tc ToolCall) {
				defer wg.Done()
				resultCh <- indexed{idx: idx, out: toolOutcome{call: tc, result: execOne(tc)}}
			}(i, tc)
		}
		go func() { wg.Wait(); close(resultCh) }()

		collected := make([]indexed, 0, len(calls))
		for r := range resultCh {
			collected = append(collected, r)
		}
		sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })
		for i, r := range collected {
			outcomes[i] = r.out
		}
	}

	for _, out := range outcomes {
		if out.result.IsError {
			msg := out.result.ForLLM
			if len(msg) > 200 {
				msg = msg[:200] + "..."
			}
			l.log.Warn("tool error", "session", req.SessionKey, "tool", out.call.Name, "error", msg)
		}
		l.emit(Event{
			Name:       protocol.EventToolResult,
			RunID:      req.RunID,
			SessionKey: req.SessionKey,
			Payload: map[string]interface{}{
				"name":     out.call.Name,
				"id":       out.call.ID,
				"is_error": out.result.IsError,
			},
		})
	}

	return outcomes
}

func (l *Loop) buildSystemPrompt(req RunRequest, subagent bool) string {
	var b strings.Builder
	if l.systemPrompt != "" {
		b.WriteString(l.systemPrompt)
	} else {
		b.WriteString("You are Vargos, a personal assistant runtime.")
	}

	if req.Channel != "" {
		fmt.Fprintf(&b, "\n\nYou are replying on the %q channel; keep messages suited to it.", req.Channel)
	}
	if l.workspace != "" {
		fmt.Fprintf(&b, "\nYour workspace directory is %s.", l.workspace)
	}

	if subagent {
		b.WriteString("\nYou are a subagent handling a delegated task. " +
			"Report your result concisely; session management tools are unavailable to you.")
	} else {
		b.WriteString("\nIf the message needs no answer, reply with exactly NO_REPLY.")
	}
	return b.String()
}

func (l *Loop) toolDefs(subagent bool) []ToolDefinition {
	if l.tools == nil {
		return nil
	}
	var defs []ToolDefinition
	for _, name := range l.tools.List() {
		if subagent && tools.DeniedForSubagent(name) {
			continue
		}
		t, ok := l.tools.Get(name)
		if !ok {
			continue
		}
		defs = append(defs, ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

func (l *Loop) emit(ev Event) {
	if l.onEvent != nil {
		l.onEvent(ev)
	}
}

// describeToolTurn renders an assistant tool-call turn for the session
// transcript, which stores plain text.
func describeToolTurn(comp *Completion) string {
	var b strings.Builder
	if comp.Content != "" {
		b.WriteString(comp.Content)
	}
	for _, tc := range comp.ToolCalls {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[calling %s]", tc.Name)
	}
	return b.String()
}

func messageMetadata(req RunRequest) map[string]string {
	if req.Channel == "" && req.SenderID == "" {
		return nil
	}
	meta := make(map[string]string, 2)
	if req.Channel != "" {
		meta["channel"] = req.Channel
	}
	if req.SenderID != "" {
		meta["sender_id"] = req.SenderID
	}
	return meta
}
