package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/chozzz/vargos-sub004/internal/bus"
	"github.com/chozzz/vargos-sub004/internal/logging"
	"github.com/chozzz/vargos-sub004/internal/queue"
	"github.com/chozzz/vargos-sub004/internal/sessions"
)

const (
	// defaultSpawnLimit caps concurrently running subagents.
	defaultSpawnLimit = 3
	// subagentRunTimeout bounds one spawned run end to end.
	subagentRunTimeout = 10 * time.Minute
)

// SessionsSpawnTool starts a background subagent run in its own
// session. The run goes through the same queue as everything else; the
// semaphore only limits how many spawned runs exist at once. When the
// run finishes, its result is announced back into the parent session.
type SessionsSpawnTool struct {
	queue  *queue.Queue
	router bus.MessageRouter
	sem    *semaphore.Weighted
	log    *slog.Logger
}

func NewSessionsSpawnTool(q *queue.Queue, router bus.MessageRouter, limit int64) *SessionsSpawnTool {
	if limit <= 0 {
		limit = defaultSpawnLimit
	}
	return &SessionsSpawnTool{
		queue:  q,
		router: router,
		sem:    semaphore.NewWeighted(limit),
		log:    logging.Scoped("tools.spawn"),
	}
}

func (t *SessionsSpawnTool) Name() string { return "sessions_spawn" }
func (t *SessionsSpawnTool) Description() string {
	return "Spawn a background subagent to work on a task in its own session. The result is announced back when done."
}

func (t *SessionsSpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "Instructions for the subagent",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short name for the spawned session (default: generated)",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SessionsSpawnTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.queue == nil {
		return ErrorResult("session queue not available")
	}

	task, _ := args["task"].(string)
	if task == "" {
		return ErrorResult("task is required")
	}

	label, _ := args["label"].(string)
	label = sanitizeSpawnLabel(label)
	if label == "" {
		label = uuid.NewString()[:8]
	}

	parentKey := InvocationFromCtx(ctx).SessionKey
	var subKey string
	if parentKey != "" {
		subKey = sessions.BuildSubagentKey(parentKey, label)
	} else {
		subKey = "agent:" + label
	}

	if !t.sem.TryAcquire(1) {
		return ErrorResult("subagent limit reached, wait for a running subagent to finish")
	}

	req := queue.RunRequest{
		SessionKey: subKey,
		RunID:      uuid.NewString(),
		Message:    task,
		Channel:    "subagent",
		SenderID:   "sessions_spawn",
	}

	// The spawned run outlives this tool call, so it gets its own
	// context rather than inheriting the parent run's cancellation.
	runCtx, cancel := context.WithTimeout(context.Background(), subagentRunTimeout)
	out := t.queue.Enqueue(runCtx, req)

	go func() {
		defer cancel()
		defer t.sem.Release(1)
		outcome := <-out
		t.announce(parentKey, label, subKey, outcome)
	}()

	t.log.Info("subagent spawned", "session", subKey, "run", req.RunID, "parent", parentKey)
	return AsyncResult(fmt.Sprintf(`{"status":"spawned","session_key":"%s","label":"%s"}`, subKey, label))
}

// announce reports the subagent outcome into the parent session as a
// system message, triggering a parent run that can act on the result.
func (t *SessionsSpawnTool) announce(parentKey, label, subKey string, outcome queue.Outcome) {
	if t.router == nil || parentKey == "" {
		return
	}

	var content string
	switch {
	case outcome.Err != nil:
		content = fmt.Sprintf("Subagent %s failed: %s", label, truncateStr(outcome.Err.Error(), 500))
	case outcome.Result == nil || outcome.Result.Content == "":
		content = fmt.Sprintf("Subagent %s finished with no output.", label)
	default:
		content = fmt.Sprintf("Subagent %s finished:\n%s", label, outcome.Result.Content)
	}

	t.router.PublishInbound(bus.InboundMessage{
		Channel:     "system",
		SenderID:    "subagent:" + label,
		ChatID:      parentKey,
		Content:     content,
		Fingerprint: uuid.NewString(),
		Metadata:    map[string]string{"subagentKey": subKey},
	})
}

// sanitizeSpawnLabel keeps labels key-safe: lowercase, no colons, no
// whitespace.
func sanitizeSpawnLabel(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	label = strings.ReplaceAll(label, ":", "-")
	return strings.Join(strings.Fields(label), "-")
}
