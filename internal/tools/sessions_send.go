package tools

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/chozzz/vargos-sub004/internal/bus"
	"github.com/chozzz/vargos-sub004/internal/store"
)

// SessionsSendTool injects a message into another session. The message
// travels the same inbound path as channel traffic, so it debounces,
// queues, and runs exactly like a user message would.
type SessionsSendTool struct {
	sessions store.SessionStore
	router   bus.MessageRouter
}

func NewSessionsSendTool(s store.SessionStore, router bus.MessageRouter) *SessionsSendTool {
	return &SessionsSendTool{sessions: s, router: router}
}

func (t *SessionsSendTool) Name() string { return "sessions_send" }
func (t *SessionsSendTool) Description() string {
	return "Send a message into another session. Use session_key or label to identify the target."
}

func (t *SessionsSendTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_key": map[string]interface{}{
				"type":        "string",
				"description": "Target session key",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Target session label (alternative to session_key)",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Message to send",
			},
		},
		"required": []string{"message"},
	}
}

func (t *SessionsSendTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.sessions == nil {
		return ErrorResult("session store not available")
	}
	if t.router == nil {
		return ErrorResult("message router not available")
	}

	sessionKey, _ := args["session_key"].(string)
	label, _ := args["label"].(string)
	message, _ := args["message"].(string)

	if message == "" {
		return ErrorResult("message is required")
	}
	if sessionKey == "" && label == "" {
		return ErrorResult("either session_key or label is required")
	}

	// Resolve the target against known sessions; a typo must not spawn
	// a ghost session.
	found := false
	for _, s := range t.sessions.List() {
		if sessionKey != "" && s.Key == sessionKey {
			found = true
			break
		}
		if sessionKey == "" && label != "" && s.Label == label {
			sessionKey = s.Key
			found = true
			break
		}
	}
	if !found {
		if sessionKey != "" {
			return ErrorResult(fmt.Sprintf("no session found with key: %s", sessionKey))
		}
		return ErrorResult(fmt.Sprintf("no session found with label: %s", label))
	}

	// A fresh fingerprint keeps repeated identical sends from being
	// dropped as duplicates.
	t.router.PublishInbound(bus.InboundMessage{
		Channel:     "system",
		SenderID:    "session_send_tool",
		ChatID:      sessionKey,
		Content:     message,
		Fingerprint: uuid.NewString(),
	})

	return SilentResult(fmt.Sprintf(`{"status":"accepted","session_key":"%s"}`, sessionKey))
}
