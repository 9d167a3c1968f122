package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chozzz/vargos-sub004/internal/store"
)

// SessionsListTool lists known sessions, newest first.
type SessionsListTool struct {
	sessions store.SessionStore
}

func NewSessionsListTool(s store.SessionStore) *SessionsListTool {
	return &SessionsListTool{sessions: s}
}

func (t *SessionsListTool) Name() string { return "sessions_list" }
func (t *SessionsListTool) Description() string {
	return "List sessions with optional filters."
}

func (t *SessionsListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Max sessions to return (default 20)",
			},
			"active_minutes": map[string]interface{}{
				"type":        "number",
				"description": "Only show sessions active in the last N minutes",
			},
		},
	}
}

type sessionEntry struct {
	Key          string `json:"key"`
	Kind         string `json:"kind"`
	Label        string `json:"label,omitempty"`
	MessageCount int    `json:"message_count"`
	Updated      string `json:"updated"`
}

func (t *SessionsListTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.sessions == nil {
		return ErrorResult("session store not available")
	}

	limit := 20
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}
	var cutoff time.Time
	if v, ok := args["active_minutes"].(float64); ok && int(v) > 0 {
		cutoff = time.Now().Add(-time.Duration(int(v)) * time.Minute)
	}

	// List returns newest-updated first, so the first limit matches win.
	entries := make([]sessionEntry, 0, limit)
	for _, s := range t.sessions.List() {
		if !cutoff.IsZero() && !s.Updated.After(cutoff) {
			continue
		}
		if len(entries) == limit {
			break
		}
		entries = append(entries, sessionEntry{
			Key:          s.Key,
			Kind:         string(s.Kind),
			Label:        s.Label,
			MessageCount: s.MessageCount,
			Updated:      s.Updated.Format(time.RFC3339),
		})
	}

	out, _ := json.Marshal(map[string]interface{}{
		"count":    len(entries),
		"sessions": entries,
	})
	return SilentResult(string(out))
}
