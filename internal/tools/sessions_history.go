package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/chozzz/vargos-sub004/internal/store"
)

const (
	historyMaxCharsPerMessage = 4000
	historyMaxTotalBytes      = 80 * 1024
)

// SessionsHistoryTool fetches another session's transcript, truncated
// so the caller's own context does not drown in it.
type SessionsHistoryTool struct {
	sessions store.SessionStore
}

func NewSessionsHistoryTool(s store.SessionStore) *SessionsHistoryTool {
	return &SessionsHistoryTool{sessions: s}
}

func (t *SessionsHistoryTool) Name() string { return "sessions_history" }
func (t *SessionsHistoryTool) Description() string {
	return "Fetch message history for a session."
}

func (t *SessionsHistoryTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_key": map[string]interface{}{
				"type":        "string",
				"description": "Session key to fetch history from",
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Max messages to return (default 20)",
			},
			"include_tools": map[string]interface{}{
				"type":        "boolean",
				"description": "Include tool result messages (default false)",
			},
		},
		"required": []string{"session_key"},
	}
}

type historyEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (t *SessionsHistoryTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.sessions == nil {
		return ErrorResult("session store not available")
	}

	key, _ := args["session_key"].(string)
	if key == "" {
		return ErrorResult("session_key is required")
	}
	limit := 20
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}
	includeTools, _ := args["include_tools"].(bool)

	entries := make([]historyEntry, 0, limit)
	for _, m := range t.sessions.GetHistory(key) {
		if m.Role == "tool" && !includeTools {
			continue
		}
		entries = append(entries, historyEntry{Role: m.Role, Content: m.Content})
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	for i := range entries {
		entries[i].Content = clipRunes(entries[i].Content, historyMaxCharsPerMessage)
	}

	out, _ := json.Marshal(map[string]interface{}{
		"session_key": key,
		"messages":    entries,
		"count":       len(entries),
	})
	if len(out) > historyMaxTotalBytes {
		return SilentResult(fmt.Sprintf(
			`{"session_key":%q,"error":"history too large (%d bytes), use smaller limit","count":%d}`,
			key, len(out), len(entries)))
	}
	return SilentResult(string(out))
}

// clipRunes cuts s to at most max runes, marking the cut.
func clipRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "... [truncated]"
}
