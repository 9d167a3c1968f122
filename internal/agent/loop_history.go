package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chozzz/vargos-sub004/internal/sessions"
)

// buildMessages assembles the completion transcript: prior summary,
// persisted history, then the new user message with its attachments.
func (l *Loop) buildMessages(summary string, history []sessions.Message, req RunRequest) []Message {
	msgs := make([]Message, 0, len(history)+3)

	if summary != "" {
		msgs = append(msgs, Message{
			Role:    "user",
			Content: "[Previous conversation summary]\n" + summary,
		})
		msgs = append(msgs, Message{
			Role:    "assistant",
			Content: "Understood. Continuing from that context.",
		})
	}

	for _, m := range history {
		msgs = append(msgs, Message{Role: m.Role, Content: m.Content})
	}

	user := Message{Role: "user", Content: req.Message}
	if imgs := loadImages(req.Media); len(imgs) > 0 {
		user.Images = imgs
	}
	return append(msgs, user)
}

var errCompactionBusy = errors.New("compaction already in progress")

// compact folds everything but the most recent messages into the
// session summary and truncates the transcript. One compaction per
// session at a time; a losing run just proceeds uncompacted.
func (l *Loop) compact(ctx context.Context, key string, history []sessions.Message, summary string) (string, error) {
	muI, _ := l.compactMu.LoadOrStore(key, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	if !mu.TryLock() {
		return "", errCompactionBusy
	}
	defer mu.Unlock()

	if len(history) <= l.keepLast {
		return summary, nil
	}

	var b strings.Builder
	if summary != "" {
		b.WriteString("Existing context: ")
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	for _, m := range history[:len(history)-l.keepLast] {
		switch m.Role {
		case "user", "assistant":
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
	}

	comp, err := l.provider.Complete(ctx, CompletionRequest{
		Model:     l.model,
		System:    "Summarize the conversation concisely. Preserve facts, decisions, names and open tasks.",
		Messages:  []Message{{Role: "user", Content: b.String()}},
		MaxTokens: 1024,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("compaction summary: %w", err)
	}

	newSummary := SanitizeReply(comp.Content)
	if newSummary == "" {
		return "", errors.New("compaction produced empty summary")
	}

	l.sessions.SetSummary(key, newSummary)
	l.sessions.TruncateHistory(key, l.keepLast)
	if err := l.sessions.Save(key); err != nil {
		l.log.Warn("compaction save failed", "session", key, "error", err)
	}

	l.log.Info("session compacted",
		"session", key, "summarized", len(history)-l.keepLast, "kept", l.keepLast)
	return newSummary, nil
}
