package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chozzz/vargos-sub004/internal/store"
)

const defaultMemorySearchLimit = 5

// MemorySaveTool appends a fact to the agent's long-term memory.
type MemorySaveTool struct {
	memory store.MemoryStore
}

func NewMemorySaveTool(m store.MemoryStore) *MemorySaveTool {
	return &MemorySaveTool{memory: m}
}

func (t *MemorySaveTool) Name() string { return "memory_save" }
func (t *MemorySaveTool) Description() string {
	return "Save a fact or note to long-term memory so later sessions can recall it."
}

func (t *MemorySaveTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The fact to remember, phrased so it makes sense without context",
			},
			"tags": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Optional tags for grouping",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MemorySaveTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.memory == nil {
		return ErrorResult("memory store not available")
	}

	content, _ := args["content"].(string)
	if content == "" {
		return ErrorResult("content is required")
	}

	var tags []string
	if raw, ok := args["tags"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				tags = append(tags, s)
			}
		}
	}

	id, err := t.memory.Append(store.MemoryEntry{Content: content, Tags: tags})
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to save memory: %v", err))
	}

	return SilentResult(fmt.Sprintf(`{"status":"saved","id":"%s"}`, id))
}

// MemorySearchTool finds saved memories by substring match.
type MemorySearchTool struct {
	memory store.MemoryStore
}

func NewMemorySearchTool(m store.MemoryStore) *MemorySearchTool {
	return &MemorySearchTool{memory: m}
}

func (t *MemorySearchTool) Name() string { return "memory_search" }
func (t *MemorySearchTool) Description() string {
	return "Search long-term memory. Matches content and tags by substring; an empty query returns the most recent entries."
}

func (t *MemorySearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Substring to look for; empty returns recent entries",
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Max entries to return (default 5)",
			},
		},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.memory == nil {
		return ErrorResult("memory store not available")
	}

	query, _ := args["query"].(string)
	limit := defaultMemorySearchLimit
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}

	var (
		entries []store.MemoryEntry
		err     error
	)
	if query == "" {
		entries, err = t.memory.Recent(limit)
	} else {
		entries, err = t.memory.Search(query, limit)
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory search failed: %v", err))
	}

	type memEntry struct {
		ID      string   `json:"id"`
		Content string   `json:"content"`
		Tags    []string `json:"tags,omitempty"`
		Created string   `json:"created"`
	}

	out := make([]memEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, memEntry{
			ID:      e.ID,
			Content: e.Content,
			Tags:    e.Tags,
			Created: e.Created.Format(time.RFC3339),
		})
	}

	data, _ := json.Marshal(map[string]interface{}{
		"count":    len(out),
		"memories": out,
	})
	return SilentResult(string(data))
}
