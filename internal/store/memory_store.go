package store

import "time"

// MemoryEntry is one saved fact. Search is plain substring matching;
// there is no indexing or vector search here.
type MemoryEntry struct {
	ID      string    `json:"id"`
	Content string    `json:"content"`
	Tags    []string  `json:"tags,omitempty"`
	Created time.Time `json:"created"`
}

// MemoryStore is the agent's long-term notebook.
type MemoryStore interface {
	Append(entry MemoryEntry) (string, error)
	Search(query string, limit int) ([]MemoryEntry, error)
	Recent(limit int) ([]MemoryEntry, error)
}
