package file

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chozzz/vargos-sub004/internal/store"
)

// MemoryStore appends entries to a JSONL file, one JSON object per
// line. Search is a full scan; memory files stay small enough that
// nothing smarter is needed.
type MemoryStore struct {
	mu   sync.Mutex
	path string
}

// NewMemoryStore creates the store under dir. The file itself is
// created lazily on first append.
func NewMemoryStore(dir string) (*MemoryStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	return &MemoryStore{path: filepath.Join(dir, "memory.jsonl")}, nil
}

func (s *MemoryStore) Append(entry store.MemoryEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Created.IsZero() {
		entry.Created = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("open memory file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return "", fmt.Errorf("append memory: %w", err)
	}
	return entry.ID, nil
}

// Search returns entries whose content or tags contain the query,
// newest first, case-insensitive.
func (s *MemoryStore) Search(query string, limit int) ([]store.MemoryEntry, error) {
	entries, err := s.readAll()
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(query)
	var matched []store.MemoryEntry
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if memoryMatches(e, needle) {
			matched = append(matched, e)
			if limit > 0 && len(matched) >= limit {
				break
			}
		}
	}
	return matched, nil
}

// Recent returns the newest entries, newest first.
func (s *MemoryStore) Recent(limit int) ([]store.MemoryEntry, error) {
	entries, err := s.readAll()
	if err != nil {
		return nil, err
	}

	var out []store.MemoryEntry
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func memoryMatches(e store.MemoryEntry, needle string) bool {
	if strings.Contains(strings.ToLower(e.Content), needle) {
		return true
	}
	for _, tag := range e.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

// readAll parses the file in write order. Malformed lines (a crash
// mid-append leaves at most one) are skipped.
func (s *MemoryStore) readAll() ([]store.MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open memory file: %w", err)
	}
	defer f.Close()

	var entries []store.MemoryEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e store.MemoryEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan memory file: %w", err)
	}
	return entries, nil
}

var _ store.MemoryStore = (*MemoryStore)(nil)
