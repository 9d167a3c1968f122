package sessions

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Message is one conversation turn, stored in arrival order.
type Message struct {
	Role      string            `json:"role"` // user, assistant, system
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Session holds the conversation state for one session key.
type Session struct {
	Key      string            `json:"key"`
	Kind     Kind              `json:"kind"`
	Label    string            `json:"label,omitempty"`
	AgentID  string            `json:"agentId,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Messages []Message         `json:"messages"`
	Summary  string            `json:"summary,omitempty"`

	CompactionCount int       `json:"compactionCount,omitempty"`
	Created         time.Time `json:"created"`
	Updated         time.Time `json:"updated"`
}

// Info is a lightweight session descriptor for listing.
type Info struct {
	Key          string    `json:"key"`
	Kind         Kind      `json:"kind"`
	Label        string    `json:"label,omitempty"`
	MessageCount int       `json:"messageCount"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// Manager keeps sessions in memory and optionally persists each one as a
// JSON file under the storage dir. Session keys contain colons; filenames
// replace them with underscores.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	storage  string
}

// NewManager creates a manager. An empty storage dir disables persistence.
func NewManager(storage string) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		storage:  storage,
	}
	if storage != "" {
		os.MkdirAll(storage, 0755)
		m.loadAll()
	}
	return m
}

// getOrCreateLocked returns the session for key, creating it when
// missing. The caller must hold mu.
func (m *Manager) getOrCreateLocked(key string) *Session {
	if s, ok := m.sessions[key]; ok {
		return s
	}
	now := time.Now()
	s := &Session{
		Key:      key,
		Kind:     KindOf(key),
		Messages: []Message{},
		Created:  now,
		Updated:  now,
	}
	m.sessions[key] = s
	return s
}

// GetOrCreate returns an existing session or creates a new one.
func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(key)
}

// AddMessage appends a message to a session, creating it if needed.
func (m *Manager) AddMessage(key string, msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreateLocked(key)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.Messages = append(s.Messages, msg)
	s.Updated = time.Now()
}

// GetHistory returns a copy of the message history.
func (m *Manager) GetHistory(key string) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[key]
	if !ok {
		return nil
	}

	msgs := make([]Message, len(s.Messages))
	copy(msgs, s.Messages)
	return msgs
}

// GetSummary returns the compacted-history summary, if any.
func (m *Manager) GetSummary(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[key]; ok {
		return s.Summary
	}
	return ""
}

// SetSummary replaces the summary after a compaction pass.
func (m *Manager) SetSummary(key, summary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.Summary = summary
		s.CompactionCount++
		s.Updated = time.Now()
	}
}

// SetLabel updates the session label.
func (m *Manager) SetLabel(key, label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.Label = label
		s.Updated = time.Now()
	}
}

// SetMetadata merges metadata onto a session.
func (m *Manager) SetMetadata(key string, meta map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]string, len(meta))
	}
	for k, v := range meta {
		s.Metadata[k] = v
	}
	s.Updated = time.Now()
}

// TruncateHistory keeps only the last N messages.
func (m *Manager) TruncateHistory(key string, keepLast int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		return
	}

	if keepLast <= 0 {
		s.Messages = []Message{}
	} else if len(s.Messages) > keepLast {
		s.Messages = s.Messages[len(s.Messages)-keepLast:]
	}
	s.Updated = time.Now()
}

// Reset clears a session's history and summary.
func (m *Manager) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		s.Messages = []Message{}
		s.Summary = ""
		s.Updated = time.Now()
	}
}

// Delete removes a session and its file. Sessions are never deleted
// implicitly; only this call removes one.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()

	if m.storage != "" {
		path := filepath.Join(m.storage, sanitizeFilename(key)+".json")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// List returns session descriptors, newest-updated first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Info, 0, len(m.sessions))
	for key, s := range m.sessions {
		result = append(result, Info{
			Key:          key,
			Kind:         s.Kind,
			Label:        s.Label,
			MessageCount: len(s.Messages),
			Created:      s.Created,
			Updated:      s.Updated,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Updated.After(result[j].Updated)
	})
	return result
}

// Save persists a session to disk atomically (temp file, then rename).
func (m *Manager) Save(key string) error {
	if m.storage == "" {
		return nil
	}

	m.mu.RLock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.RUnlock()
		return nil
	}

	snapshot := *s
	snapshot.Messages = make([]Message, len(s.Messages))
	copy(snapshot.Messages, s.Messages)
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	filename := sanitizeFilename(key)
	if filename == "." || !filepath.IsLocal(filename) || strings.ContainsAny(filename, `/\`) {
		return os.ErrInvalid
	}

	sessionPath := filepath.Join(m.storage, filename+".json")

	tmpFile, err := os.CreateTemp(m.storage, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, sessionPath); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (m *Manager) loadAll() {
	files, err := os.ReadDir(m.storage)
	if err != nil {
		return
	}

	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}

		path := filepath.Join(m.storage, f.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("session file unreadable, skipping", "path", path, "error", err)
			continue
		}

		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			slog.Warn("session file corrupt, skipping", "path", path, "error", err)
			continue
		}

		m.sessions[s.Key] = &s
	}
}

func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
