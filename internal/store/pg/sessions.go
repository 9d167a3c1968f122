package pg

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/chozzz/vargos-sub004/internal/sessions"
	"github.com/chozzz/vargos-sub004/internal/store"
)

// SessionStore keeps hot sessions in memory and flushes them to
// Postgres on Save. Reads fall back to the database on a cache miss.
type SessionStore struct {
	db    *sql.DB
	mu    sync.RWMutex
	cache map[string]*sessions.Session
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db, cache: make(map[string]*sessions.Session)}
}

func (s *SessionStore) GetOrCreate(key string) *sessions.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrInitLocked(key)
}

func (s *SessionStore) AddMessage(key string, msg sessions.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrInitLocked(key)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	sess.Messages = append(sess.Messages, msg)
	sess.Updated = time.Now()
}

func (s *SessionStore) GetHistory(key string) []sessions.Message {
	s.mu.RLock()
	if sess, ok := s.cache[key]; ok {
		msgs := make([]sessions.Message, len(sess.Messages))
		copy(msgs, sess.Messages)
		s.mu.RUnlock()
		return msgs
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.cache[key]; ok {
		msgs := make([]sessions.Message, len(sess.Messages))
		copy(msgs, sess.Messages)
		return msgs
	}

	sess := s.loadFromDB(key)
	if sess == nil {
		return nil
	}
	s.cache[key] = sess
	msgs := make([]sessions.Message, len(sess.Messages))
	copy(msgs, sess.Messages)
	return msgs
}

func (s *SessionStore) GetSummary(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.cache[key]; ok {
		return sess.Summary
	}
	return ""
}

func (s *SessionStore) SetSummary(key, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.cache[key]; ok {
		sess.Summary = summary
		sess.CompactionCount++
		sess.Updated = time.Now()
	}
}

func (s *SessionStore) SetLabel(key, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.cache[key]; ok {
		sess.Label = label
		sess.Updated = time.Now()
	}
}

func (s *SessionStore) SetMetadata(key string, meta map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.cache[key]
	if !ok {
		return
	}
	if sess.Metadata == nil {
		sess.Metadata = make(map[string]string, len(meta))
	}
	for k, v := range meta {
		sess.Metadata[k] = v
	}
	sess.Updated = time.Now()
}

func (s *SessionStore) TruncateHistory(key string, keepLast int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.cache[key]
	if !ok {
		return
	}
	if keepLast <= 0 {
		sess.Messages = []sessions.Message{}
	} else if len(sess.Messages) > keepLast {
		sess.Messages = sess.Messages[len(sess.Messages)-keepLast:]
	}
	sess.Updated = time.Now()
}

func (s *SessionStore) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.cache[key]; ok {
		sess.Messages = []sessions.Message{}
		sess.Summary = ""
		sess.Updated = time.Now()
	}
}

func (s *SessionStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM sessions WHERE session_key = $1", key)
	return err
}

func (s *SessionStore) List() []sessions.Info {
	rows, err := s.db.Query(
		`SELECT session_key, kind, label, jsonb_array_length(messages), created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var result []sessions.Info
	for rows.Next() {
		var info sessions.Info
		var kind string
		if err := rows.Scan(&info.Key, &kind, &info.Label, &info.MessageCount, &info.Created, &info.Updated); err != nil {
			continue
		}
		info.Kind = sessions.Kind(kind)
		result = append(result, info)
	}
	return result
}

// Save flushes the cached session to the database.
func (s *SessionStore) Save(key string) error {
	s.mu.RLock()
	sess, ok := s.cache[key]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	snapshot := *sess
	snapshot.Messages = make([]sessions.Message, len(sess.Messages))
	copy(snapshot.Messages, sess.Messages)
	s.mu.RUnlock()

	msgsJSON, err := json.Marshal(snapshot.Messages)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(orEmptyMeta(snapshot.Metadata))
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`UPDATE sessions SET
			kind = $1, label = $2, summary = $3, metadata = $4, messages = $5,
			compaction_count = $6, updated_at = $7
		 WHERE session_key = $8`,
		string(snapshot.Kind), snapshot.Label, snapshot.Summary, metaJSON, msgsJSON,
		snapshot.CompactionCount, snapshot.Updated, key,
	)
	return err
}

func (s *SessionStore) getOrInitLocked(key string) *sessions.Session {
	if sess, ok := s.cache[key]; ok {
		return sess
	}

	if sess := s.loadFromDB(key); sess != nil {
		s.cache[key] = sess
		return sess
	}

	now := time.Now()
	sess := &sessions.Session{
		Key:      key,
		Kind:     sessions.KindOf(key),
		Messages: []sessions.Message{},
		Created:  now,
		Updated:  now,
	}
	s.cache[key] = sess

	s.db.Exec(
		`INSERT INTO sessions (session_key, kind, created_at, updated_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (session_key) DO NOTHING`,
		key, string(sess.Kind), now, now,
	)
	return sess
}

func (s *SessionStore) loadFromDB(key string) *sessions.Session {
	var (
		kind, label, summary string
		metaJSON, msgsJSON   []byte
		compactionCount      int
		createdAt, updatedAt time.Time
	)
	err := s.db.QueryRow(
		`SELECT kind, label, summary, metadata, messages, compaction_count, created_at, updated_at
		 FROM sessions WHERE session_key = $1`, key,
	).Scan(&kind, &label, &summary, &metaJSON, &msgsJSON, &compactionCount, &createdAt, &updatedAt)
	if err != nil {
		return nil
	}

	var msgs []sessions.Message
	json.Unmarshal(msgsJSON, &msgs)
	var meta map[string]string
	json.Unmarshal(metaJSON, &meta)
	if len(meta) == 0 {
		meta = nil
	}
	if msgs == nil {
		msgs = []sessions.Message{}
	}

	return &sessions.Session{
		Key:             key,
		Kind:            sessions.Kind(kind),
		Label:           label,
		Summary:         summary,
		Metadata:        meta,
		Messages:        msgs,
		CompactionCount: compactionCount,
		Created:         createdAt,
		Updated:         updatedAt,
	}
}

func orEmptyMeta(meta map[string]string) map[string]string {
	if meta == nil {
		return map[string]string{}
	}
	return meta
}

var _ store.SessionStore = (*SessionStore)(nil)
