package store

import "github.com/chozzz/vargos-sub004/internal/sessions"

// SessionStore manages conversation sessions. All implementations keep hot
// sessions in memory; Save flushes one session to durable storage.
type SessionStore interface {
	GetOrCreate(key string) *sessions.Session
	AddMessage(key string, msg sessions.Message)
	GetHistory(key string) []sessions.Message
	GetSummary(key string) string
	SetSummary(key, summary string)
	SetLabel(key, label string)
	SetMetadata(key string, meta map[string]string)
	TruncateHistory(key string, keepLast int)
	Reset(key string)
	Delete(key string) error
	List() []sessions.Info
	Save(key string) error
}
