package file

import (
	"github.com/chozzz/vargos-sub004/internal/sessions"
	"github.com/chozzz/vargos-sub004/internal/store"
)

// SessionStore wraps sessions.Manager to implement store.SessionStore.
type SessionStore struct {
	mgr *sessions.Manager
}

// NewSessionStore creates the file-backed session store rooted at dir.
func NewSessionStore(dir string) *SessionStore {
	return &SessionStore{mgr: sessions.NewManager(dir)}
}

func (f *SessionStore) GetOrCreate(key string) *sessions.Session {
	return f.mgr.GetOrCreate(key)
}

func (f *SessionStore) AddMessage(key string, msg sessions.Message) {
	f.mgr.AddMessage(key, msg)
}

func (f *SessionStore) GetHistory(key string) []sessions.Message {
	return f.mgr.GetHistory(key)
}

func (f *SessionStore) GetSummary(key string) string {
	return f.mgr.GetSummary(key)
}

func (f *SessionStore) SetSummary(key, summary string) {
	f.mgr.SetSummary(key, summary)
}

func (f *SessionStore) SetLabel(key, label string) {
	f.mgr.SetLabel(key, label)
}

func (f *SessionStore) SetMetadata(key string, meta map[string]string) {
	f.mgr.SetMetadata(key, meta)
}

func (f *SessionStore) TruncateHistory(key string, keepLast int) {
	f.mgr.TruncateHistory(key, keepLast)
}

func (f *SessionStore) Reset(key string) {
	f.mgr.Reset(key)
}

func (f *SessionStore) Delete(key string) error {
	return f.mgr.Delete(key)
}

func (f *SessionStore) List() []sessions.Info {
	return f.mgr.List()
}

func (f *SessionStore) Save(key string) error {
	return f.mgr.Save(key)
}

var _ store.SessionStore = (*SessionStore)(nil)
