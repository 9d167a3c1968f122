package file

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chozzz/vargos-sub004/internal/store"
)

type pairingState struct {
	// Paired maps channel → approved sender ids.
	Paired map[string][]string `json:"paired"`
	// Pending maps code → request.
	Pending map[string]store.PairingRequest `json:"pending"`
}

// PairingStore keeps pairing state in one JSON file.
type PairingStore struct {
	mu    sync.Mutex
	path  string
	state pairingState
}

// NewPairingStore loads (or creates) the pairing file under dir.
func NewPairingStore(dir string) (*PairingStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create pairing dir: %w", err)
	}
	s := &PairingStore{
		path: filepath.Join(dir, "pairing.json"),
		state: pairingState{
			Paired:  make(map[string][]string),
			Pending: make(map[string]store.PairingRequest),
		},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PairingStore) IsPaired(senderID, channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.state.Paired[channel] {
		if id == senderID {
			return true
		}
	}
	return false
}

func (s *PairingStore) RequestPairing(senderID, channel, chatID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneExpiredLocked()

	// Reuse a live code for the same sender so repeated messages do not
	// mint a new code each time.
	for code, req := range s.state.Pending {
		if req.SenderID == senderID && req.Channel == channel {
			return code, nil
		}
	}

	code, err := pairingCode()
	if err != nil {
		return "", err
	}
	s.state.Pending[code] = store.PairingRequest{
		Code:     code,
		SenderID: senderID,
		Channel:  channel,
		ChatID:   chatID,
		Created:  time.Now(),
	}
	if err := s.persistLocked(); err != nil {
		return "", err
	}
	return code, nil
}

func (s *PairingStore) Approve(code string) (*store.PairingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneExpiredLocked()

	req, ok := s.state.Pending[code]
	if !ok {
		return nil, fmt.Errorf("pairing code %s not found or expired", code)
	}
	delete(s.state.Pending, code)
	s.state.Paired[req.Channel] = append(s.state.Paired[req.Channel], req.SenderID)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *PairingStore) ListPending() ([]store.PairingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneExpiredLocked()
	out := make([]store.PairingRequest, 0, len(s.state.Pending))
	for _, req := range s.state.Pending {
		out = append(out, req)
	}
	return out, nil
}

func (s *PairingStore) ListPaired(channel string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.state.Paired[channel]
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

func (s *PairingStore) pruneExpiredLocked() {
	cutoff := time.Now().Add(-store.PairingTTL)
	for code, req := range s.state.Pending {
		if req.Created.Before(cutoff) {
			delete(s.state.Pending, code)
		}
	}
}

func (s *PairingStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read pairing state: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return fmt.Errorf("parse pairing state: %w", err)
	}
	if s.state.Paired == nil {
		s.state.Paired = make(map[string][]string)
	}
	if s.state.Pending == nil {
		s.state.Pending = make(map[string]store.PairingRequest)
	}
	return nil
}

func (s *PairingStore) persistLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(s.path, data)
}

// pairingCode returns an 8-char uppercase hex code.
func pairingCode() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return fmt.Sprintf("%X", b), nil
}

var _ store.PairingStore = (*PairingStore)(nil)
