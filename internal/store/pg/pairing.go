package pg

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"time"

	"github.com/chozzz/vargos-sub004/internal/store"
)

// PairingStore tracks approved senders and pending codes in Postgres.
type PairingStore struct {
	db *sql.DB
}

func NewPairingStore(db *sql.DB) *PairingStore {
	return &PairingStore{db: db}
}

func (s *PairingStore) IsPaired(senderID, channel string) bool {
	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM paired_senders WHERE channel = $1 AND sender_id = $2",
		channel, senderID,
	).Scan(&one)
	return err == nil
}

func (s *PairingStore) RequestPairing(senderID, channel, chatID string) (string, error) {
	s.pruneExpired()

	// Reuse a live code for the same sender so repeated messages do not
	// mint a new code each time.
	var code string
	err := s.db.QueryRow(
		"SELECT code FROM pairing_codes WHERE sender_id = $1 AND channel = $2",
		senderID, channel,
	).Scan(&code)
	if err == nil {
		return code, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("lookup pairing code: %w", err)
	}

	code, err = pairingCode()
	if err != nil {
		return "", err
	}
	_, err = s.db.Exec(
		"INSERT INTO pairing_codes (code, sender_id, channel, chat_id, created_at) VALUES ($1, $2, $3, $4, $5)",
		code, senderID, channel, chatID, time.Now())
	if err != nil {
		return "", fmt.Errorf("store pairing code: %w", err)
	}
	return code, nil
}

func (s *PairingStore) Approve(code string) (*store.PairingRequest, error) {
	s.pruneExpired()

	var req store.PairingRequest
	err := s.db.QueryRow(
		"SELECT code, sender_id, channel, chat_id, created_at FROM pairing_codes WHERE code = $1",
		code,
	).Scan(&req.Code, &req.SenderID, &req.Channel, &req.ChatID, &req.Created)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pairing code %s not found or expired", code)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup pairing code: %w", err)
	}

	if _, err := s.db.Exec("DELETE FROM pairing_codes WHERE code = $1", code); err != nil {
		return nil, fmt.Errorf("consume pairing code: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO paired_senders (channel, sender_id, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (channel, sender_id) DO NOTHING`,
		req.Channel, req.SenderID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("store paired sender: %w", err)
	}
	return &req, nil
}

func (s *PairingStore) ListPending() ([]store.PairingRequest, error) {
	s.pruneExpired()

	rows, err := s.db.Query("SELECT code, sender_id, channel, chat_id, created_at FROM pairing_codes")
	if err != nil {
		return nil, fmt.Errorf("list pending pairings: %w", err)
	}
	defer rows.Close()

	var out []store.PairingRequest
	for rows.Next() {
		var req store.PairingRequest
		if err := rows.Scan(&req.Code, &req.SenderID, &req.Channel, &req.ChatID, &req.Created); err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *PairingStore) ListPaired(channel string) ([]string, error) {
	rows, err := s.db.Query("SELECT sender_id FROM paired_senders WHERE channel = $1", channel)
	if err != nil {
		return nil, fmt.Errorf("list paired senders: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PairingStore) pruneExpired() {
	s.db.Exec("DELETE FROM pairing_codes WHERE created_at < $1", time.Now().Add(-store.PairingTTL))
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
