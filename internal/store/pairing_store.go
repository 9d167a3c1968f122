package store

import "time"

// PairingTTL is how long an unapproved pairing code stays valid.
const PairingTTL = time.Hour

// PairingRequest is an unknown sender waiting for owner approval.
type PairingRequest struct {
	Code     string    `json:"code"`
	SenderID string    `json:"senderId"`
	Channel  string    `json:"channel"`
	ChatID   string    `json:"chatId"`
	Created  time.Time `json:"created"`
}

// PairingStore tracks approved senders and pending pairing codes per channel.
type PairingStore interface {
	IsPaired(senderID, channel string) bool
	// RequestPairing returns the pending code for the sender, creating one
	// if none exists. Codes expire after PairingTTL.
	RequestPairing(senderID, channel, chatID string) (string, error)
	// Approve promotes the request with the given code to paired.
	Approve(code string) (*PairingRequest, error)
	ListPending() ([]PairingRequest, error)
	ListPaired(channel string) ([]string, error)
}
