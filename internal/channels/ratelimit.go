package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedSenders caps the limiter map so rotating sender IDs
	// cannot exhaust memory.
	maxTrackedSenders = 4096

	// senderStaleAfter is how long an idle sender entry survives a
	// pruning pass.
	senderStaleAfter = time.Minute
)

// Default per-sender budget: a burst of 30 messages, refilling one
// every two seconds.
var (
	DefaultSenderRate  = rate.Every(2 * time.Second)
	DefaultSenderBurst = 30
)

type senderEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// SenderLimiter bounds per-sender inbound message rates across all
// adapters. Safe for concurrent use.
type SenderLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*senderEntry
}

// NewSenderLimiter returns a limiter granting each key burst tokens
// refilled at limit.
func NewSenderLimiter(limit rate.Limit, burst int) *SenderLimiter {
	return &SenderLimiter{
		limit:   limit,
		burst:   burst,
		entries: make(map[string]*senderEntry),
	}
}

// Allow reports whether the sender identified by key is within budget.
func (l *SenderLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		if len(l.entries) >= maxTrackedSenders {
			l.prune()
		}
		e = &senderEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.seen = time.Now()
	return e.lim.Allow()
}

// prune drops idle entries, then evicts arbitrarily until below the
// cap. Callers hold l.mu.
func (l *SenderLimiter) prune() {
	cutoff := time.Now().Add(-senderStaleAfter)
	for k, e := range l.entries {
		if e.seen.Before(cutoff) {
			delete(l.entries, k)
		}
	}
	for len(l.entries) >= maxTrackedSenders {
		for k := range l.entries {
			delete(l.entries, k)
			break
		}
	}
}
