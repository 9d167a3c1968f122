// Package reconnect provides the backoff schedule used by everything that
// redials a lost connection: the gateway client, the WhatsApp bridge, and
// reply-delivery retries. It only computes delays; callers do the sleeping.
package reconnect

import "time"

// Defaults applied by New when a field is zero.
const (
	DefaultBase = 2 * time.Second
	DefaultMax  = 30 * time.Second
)

// Policy yields an exponential backoff schedule capped at Max.
// MaxAttempts <= 0 means unlimited. Not safe for concurrent use; each
// connection owns its own Policy.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int

	attempt int
}

// New returns a Policy with defaults filled in.
func New(base, max time.Duration, maxAttempts int) *Policy {
	if base <= 0 {
		base = DefaultBase
	}
	if max <= 0 {
		max = DefaultMax
	}
	return &Policy{Base: base, Max: max, MaxAttempts: maxAttempts}
}

// Next returns the delay before the next attempt and true, or zero and
// false once the attempt budget is exhausted. The schedule is
// min(Max, Base*2^attempt) with attempt counting from zero.
func (p *Policy) Next() (time.Duration, bool) {
	if p.MaxAttempts > 0 && p.attempt >= p.MaxAttempts {
		return 0, false
	}
	d := p.delayFor(p.attempt)
	p.attempt++
	return d, true
}

// Reset clears the attempt counter after a successful connect.
func (p *Policy) Reset() {
	p.attempt = 0
}

// Attempt reports how many delays have been handed out since the last reset.
func (p *Policy) Attempt() int {
	return p.attempt
}

func (p *Policy) delayFor(attempt int) time.Duration {
	// Shifting past 62 bits would overflow; by then the cap has long won.
	if attempt > 30 {
		return p.Max
	}
	d := p.Base * time.Duration(1<<uint(attempt))
	if d > p.Max || d <= 0 {
		return p.Max
	}
	return d
}
