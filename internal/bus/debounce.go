package bus

import (
	"sync"
	"time"
)

// Debounce defaults.
const (
	DefaultDebounceDelay    = 1500 * time.Millisecond
	DefaultDebounceMaxBatch = 20
)

// FlushFunc receives everything buffered for a key once the sender has been
// quiet for the configured delay (or the batch cap was hit).
type FlushFunc func(key string, msgs []InboundMessage)

type debounceBuffer struct {
	msgs  []InboundMessage
	timer *time.Timer
	gen   uint64
}

// InboundDebouncer coalesces rapid-fire messages per key so one agent run
// sees the whole burst. Every push resets the key's timer: the flush fires
// only after the sender has stopped typing for the full delay.
type InboundDebouncer struct {
	mu       sync.Mutex
	delay    time.Duration
	maxBatch int
	flush    FlushFunc
	buffers  map[string]*debounceBuffer
	stopped  bool
}

// NewInboundDebouncer creates a debouncer. Non-positive delay or maxBatch
// fall back to the defaults. flush runs outside the debouncer's lock.
func NewInboundDebouncer(delay time.Duration, maxBatch int, flush FlushFunc) *InboundDebouncer {
	if delay <= 0 {
		delay = DefaultDebounceDelay
	}
	if maxBatch <= 0 {
		maxBatch = DefaultDebounceMaxBatch
	}
	return &InboundDebouncer{
		delay:    delay,
		maxBatch: maxBatch,
		flush:    flush,
		buffers:  make(map[string]*debounceBuffer),
	}
}

// Push buffers a message under key and resets the key's quiet timer.
// Reaching maxBatch flushes immediately.
func (d *InboundDebouncer) Push(key string, msg InboundMessage) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	buf, ok := d.buffers[key]
	if !ok {
		buf = &debounceBuffer{}
		d.buffers[key] = buf
	}
	buf.msgs = append(buf.msgs, msg)

	if len(buf.msgs) >= d.maxBatch {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		msgs := buf.msgs
		delete(d.buffers, key)
		d.mu.Unlock()
		d.flush(key, msgs)
		return
	}

	// The generation guards against a stale timer that fired concurrently
	// with this push flushing the refreshed buffer early.
	buf.gen++
	gen := buf.gen
	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.timer = time.AfterFunc(d.delay, func() {
		d.flushAfterQuiet(key, gen)
	})
	d.mu.Unlock()
}

// SetDelay retunes the quiet period for future pushes. Timers already
// armed keep their old delay. Non-positive values restore the default.
// Config hot-reload uses this.
func (d *InboundDebouncer) SetDelay(delay time.Duration) {
	if delay <= 0 {
		delay = DefaultDebounceDelay
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

// Cancel discards the buffer for key without flushing.
func (d *InboundDebouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if buf, ok := d.buffers[key]; ok {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		delete(d.buffers, key)
	}
}

// Stop cancels all pending buffers. Nothing is flushed.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, buf := range d.buffers {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		delete(d.buffers, key)
	}
}

// PendingKeys reports how many keys currently hold buffered messages.
func (d *InboundDebouncer) PendingKeys() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

func (d *InboundDebouncer) flushAfterQuiet(key string, gen uint64) {
	d.mu.Lock()
	buf, ok := d.buffers[key]
	if !ok || buf.gen != gen {
		d.mu.Unlock()
		return
	}
	msgs := buf.msgs
	delete(d.buffers, key)
	d.mu.Unlock()
	d.flush(key, msgs)
}
