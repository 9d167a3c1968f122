// Package delivery splits long reply text into channel-sized chunks and
// sends them in order with retry.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Defaults applied when Options fields are zero.
const (
	DefaultMaxChunkSize = 4000
	DefaultMaxRetries   = 3
	DefaultRetryBase    = 500 * time.Millisecond
)

// SendFunc delivers one chunk to the destination channel.
type SendFunc func(ctx context.Context, chunk string) error

// Options tunes chunk size and retry behavior.
type Options struct {
	MaxChunkSize int
	MaxRetries   int           // retries per chunk after the first attempt
	RetryBase    time.Duration // backoff is RetryBase * 2^attempt
}

func (o Options) withDefaults() Options {
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = DefaultMaxChunkSize
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryBase <= 0 {
		o.RetryBase = DefaultRetryBase
	}
	return o
}

// Error reports a delivery that stopped partway. Delivered counts the
// chunks that were fully sent before the failing one.
type Error struct {
	Delivered int
	Total     int
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("delivered %d/%d chunks: %v", e.Delivered, e.Total, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Deliver chunks text and sends each piece sequentially via send.
// Chunks are never sent in parallel; a chunk is retried with exponential
// backoff before the whole delivery fails.
func Deliver(ctx context.Context, send SendFunc, text string, opts Options) error {
	opts = opts.withDefaults()

	chunks := Chunk(text, opts.MaxChunkSize)
	for i, chunk := range chunks {
		if err := sendWithRetry(ctx, send, chunk, opts); err != nil {
			return &Error{Delivered: i, Total: len(chunks), Err: err}
		}
	}
	return nil
}

func sendWithRetry(ctx context.Context, send SendFunc, chunk string, opts Options) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = send(ctx, chunk)
		if err == nil {
			return nil
		}
		if attempt >= opts.MaxRetries {
			return err
		}

		delay := opts.RetryBase << uint(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Chunk splits text into pieces of at most max bytes. Strategies are
// tried in order and the first whose every piece fits wins: the whole
// text, paragraph boundaries, sentence boundaries, then a hard cut.
// Concatenating the result always reproduces the input exactly.
func Chunk(text string, max int) []string {
	if max <= 0 {
		max = DefaultMaxChunkSize
	}
	if len(text) <= max {
		return []string{text}
	}
	if chunks, ok := pack(splitParagraphs(text), max); ok {
		return chunks
	}
	if chunks, ok := pack(splitSentences(text), max); ok {
		return chunks
	}
	return hardCut(text, max)
}

// splitParagraphs breaks at blank lines, keeping the separator attached
// to the preceding paragraph so no bytes are lost.
func splitParagraphs(text string) []string {
	return strings.SplitAfter(text, "\n\n")
}

// splitSentences breaks after a run of ".!?" that is followed by
// whitespace. The whitespace stays with the finished sentence.
func splitSentences(text string) []string {
	var parts []string
	start := 0
	i := 0
	for i < len(text) {
		if !isTerminator(text[i]) {
			i++
			continue
		}
		j := i + 1
		for j < len(text) && isTerminator(text[j]) {
			j++
		}
		k := j
		for k < len(text) && isSpaceByte(text[k]) {
			k++
		}
		if k == j {
			// "3.14" style: terminator without trailing whitespace.
			i = j
			continue
		}
		parts = append(parts, text[start:k])
		start = k
		i = k
	}
	if start < len(text) {
		parts = append(parts, text[start:])
	}
	return parts
}

func isTerminator(c byte) bool { return c == '.' || c == '!' || c == '?' }

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r'
}

// pack greedily concatenates adjacent parts while the sum fits within
// max. Fails when any single part is over the limit.
func pack(parts []string, max int) ([]string, bool) {
	var chunks []string
	var cur strings.Builder
	for _, p := range parts {
		if len(p) > max {
			return nil, false
		}
		if cur.Len() > 0 && cur.Len()+len(p) > max {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		cur.WriteString(p)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks, true
}

// hardCut slices at max bytes, backing off to a rune boundary so a
// multi-byte character is never torn across chunks.
func hardCut(text string, max int) []string {
	var chunks []string
	for len(text) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			cut = max
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
