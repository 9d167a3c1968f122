package delivery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestChunkStrategies(t *testing.T) {
	para := strings.Repeat("a", 60) + "\n\n" + strings.Repeat("b", 60) + "\n\n" + strings.Repeat("c", 30)
	sentences := strings.Repeat("x", 40) + ". " + strings.Repeat("y", 40) + "! " + strings.Repeat("z", 40) + "? tail"

	tests := []struct {
		name string
		text string
		max  int
		want int // expected chunk count
	}{
		{"fits whole", "hello world", 100, 1},
		{"empty", "", 100, 1},
		{"exact limit", strings.Repeat("a", 100), 100, 1},
		{"paragraphs", para, 100, 2},
		{"sentences", sentences, 50, 3},
		{"hard cut", strings.Repeat("A", 250), 100, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := Chunk(tt.text, tt.max)
			if len(chunks) != tt.want {
				t.Fatalf("Chunk() produced %d chunks, want %d: %q", len(chunks), tt.want, chunks)
			}
			for i, c := range chunks {
				if len(c) > tt.max {
					t.Errorf("chunk %d has length %d, over limit %d", i, len(c), tt.max)
				}
			}
			if got := strings.Join(chunks, ""); got != tt.text {
				t.Errorf("chunks do not reassemble input:\n got %q\nwant %q", got, tt.text)
			}
		})
	}
}

func TestChunkParagraphPacking(t *testing.T) {
	// Three small paragraphs that fit pairwise into one 100-byte chunk.
	text := "one\n\ntwo\n\n" + strings.Repeat("c", 95)
	chunks := Chunk(text, 100)

	if len(chunks) != 2 {
		t.Fatalf("expected adjacent paragraphs packed into 2 chunks, got %d: %q", len(chunks), chunks)
	}
	if chunks[0] != "one\n\ntwo\n\n" {
		t.Errorf("first chunk = %q, want packed paragraphs with separators intact", chunks[0])
	}
}

func TestChunkDoesNotSplitDecimals(t *testing.T) {
	text := "pi is 3.14159 and e is 2.71828 which are both useful constants for this test. " + strings.Repeat("w", 60)
	chunks := Chunk(text, 90)

	for _, c := range chunks {
		if strings.HasPrefix(c, "14159") || strings.HasPrefix(c, "71828") {
			t.Fatalf("sentence split tore a decimal number: %q", chunks)
		}
	}
	if got := strings.Join(chunks, ""); got != text {
		t.Errorf("chunks do not reassemble input")
	}
}

func TestChunkHardCutRuneBoundary(t *testing.T) {
	text := strings.Repeat("é", 100) // 2 bytes each
	chunks := Chunk(text, 25)

	for i, c := range chunks {
		if len(c) > 25 {
			t.Errorf("chunk %d over limit: %d bytes", i, len(c))
		}
		if !strings.HasPrefix(c, "é") {
			t.Errorf("chunk %d starts mid-rune: %q", i, c[:2])
		}
	}
	if strings.Join(chunks, "") != text {
		t.Errorf("chunks do not reassemble input")
	}
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	text := strings.Repeat("A", 250)

	var calls []string
	send := func(_ context.Context, chunk string) error {
		calls = append(calls, chunk)
		if len(calls) == 2 {
			// first attempt of the second chunk fails
			return errors.New("transient")
		}
		return nil
	}

	err := Deliver(context.Background(), send, text, Options{
		MaxChunkSize: 100,
		MaxRetries:   2,
		RetryBase:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if len(calls) != 4 {
		t.Fatalf("send invoked %d times, want 4 (retry of second chunk): %v", len(calls), lengths(calls))
	}
	wantLens := []int{100, 100, 100, 50}
	for i, c := range calls {
		if len(c) != wantLens[i] {
			t.Errorf("call %d sent %d bytes, want %d", i, len(c), wantLens[i])
		}
	}
	// The tail chunk must go last: order within a reply is preserved.
	if calls[3] != text[200:] {
		t.Errorf("final chunk = %d bytes, want the 50-byte tail", len(calls[3]))
	}
}

func TestDeliverExhaustsRetries(t *testing.T) {
	sent := 0
	send := func(_ context.Context, chunk string) error {
		sent++
		if strings.HasPrefix(chunk, "B") {
			return errors.New("down")
		}
		return nil
	}

	text := strings.Repeat("A", 100) + strings.Repeat("B", 100)
	err := Deliver(context.Background(), send, text, Options{
		MaxChunkSize: 100,
		MaxRetries:   2,
		RetryBase:    time.Millisecond,
	})
	if err == nil {
		t.Fatal("Deliver() should fail after retry exhaustion")
	}

	var derr *Error
	if !errors.As(err, &derr) {
		t.Fatalf("error type = %T, want *delivery.Error", err)
	}
	if derr.Delivered != 1 || derr.Total != 2 {
		t.Errorf("Delivered/Total = %d/%d, want 1/2", derr.Delivered, derr.Total)
	}
	if sent != 4 {
		t.Errorf("send invoked %d times, want 4 (1 ok + 1 initial + 2 retries)", sent)
	}
}

func TestDeliverContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	send := func(_ context.Context, _ string) error {
		cancel()
		return errors.New("transient")
	}

	err := Deliver(ctx, send, strings.Repeat("A", 10), Options{
		MaxRetries: 5,
		RetryBase:  time.Minute, // would stall without cancellation
	})
	if err == nil {
		t.Fatal("Deliver() should surface cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled in chain", err)
	}
}

func lengths(calls []string) []int {
	out := make([]int, len(calls))
	for i, c := range calls {
		out[i] = len(c)
	}
	return out
}
