package turn

import (
	"strings"
	"testing"
)

func TestDefaultBoundary(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want int
	}{
		{"Hello world. How", 11},
		{"Wait! Really", 4},
		{"Why? Because", 3},
		{"No boundary here", -1},
		{"Trailing dot.", -1}, // needs a following whitespace
		{"Version 1.2 shipped", -1},
		{"Line.\nNext", 4},
	}
	for _, c := range cases {
		if got := DefaultBoundary(c.in); got != c.want {
			t.Errorf("DefaultBoundary(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestChunkerEagerSentences(t *testing.T) {
	t.Parallel()

	c := NewChunker(nil)
	got := c.Feed("Hello world. How are you? I am")
	want := []string{"Hello world.", "How are you?"}
	if len(got) != len(want) {
		t.Fatalf("Feed returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence %d = %q, want %q", i, got[i], want[i])
		}
	}

	rest, ok := c.Flush()
	if !ok || rest != "I am" {
		t.Errorf("Flush = %q, %v; want %q, true", rest, ok, "I am")
	}
}

func TestChunkerTokenByTokenRoundTrip(t *testing.T) {
	t.Parallel()

	sentences := []string{"It's noon.", "Really!", "Why not?"}
	input := strings.Join(sentences, " ")

	c := NewChunker(nil)
	var got []string
	// Feed one byte at a time to exercise boundaries split across tokens.
	for i := 0; i < len(input); i++ {
		got = append(got, c.Feed(input[i:i+1])...)
	}
	if rest, ok := c.Flush(); ok {
		got = append(got, rest)
	}

	if len(got) != len(sentences) {
		t.Fatalf("round trip yielded %v, want %v", got, sentences)
	}
	for i := range sentences {
		if got[i] != sentences[i] {
			t.Errorf("sentence %d = %q, want %q", i, got[i], sentences[i])
		}
	}
}

func TestChunkerNeverEmitsEmpty(t *testing.T) {
	t.Parallel()

	c := NewChunker(nil)
	for _, s := range c.Feed(". . . ") {
		if strings.TrimSpace(s) == "" {
			t.Errorf("emitted whitespace-only sentence %q", s)
		}
	}
	if rest, ok := c.Flush(); ok && strings.TrimSpace(rest) == "" {
		t.Errorf("flushed whitespace-only remainder %q", rest)
	}
}

func TestChunkerFlushEmpty(t *testing.T) {
	t.Parallel()

	c := NewChunker(nil)
	if rest, ok := c.Flush(); ok {
		t.Errorf("empty chunker flushed %q", rest)
	}
}

func TestChunkerCustomBoundary(t *testing.T) {
	t.Parallel()

	// Ideographic full stop, no trailing whitespace required.
	boundary := func(s string) int {
		if i := strings.Index(s, "。"); i >= 0 {
			return i + len("。") - 1
		}
		return -1
	}
	c := NewChunker(boundary)
	got := c.Feed("こんにちは。元気ですか")
	if len(got) != 1 || got[0] != "こんにちは。" {
		t.Errorf("custom boundary yielded %v", got)
	}
}
