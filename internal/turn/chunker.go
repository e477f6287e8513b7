package turn

import (
	"strings"
)

// BoundaryFunc locates the first sentence boundary in s, returning the index
// of the terminating character, or -1 when s holds no complete sentence yet.
// The boundary predicate is pluggable so languages without western sentence
// markers can supply their own.
type BoundaryFunc func(s string) int

// DefaultBoundary returns the index of the first '.', '!', or '?' character
// that is immediately followed by a whitespace character (' ', '\n', '\r',
// or '\t'). Returns -1 if no such boundary exists in s.
func DefaultBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

// Chunker buffers a streaming LLM text output and cuts it into sentence-sized
// pieces for TTS. Complete sentences are flushed eagerly for lower
// first-audio latency; the trailing partial is flushed on stream end. Empty
// sentences are never emitted.
//
// Not safe for concurrent use; a single pipeline goroutine feeds it.
type Chunker struct {
	boundary BoundaryFunc
	buf      strings.Builder
}

// NewChunker creates a chunker. A nil boundary falls back to
// [DefaultBoundary].
func NewChunker(boundary BoundaryFunc) *Chunker {
	if boundary == nil {
		boundary = DefaultBoundary
	}
	return &Chunker{boundary: boundary}
}

// Feed appends text to the buffer and returns all sentences completed by it,
// in order. The returned slice is nil when no sentence closed.
func (c *Chunker) Feed(text string) []string {
	if text != "" {
		c.buf.WriteString(text)
	}

	var out []string
	for {
		idx := c.boundary(c.buf.String())
		if idx < 0 {
			break
		}
		sentence := c.buf.String()[:idx+1]
		rest := c.buf.String()[idx+1:]
		c.buf.Reset()
		c.buf.WriteString(strings.TrimLeft(rest, " \t\n\r"))
		if s := strings.TrimSpace(sentence); s != "" {
			out = append(out, sentence)
		}
	}
	return out
}

// Flush returns the remaining partial sentence, if any, and resets the
// buffer. Whitespace-only remainders are discarded.
func (c *Chunker) Flush() (string, bool) {
	rest := c.buf.String()
	c.buf.Reset()
	if strings.TrimSpace(rest) == "" {
		return "", false
	}
	return rest, true
}
