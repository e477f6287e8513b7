// Package mock provides a test double for the tts.Provider and tts.Streamer
// interfaces.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/llmrtc/llmrtc/pkg/provider/tts"
)

// SpeakCall records a single invocation of Speak or SpeakStream.
type SpeakCall struct {
	// Text is the sentence passed in.
	Text string
	// Cfg is the configuration passed in.
	Cfg tts.Config
	// Streaming is true when the call came through SpeakStream.
	Streaming bool
}

// Provider is a mock implementation of tts.Streamer (and therefore
// tts.Provider).
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SpeakAudio is returned by Speak.
	SpeakAudio tts.Audio

	// StreamChunks is the sequence of raw audio chunks emitted on the channel
	// returned by SpeakStream.
	StreamChunks [][]byte

	// Err, if non-nil, is returned from both methods.
	Err error

	// ChunkDelay, when non-zero, is slept before each stream chunk. Useful
	// for barge-in and cancellation tests.
	ChunkDelay time.Duration

	// --- Call records (read after test) ---

	// Calls records every invocation in order.
	Calls []SpeakCall
}

// Speak records the call and returns SpeakAudio, Err.
func (p *Provider) Speak(ctx context.Context, text string, cfg tts.Config) (tts.Audio, error) {
	p.record(text, cfg, false)
	if p.Err != nil {
		return tts.Audio{}, p.Err
	}
	if err := ctx.Err(); err != nil {
		return tts.Audio{}, err
	}
	return p.SpeakAudio, nil
}

// SpeakStream records the call and returns a channel emitting StreamChunks.
func (p *Provider) SpeakStream(ctx context.Context, text string, cfg tts.Config) (<-chan []byte, error) {
	p.record(text, cfg, true)
	if p.Err != nil {
		return nil, p.Err
	}

	p.mu.Lock()
	chunks := make([][]byte, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	delay := p.ChunkDelay
	p.mu.Unlock()

	ch := make(chan []byte, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

func (p *Provider) record(text string, cfg tts.Config, streaming bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, SpeakCall{Text: text, Cfg: cfg, Streaming: streaming})
}

// SpokenSentences returns the Text of every recorded call, in order.
func (p *Provider) SpokenSentences() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Text
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements tts.Streamer at compile time.
var _ tts.Streamer = (*Provider)(nil)
