// Package mock provides a test double for the stt.Provider and stt.Streamer
// interfaces.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/llmrtc/llmrtc/pkg/provider/stt"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// TranscribeCall records a single invocation of Transcribe or
// TranscribeStream.
type TranscribeCall struct {
	// Audio is the PCM payload passed in.
	Audio []byte
	// Cfg is the configuration passed in.
	Cfg stt.Config
	// Streaming is true when the call came through TranscribeStream.
	Streaming bool
}

// Provider is a mock implementation of stt.Streamer (and therefore
// stt.Provider).
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Transcript is the final transcript returned by Transcribe and emitted
	// last by TranscribeStream. IsFinal is forced to true on return.
	Transcript types.Transcript

	// Partials are the interim transcripts emitted by TranscribeStream
	// before the final. IsFinal is forced to false on each.
	Partials []types.Transcript

	// Err, if non-nil, is returned from both methods.
	Err error

	// Delay, when non-zero, is slept before returning or before the final
	// transcript is emitted. Useful for timeout tests.
	Delay time.Duration

	// --- Call records (read after test) ---

	// Calls records every invocation in order.
	Calls []TranscribeCall
}

// Transcribe records the call and returns Transcript, Err.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, cfg stt.Config) (types.Transcript, error) {
	p.record(audio, cfg, false)
	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return types.Transcript{}, ctx.Err()
		case <-time.After(p.Delay):
		}
	}
	if p.Err != nil {
		return types.Transcript{}, p.Err
	}
	t := p.Transcript
	t.IsFinal = true
	return t, nil
}

// TranscribeStream records the call and returns a channel emitting Partials
// followed by the final Transcript.
func (p *Provider) TranscribeStream(ctx context.Context, audio []byte, cfg stt.Config) (<-chan types.Transcript, error) {
	p.record(audio, cfg, true)
	if p.Err != nil {
		return nil, p.Err
	}

	p.mu.Lock()
	partials := make([]types.Transcript, len(p.Partials))
	copy(partials, p.Partials)
	final := p.Transcript
	delay := p.Delay
	p.mu.Unlock()

	ch := make(chan types.Transcript, len(partials)+1)
	go func() {
		defer close(ch)
		for _, t := range partials {
			t.IsFinal = false
			select {
			case <-ctx.Done():
				return
			case ch <- t:
			}
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		final.IsFinal = true
		select {
		case <-ctx.Done():
		case ch <- final:
		}
	}()
	return ch, nil
}

func (p *Provider) record(audio []byte, cfg stt.Config, streaming bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(audio))
	copy(cp, audio)
	p.Calls = append(p.Calls, TranscribeCall{Audio: cp, Cfg: cfg, Streaming: streaming})
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements stt.Streamer at compile time.
var _ stt.Streamer = (*Provider)(nil)

// Basic is a Transcribe-only variant for exercising the orchestrator's
// non-streaming fallback path.
type Basic struct {
	Provider
}

// Ensure Basic (embedding notwithstanding) is used through stt.Provider only
// in tests that need the fallback; it still satisfies stt.Provider.
var _ stt.Provider = (*Basic)(nil)
