// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs, Piper,
// or OpenAI's audio API) and presents a uniform per-sentence contract. The
// orchestrator's sentence chunker closes one sentence at a time and calls
// the provider once per sentence; providers that can stream audio as it is
// synthesised implement the optional [Streamer] interface for lower
// first-audio latency.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// Config selects the voice and output format for synthesis.
type Config struct {
	// Voice is the provider-specific voice identifier.
	Voice string

	// Format is the requested output encoding. Providers that cannot honour
	// the request return their native format in [Audio.Format]; the
	// transport decides whether to re-encode or pass through.
	Format types.AudioFormat

	// SampleRate is the requested output sample rate in Hz. Zero means the
	// provider default (24000 for PCM).
	SampleRate int

	// Speed adjusts the speaking rate (0.5–2.0, 1.0 = default). Zero means
	// default.
	Speed float64
}

// Audio is a complete synthesised utterance.
type Audio struct {
	// Data is the encoded audio payload.
	Data []byte

	// Format is the actual encoding of Data.
	Format types.AudioFormat

	// SampleRate is the actual sample rate of Data, when applicable.
	SampleRate int
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Speak synthesises one sentence and returns the complete audio.
	// Returns an error if synthesis fails or ctx is cancelled.
	Speak(ctx context.Context, text string, cfg Config) (Audio, error)
}

// Streamer is the optional streaming capability of a [Provider].
type Streamer interface {
	Provider

	// SpeakStream synthesises one sentence and returns a read-only channel
	// that emits raw audio chunks of the declared format as they become
	// available. The channel is closed by the implementation when synthesis
	// completes or ctx is cancelled; callers must drain it to avoid blocking
	// the provider's internal goroutines.
	SpeakStream(ctx context.Context, text string, cfg Config) (<-chan []byte, error)
}
