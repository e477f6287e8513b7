// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., Deepgram, a local
// Whisper server, or OpenAI's transcription API) behind a uniform contract.
// The orchestrator hands the provider one finished utterance — the PCM bytes
// captured between a speech-start and speech-end edge — and receives a
// [types.Transcript] back. Providers that can produce interim results
// implement the optional [Streamer] interface, which the orchestrator
// discovers by type assertion.
//
// Implementations must be safe for concurrent use; multiple sessions may
// transcribe simultaneously.
package stt

import (
	"context"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// Config describes the audio format and recognition hints for a
// transcription call.
type Config struct {
	// SampleRate is the audio sample rate in Hz. The core delivers 16000.
	SampleRate int

	// Channels is the number of audio channels. The core delivers mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// Empty lets the provider auto-detect, if supported.
	Language string
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts one complete utterance of raw 16-bit little-endian
	// PCM into a final transcript. The returned transcript always has
	// IsFinal set.
	//
	// Returns an error if transcription fails or ctx is cancelled.
	Transcribe(ctx context.Context, audio []byte, cfg Config) (types.Transcript, error)
}

// Streamer is the optional streaming capability of a [Provider].
type Streamer interface {
	Provider

	// TranscribeStream converts one complete utterance into a finite stream
	// of transcripts: zero or more partials (IsFinal=false) followed by
	// exactly one final (IsFinal=true). The channel is closed by the
	// implementation after the final transcript or when ctx is cancelled.
	// Callers must drain the channel.
	TranscribeStream(ctx context.Context, audio []byte, cfg Config) (<-chan types.Transcript, error)
}
