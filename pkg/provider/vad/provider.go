// Package vad defines the Detector interface for Voice Activity Detection
// backends.
//
// A VAD detector wraps a frame-level speech model (e.g., Silero VAD) and
// surfaces it as a stateful, per-stream session that scores each audio frame
// with a speech probability. The edge semantics — debounce, redemption
// frames, pre-speech padding — live above the detector in the VAD gate; the
// detector itself only answers "how speech-like is this frame".
//
// VAD is synchronous by design: Score returns immediately, making it
// suitable for the low-latency pipeline stage that gates STT input.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety.
package vad

// Config holds the parameters for a detector session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the PCM frames
	// passed to Score. The core delivers 16000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds. Most
	// VAD models operate on fixed frame sizes (e.g., 10, 20, or 30 ms).
	// Score returns an error if the supplied frame does not match.
	FrameSizeMs int
}

// SessionHandle represents an active detector session for a single audio
// stream. It is an interface so that test code can supply mock
// implementations without a live model.
type SessionHandle interface {
	// Score analyses a single frame of raw 16-bit little-endian PCM and
	// returns its speech probability in [0.0, 1.0]. Returns an error if the
	// frame size is wrong or the model fails internally.
	//
	// Score is called synchronously in the audio pipeline loop; it must not
	// block.
	Score(frame []byte) (float64, error)

	// Reset clears all accumulated detection state without closing the
	// session. Use when the audio stream is interrupted or restarted.
	Reset()

	// Close releases all resources associated with the session. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Detector is the factory for VAD sessions, implemented by each backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Detector interface {
	// NewSession creates a new detector session with the given configuration.
	// Returns an error if the configuration is invalid or resources cannot
	// be allocated.
	NewSession(cfg Config) (SessionHandle, error)
}
