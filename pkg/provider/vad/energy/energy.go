// Package energy provides a dependency-free VAD detector based on
// short-term signal energy.
//
// Each frame is scored by its root-mean-square amplitude relative to a
// reference level: silence scores near 0, speech-level audio near 1, with a
// smooth transition around the reference. It is not a substitute for a
// model-based detector in noisy environments, but it runs anywhere and is
// the stock choice for development and tests.
package energy

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/llmrtc/llmrtc/pkg/provider/vad"
)

// DefaultReferenceRMS is the RMS amplitude (in 16-bit PCM units) that scores
// 0.5. Quiet rooms sit well below it, normal speech well above.
const DefaultReferenceRMS = 500.0

// Detector implements vad.Detector.
type Detector struct {
	reference float64
}

// Option is a functional option for Detector.
type Option func(*Detector)

// WithReferenceRMS sets the RMS amplitude that maps to a 0.5 score.
func WithReferenceRMS(rms float64) Option {
	return func(d *Detector) {
		d.reference = rms
	}
}

// New creates an energy detector.
func New(opts ...Option) *Detector {
	d := &Detector{reference: DefaultReferenceRMS}
	for _, o := range opts {
		o(d)
	}
	return d
}

// NewSession implements vad.Detector.
func (d *Detector) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: frame size must be positive, got %d ms", cfg.FrameSizeMs)
	}
	return &session{
		reference:  d.reference,
		frameBytes: cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
	}, nil
}

// session scores frames for one audio stream. The detector is stateless per
// frame, so Reset has nothing to clear.
type session struct {
	reference  float64
	frameBytes int
}

// Score implements vad.SessionHandle. The score is rms/(rms+reference),
// which is 0 at silence, 0.5 at the reference level, and approaches 1 for
// loud frames.
func (s *session) Score(frame []byte) (float64, error) {
	if len(frame) != s.frameBytes {
		return 0, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	n := len(frame) / 2
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(frame[i*2 : i*2+2])))
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(n))

	return rms / (rms + s.reference), nil
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {}

// Close implements vad.SessionHandle.
func (s *session) Close() error { return nil }

var _ vad.Detector = (*Detector)(nil)
