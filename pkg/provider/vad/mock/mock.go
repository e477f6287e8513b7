// Package mock provides a test double for the vad.Detector interface.
package mock

import (
	"sync"

	"github.com/llmrtc/llmrtc/pkg/provider/vad"
)

// Detector is a mock implementation of vad.Detector. Each session it creates
// replays the scripted Scores sequence, repeating the last score once the
// script runs out.
type Detector struct {
	mu sync.Mutex

	// Scores is the per-frame probability script shared by all sessions
	// created from this detector. Empty means every frame scores 0.
	Scores []float64

	// NewSessionErr, if non-nil, is returned from NewSession.
	NewSessionErr error

	// Sessions records every session created, in order.
	Sessions []*Session
}

// NewSession creates a scripted session.
func (d *Detector) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.NewSessionErr != nil {
		return nil, d.NewSessionErr
	}
	scores := make([]float64, len(d.Scores))
	copy(scores, d.Scores)
	s := &Session{cfg: cfg, scores: scores}
	d.Sessions = append(d.Sessions, s)
	return s, nil
}

// Session is a scripted vad.SessionHandle.
type Session struct {
	mu     sync.Mutex
	cfg    vad.Config
	scores []float64
	pos    int

	// ScoreErr, if non-nil, is returned from Score.
	ScoreErr error

	// Frames records every frame passed to Score.
	Frames [][]byte

	// Resets counts Reset calls.
	Resets int

	// Closed is true after Close.
	Closed bool
}

// Score returns the next scripted probability.
func (s *Session) Score(frame []byte) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.Frames = append(s.Frames, cp)
	if s.ScoreErr != nil {
		return 0, s.ScoreErr
	}
	if len(s.scores) == 0 {
		return 0, nil
	}
	idx := s.pos
	if idx >= len(s.scores) {
		idx = len(s.scores) - 1
	}
	s.pos++
	return s.scores[idx], nil
}

// Reset rewinds the script to the beginning.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = 0
	s.Resets++
}

// Close marks the session closed. Safe to call repeatedly.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// Ensure the mocks satisfy the contracts at compile time.
var (
	_ vad.Detector      = (*Detector)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)
