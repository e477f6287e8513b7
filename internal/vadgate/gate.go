// Package vadgate turns frame-level VAD scores into speech-start and
// speech-end edges.
//
// The gate sits between the audio pipeline and the turn machinery. It feeds
// each incoming PCM frame to a [vad.SessionHandle], debounces the raw
// per-frame probabilities, and emits an edge event when speech begins or
// ends. Pre-speech pad frames are retained in a ring so the captured
// utterance includes the first syllables that arrived before the trigger.
package vadgate

import (
	"fmt"
	"time"

	"github.com/llmrtc/llmrtc/pkg/provider/vad"
)

// Params tune the edge detection.
type Params struct {
	// PositiveThreshold is the probability at or above which a frame counts
	// toward entering "speech".
	PositiveThreshold float64

	// NegativeThreshold is the probability below which a frame counts toward
	// exiting "speech".
	NegativeThreshold float64

	// MinSpeechFrames is the number of consecutive positive frames required
	// before speech-start is asserted.
	MinSpeechFrames int

	// RedemptionFrames is the number of consecutive sub-threshold frames
	// tolerated before speech-end is asserted.
	RedemptionFrames int

	// PreSpeechPadFrames is the number of frames retained before the trigger
	// and prepended to the captured audio.
	PreSpeechPadFrames int
}

// DefaultParams returns the stock tuning for 10 ms frames.
func DefaultParams() Params {
	return Params{
		PositiveThreshold:  0.5,
		NegativeThreshold:  0.35,
		MinSpeechFrames:    5,
		RedemptionFrames:   50,
		PreSpeechPadFrames: 10,
	}
}

// EventKind discriminates gate events.
type EventKind int

const (
	// SpeechStart is emitted once when speech is asserted.
	SpeechStart EventKind = iota + 1

	// SpeechEnd is emitted once when speech ends. The event carries the full
	// captured utterance.
	SpeechEnd
)

// Event is a speech edge produced by the gate.
type Event struct {
	Kind EventKind

	// Audio is the captured utterance, pre-speech pad included. Only set on
	// SpeechEnd.
	Audio []byte

	// Duration is the length of the captured audio. Only set on SpeechEnd.
	Duration time.Duration
}

// gate states
const (
	stateIdle = iota
	statePending
	stateSpeaking
)

// Gate is the per-stream edge detector. Not safe for concurrent use; the
// audio pipeline feeds it from a single goroutine.
type Gate struct {
	sess     vad.SessionHandle
	params   Params
	frameDur time.Duration

	state   int
	ring    [][]byte // pre-speech pad, oldest first
	pending [][]byte // frames accumulated while debouncing
	capture [][]byte // frames of the active utterance
	posRun  int
	silence int
}

// New creates a gate around an open detector session. frameSizeMs must match
// the frames pushed into the gate.
func New(sess vad.SessionHandle, params Params, frameSizeMs int) (*Gate, error) {
	if sess == nil {
		return nil, fmt.Errorf("vadgate: detector session must not be nil")
	}
	if frameSizeMs <= 0 {
		return nil, fmt.Errorf("vadgate: frameSizeMs must be positive, got %d", frameSizeMs)
	}
	if params.PositiveThreshold < params.NegativeThreshold {
		return nil, fmt.Errorf("vadgate: positive threshold %.2f below negative threshold %.2f",
			params.PositiveThreshold, params.NegativeThreshold)
	}
	if params.MinSpeechFrames < 1 {
		params.MinSpeechFrames = 1
	}
	if params.RedemptionFrames < 1 {
		params.RedemptionFrames = 1
	}
	return &Gate{
		sess:     sess,
		params:   params,
		frameDur: time.Duration(frameSizeMs) * time.Millisecond,
		state:    stateIdle,
	}, nil
}

// Push scores one frame and advances the state machine. It returns a non-nil
// Event on a speech edge and nil otherwise.
func (g *Gate) Push(frame []byte) (*Event, error) {
	score, err := g.sess.Score(frame)
	if err != nil {
		return nil, fmt.Errorf("vadgate: score frame: %w", err)
	}

	cp := make([]byte, len(frame))
	copy(cp, frame)

	switch g.state {
	case stateIdle:
		if score >= g.params.PositiveThreshold {
			g.pending = append(g.pending, cp)
			g.posRun = 1
			g.state = statePending
			if g.posRun >= g.params.MinSpeechFrames {
				return g.assertSpeech(), nil
			}
			return nil, nil
		}
		g.pad(cp)
		return nil, nil

	case statePending:
		if score < g.params.PositiveThreshold {
			// Debounce failed; the pending frames become pad history.
			for _, f := range g.pending {
				g.pad(f)
			}
			g.pad(cp)
			g.pending = nil
			g.posRun = 0
			g.state = stateIdle
			return nil, nil
		}
		g.pending = append(g.pending, cp)
		g.posRun++
		if g.posRun >= g.params.MinSpeechFrames {
			return g.assertSpeech(), nil
		}
		return nil, nil

	case stateSpeaking:
		g.capture = append(g.capture, cp)
		if score < g.params.NegativeThreshold {
			g.silence++
			if g.silence >= g.params.RedemptionFrames {
				return g.assertEnd(), nil
			}
		} else {
			g.silence = 0
		}
		return nil, nil
	}
	return nil, fmt.Errorf("vadgate: invalid state %d", g.state)
}

// assertSpeech moves pad + pending frames into the capture and emits
// SpeechStart.
func (g *Gate) assertSpeech() *Event {
	g.capture = g.capture[:0]
	g.capture = append(g.capture, g.ring...)
	g.capture = append(g.capture, g.pending...)
	g.ring = nil
	g.pending = nil
	g.posRun = 0
	g.silence = 0
	g.state = stateSpeaking
	return &Event{Kind: SpeechStart}
}

// assertEnd flattens the capture and emits SpeechEnd.
func (g *Gate) assertEnd() *Event {
	total := 0
	for _, f := range g.capture {
		total += len(f)
	}
	audio := make([]byte, 0, total)
	for _, f := range g.capture {
		audio = append(audio, f...)
	}
	dur := time.Duration(len(g.capture)) * g.frameDur

	g.capture = nil
	g.silence = 0
	g.state = stateIdle
	return &Event{Kind: SpeechEnd, Audio: audio, Duration: dur}
}

// pad appends a frame to the pre-speech ring, evicting the oldest when full.
func (g *Gate) pad(frame []byte) {
	if g.params.PreSpeechPadFrames <= 0 {
		return
	}
	g.ring = append(g.ring, frame)
	if len(g.ring) > g.params.PreSpeechPadFrames {
		g.ring = g.ring[len(g.ring)-g.params.PreSpeechPadFrames:]
	}
}

// Flush forces the end of an active utterance without waiting for the
// redemption window, returning the SpeechEnd event. It returns nil when no
// speech is being captured.
func (g *Gate) Flush() *Event {
	if g.state != stateSpeaking {
		return nil
	}
	return g.assertEnd()
}

// Reset drops all buffered state and resets the detector session.
func (g *Gate) Reset() {
	g.sess.Reset()
	g.ring = nil
	g.pending = nil
	g.capture = nil
	g.posRun = 0
	g.silence = 0
	g.state = stateIdle
}
