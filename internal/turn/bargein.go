package turn

import (
	"sync"
)

// Arbiter cancels the active turn when the user starts speaking over it.
//
// The session registers each turn before running it and clears it after; the
// VAD gate's speech-start edge calls Interrupt. Cancellation is honored in
// every phase: pre-TTS phases abandon their provider calls, and a turn in or
// past TTS finalizes with a single tts-cancelled event.
type Arbiter struct {
	mu     sync.Mutex
	active *Context
}

// SetActive registers tc as the turn that speech-start would cancel.
func (a *Arbiter) SetActive(tc *Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = tc
}

// ClearActive unregisters tc. A different registered turn is left alone, so
// a late clear from a finished turn cannot unregister its successor.
func (a *Arbiter) ClearActive(tc *Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == tc {
		a.active = nil
	}
}

// Interrupt cancels the active turn with [ErrBargeIn], if there is one.
// It reports whether a turn was cancelled. After an interrupt the new speech
// segment opens a fresh turn.
func (a *Arbiter) Interrupt() bool {
	a.mu.Lock()
	tc := a.active
	a.active = nil
	a.mu.Unlock()

	if tc == nil || tc.Cancelled() {
		return false
	}
	tc.Cancel(ErrBargeIn)
	return true
}
