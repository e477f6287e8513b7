package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llmrtc/llmrtc/internal/turn"
)

// State is the session lifecycle state.
type State string

const (
	StateCreated      State = "created"
	StateActive       State = "active"
	StateProcessing   State = "processing"
	StateReconnecting State = "reconnecting"
	StateExpired      State = "expired"
)

// Transport is the attached connection, owned by the server layer. The
// session only needs to evict it; all sending goes through the server.
type Transport interface {
	Close() error
}

// ErrTurnInProgress is returned when a second turn is started while one is
// already running. The caller decides whether to barge in first.
var ErrTurnInProgress = fmt.Errorf("session: a turn is already in progress")

// ErrExpired is returned for operations on an expired session.
var ErrExpired = fmt.Errorf("session: expired")

// Session is one conversation: identity, lifecycle state, the attached
// transport, the bounded history, and the single active turn slot.
type Session struct {
	id        string
	createdAt time.Time

	mu           sync.Mutex
	state        State
	transport    Transport
	lastActivity time.Time
	history      *History
	activeTurn   *turn.Context
	runner       any
	closers      []func()
}

// newSession creates a session in the Created state.
func newSession(historyLimit int) *Session {
	now := time.Now()
	return &Session{
		id:           uuid.NewString(),
		createdAt:    now,
		lastActivity: now,
		state:        StateCreated,
		history:      NewHistory(historyLimit),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the creation timestamp.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// History returns the session's conversation history.
func (s *Session) History() *History { return s.history }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Attach connects a transport, evicting and closing any prior one. At most
// one transport is attached at a time.
func (s *Session) Attach(t Transport) error {
	s.mu.Lock()
	if s.state == StateExpired {
		s.mu.Unlock()
		return ErrExpired
	}
	prior := s.transport
	s.transport = t
	s.state = StateActive
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if prior != nil && prior != t {
		prior.Close()
	}
	return nil
}

// Detach drops the transport reference and enters Reconnecting. The grace
// timer is the manager's concern.
func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateExpired {
		return
	}
	s.transport = nil
	s.state = StateReconnecting
	s.lastActivity = time.Now()
}

// Transport returns the currently attached transport, or nil.
func (s *Session) Transport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// SetRunner stashes the session's turn pipeline. The session stores it
// opaquely; the server layer owns the concrete type. Stashing it here is what
// lets a reconnect resume the same pipeline, playbook stage included, instead
// of starting over at a fresh one.
func (s *Session) SetRunner(r any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runner = r
}

// Runner returns the stashed turn pipeline, or nil.
func (s *Session) Runner() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runner
}

// BeginTurn claims the single turn slot and enters Processing. It fails
// while another turn is active; barge-in must cancel the prior turn first.
func (s *Session) BeginTurn(tc *turn.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateExpired {
		return ErrExpired
	}
	if s.activeTurn != nil && !s.activeTurn.Cancelled() {
		return ErrTurnInProgress
	}
	s.activeTurn = tc
	s.state = StateProcessing
	s.lastActivity = time.Now()
	return nil
}

// EndTurn releases the turn slot if tc still owns it and truncates the
// history to its limit.
func (s *Session) EndTurn(tc *turn.Context) {
	s.mu.Lock()
	if s.activeTurn == tc {
		s.activeTurn = nil
		if s.state == StateProcessing {
			s.state = StateActive
		}
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.history.Truncate()
}

// ActiveTurn returns the running turn context, or nil.
func (s *Session) ActiveTurn() *turn.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTurn
}

// AddCloser registers a cleanup function run on session close. Closers run
// in LIFO order of registration.
func (s *Session) AddCloser(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, fn)
}

// expire cancels the active turn, closes the transport, runs the closers in
// LIFO order, and enters the terminal Expired state. Idempotent.
func (s *Session) expire() {
	s.mu.Lock()
	if s.state == StateExpired {
		s.mu.Unlock()
		return
	}
	s.state = StateExpired
	tc := s.activeTurn
	s.activeTurn = nil
	t := s.transport
	s.transport = nil
	s.runner = nil
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	if tc != nil {
		tc.Cancel(ErrExpired)
	}
	if t != nil {
		t.Close()
	}
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}
