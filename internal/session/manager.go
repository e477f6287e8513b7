package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/llmrtc/llmrtc/internal/hooks"
)

// DefaultGraceWindow is how long a detached session survives awaiting a
// reconnect.
const DefaultGraceWindow = 60 * time.Second

// ManagerConfig tunes the manager.
type ManagerConfig struct {
	// GraceWindow is the reconnect window after transport detach. Zero
	// means DefaultGraceWindow.
	GraceWindow time.Duration

	// HistoryLimit bounds each session's history. Zero picks the
	// single-prompt default.
	HistoryLimit int
}

// Manager tracks live sessions. It owns the grace timers that expire
// detached sessions and the connections-active gauge.
type Manager struct {
	cfg        ManagerConfig
	dispatcher *hooks.Dispatcher
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	timers   map[string]*time.Timer
}

// NewManager creates an empty manager.
func NewManager(cfg ManagerConfig, dispatcher *hooks.Dispatcher, logger *slog.Logger) *Manager {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
		sessions:   make(map[string]*Session),
		timers:     make(map[string]*time.Timer),
	}
}

// Open creates a fresh session and attaches t.
func (m *Manager) Open(t Transport) *Session {
	s := newSession(m.cfg.HistoryLimit)
	s.Attach(t)

	m.mu.Lock()
	m.sessions[s.ID()] = s
	count := len(m.sessions)
	m.mu.Unlock()

	m.dispatcher.Connection(s.ID())
	m.dispatcher.Sink().Gauge(hooks.MetricConnectionsAlive, float64(count), nil)
	m.logger.Info("session opened", "session", s.ID())
	return s
}

// Reconnect re-attaches t to the prior session when it is still within the
// grace window. Otherwise a fresh session is opened and recovered is false.
func (m *Manager) Reconnect(t Transport, priorID string) (s *Session, recovered bool) {
	m.mu.Lock()
	prior, ok := m.sessions[priorID]
	if ok {
		if timer, armed := m.timers[priorID]; armed {
			timer.Stop()
			delete(m.timers, priorID)
		}
	}
	m.mu.Unlock()

	if ok && prior.State() != StateExpired {
		if err := prior.Attach(t); err == nil {
			m.logger.Info("session reconnected", "session", priorID)
			m.dispatcher.Connection(priorID)
			return prior, true
		}
	}

	m.logger.Info("reconnect missed grace window, opening fresh session", "prior", priorID)
	return m.Open(t), false
}

// Detach marks the session Reconnecting and arms the grace timer. The
// session expires when the timer fires before a reconnect.
func (m *Manager) Detach(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if timer, armed := m.timers[id]; armed {
		timer.Stop()
	}
	m.timers[id] = time.AfterFunc(m.cfg.GraceWindow, func() {
		m.logger.Info("grace window elapsed", "session", id)
		m.Close(id)
	})
	m.mu.Unlock()

	s.Detach()
	m.dispatcher.Disconnect(id)
	m.logger.Info("session detached", "session", id, "grace", m.cfg.GraceWindow)
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close expires the session and removes it. Safe to call twice.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	if timer, armed := m.timers[id]; armed {
		timer.Stop()
		delete(m.timers, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return
	}
	s.expire()
	m.dispatcher.Disconnect(id)
	m.dispatcher.Sink().Gauge(hooks.MetricConnectionsAlive, float64(count), nil)
	m.logger.Info("session closed", "session", id)
}

// Shutdown closes every session, used at server stop.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
