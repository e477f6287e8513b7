// Package server binds the wire protocol to sessions: it accepts WebSocket
// connections, decodes envelopes from the text channel, feeds binary PCM
// frames through the VAD gate, launches turns, and forwards turn events back
// to the client.
//
// One goroutine per connection owns the read loop; turn events are forwarded
// by the turn's own goroutine through a write mutex. Audio flows downstream
// as raw binary messages, everything else as JSON envelopes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/llmrtc/llmrtc/internal/hooks"
	"github.com/llmrtc/llmrtc/internal/protocol"
	"github.com/llmrtc/llmrtc/internal/session"
	"github.com/llmrtc/llmrtc/internal/turn"
	"github.com/llmrtc/llmrtc/internal/vadgate"
	"github.com/llmrtc/llmrtc/pkg/provider/vad"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// TurnRunner executes one turn and streams its events. Both the single-prompt
// orchestrator and the playbook engine satisfy it.
type TurnRunner interface {
	RunTurnStream(tc *turn.Context, h turn.History, audio []byte, attachments []types.Attachment) <-chan turn.Event
}

// RunnerFactory builds the turn runner for one session. Single-prompt
// deployments return a shared orchestrator; playbook deployments build a
// per-session engine carrying its own stage state.
type RunnerFactory func() (TurnRunner, error)

// Config tunes the server.
type Config struct {
	// ListenAddr is the TCP address to listen on.
	ListenAddr string

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string
	TLSKeyFile  string

	// ICEServers are announced to clients in the ready message.
	ICEServers []protocol.ICEServer

	// VADParams tunes the per-connection speech gate.
	VADParams vadgate.Params

	// SampleRate and FrameSizeMs describe the inbound PCM frames. Zero
	// values pick 16000 Hz and 10 ms.
	SampleRate  int
	FrameSizeMs int

	// ShutdownTimeout bounds graceful shutdown. Zero means 15s.
	ShutdownTimeout time.Duration
}

// Server accepts client connections and runs the per-connection protocol.
type Server struct {
	cfg      Config
	manager  *session.Manager
	detector vad.Detector
	factory  RunnerFactory

	codec      protocol.Codec
	dispatcher *hooks.Dispatcher
	logger     *slog.Logger

	httpSrv *http.Server
}

// Option is a functional option for the server.
type Option func(*Server)

// WithDispatcher sets the hook/metrics dispatcher.
func WithDispatcher(d *hooks.Dispatcher) Option {
	return func(s *Server) {
		s.dispatcher = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithStrictProtocol makes the codec fail on unknown inbound message types
// instead of skipping them.
func WithStrictProtocol() Option {
	return func(s *Server) {
		s.codec.Strict = true
	}
}

// New creates a server. manager, detector, and factory are required.
func New(cfg Config, manager *session.Manager, detector vad.Detector, factory RunnerFactory, opts ...Option) (*Server, error) {
	if manager == nil || detector == nil || factory == nil {
		return nil, fmt.Errorf("server: manager, detector, and runner factory are all required")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = types.InputSampleRate
	}
	if cfg.FrameSizeMs <= 0 {
		cfg.FrameSizeMs = 10
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	s := &Server{
		cfg:      cfg,
		manager:  manager,
		detector: detector,
		factory:  factory,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Handler returns the HTTP handler serving the websocket endpoint, the
// liveness probe, and the Prometheus scrape endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully: the
// listener stops, then every live session is closed.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
			err = s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen on %s: %w", s.cfg.ListenAddr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	err := s.httpSrv.Shutdown(shutdownCtx)
	s.manager.Shutdown()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// healthz is the liveness probe. It reports the live session count for
// dashboard-style introspection.
func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.manager.Len(),
	})
}
