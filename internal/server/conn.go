package server

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/llmrtc/llmrtc/internal/protocol"
	"github.com/llmrtc/llmrtc/internal/session"
	"github.com/llmrtc/llmrtc/internal/turn"
	"github.com/llmrtc/llmrtc/internal/vadgate"
	"github.com/llmrtc/llmrtc/pkg/provider/vad"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// wsTransport adapts a websocket connection to session.Transport so the
// session layer can evict it without knowing about websockets.
type wsTransport struct {
	ws *websocket.Conn
}

func (t *wsTransport) Close() error {
	return t.ws.Close(websocket.StatusGoingAway, "session closed")
}

// conn is the per-connection protocol state. The read loop goroutine owns
// the gate and the inbound dispatch; turn goroutines share the write side
// through writeMu.
type conn struct {
	srv  *Server
	ws   *websocket.Conn
	sess *session.Session

	runner  TurnRunner
	gate    *vadgate.Gate
	arbiter turn.Arbiter

	// prevTurn is closed when the previous turn's forwarding goroutine
	// exits. Owned by the read loop goroutine.
	prevTurn chan struct{}

	writeMu sync.Mutex

	mu          sync.Mutex
	attachments []types.Attachment
}

// handleWS upgrades the request and runs the connection until the client
// goes away. A fresh session is opened eagerly; a subsequent reconnect
// envelope swaps it for the prior one.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "err", err)
		return
	}

	runner, err := s.factory()
	if err != nil {
		s.logger.Error("runner construction failed", "err", err)
		ws.Close(websocket.StatusInternalError, "runner unavailable")
		return
	}

	gateSess, err := s.detector.NewSession(vad.Config{
		SampleRate:  s.cfg.SampleRate,
		FrameSizeMs: s.cfg.FrameSizeMs,
	})
	if err != nil {
		s.logger.Error("vad session failed", "err", err)
		ws.Close(websocket.StatusInternalError, "vad unavailable")
		return
	}
	gate, err := vadgate.New(gateSess, s.cfg.VADParams, s.cfg.FrameSizeMs)
	if err != nil {
		s.logger.Error("vad gate failed", "err", err)
		gateSess.Close()
		ws.Close(websocket.StatusInternalError, "vad unavailable")
		return
	}

	c := &conn{
		srv:    s,
		ws:     ws,
		runner: runner,
		gate:   gate,
	}
	c.sess = s.manager.Open(&wsTransport{ws: ws})
	c.sess.SetRunner(runner)
	c.sess.AddCloser(func() { gateSess.Close() })

	c.send(r.Context(), &protocol.Ready{
		SessionID:       c.sess.ID(),
		ProtocolVersion: protocol.Version,
		ICEServers:      s.cfg.ICEServers,
	})

	c.readLoop(r.Context())
}

// readLoop consumes inbound messages until the connection drops, then hands
// the session to the grace-window timer.
func (c *conn) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			// Normal closure and network drops both leave the session
			// recoverable until the grace window runs out.
			c.arbiter.Interrupt()
			c.srv.manager.Detach(c.sess.ID())
			return
		}
		c.sess.Touch()

		switch typ {
		case websocket.MessageText:
			c.handleEnvelope(ctx, data)
		case websocket.MessageBinary:
			c.handleFrame(ctx, data)
		}
	}
}

// ─── Inbound dispatch ────────────────────────────────────────────────────────

// handleEnvelope decodes one JSON envelope and dispatches it.
func (c *conn) handleEnvelope(ctx context.Context, data []byte) {
	msg, err := c.srv.codec.Decode(data)
	if err != nil {
		c.sendError(ctx, protocol.CodeInvalidMessage, err.Error(), turn.ComponentTransport, true)
		return
	}
	if msg == nil {
		return // unknown type, lenient mode
	}

	switch m := msg.(type) {
	case *protocol.Ping:
		c.send(ctx, &protocol.Pong{})

	case *protocol.Reconnect:
		c.handleReconnect(ctx, m.SessionID)

	case *protocol.Attachments:
		c.queueAttachments(m.Attachments)

	case *protocol.AudioStart:
		c.gate.Reset()

	case *protocol.AudioStop:
		c.flushGate(ctx)

	case *protocol.AudioProcess:
		c.flushGate(ctx)

	case *protocol.Audio:
		c.handleLegacyAudio(ctx, m.Data)

	default:
		// Server-to-client types echoed back are protocol violations.
		c.sendError(ctx, protocol.CodeInvalidMessage,
			"unexpected message type "+string(msg.MsgType()), turn.ComponentTransport, true)
	}
}

// handleReconnect swaps the eagerly opened session for the prior one when it
// is still within its grace window. The current transport must survive the
// swap, so the provisional session is detached by hand before being closed.
func (c *conn) handleReconnect(ctx context.Context, priorID string) {
	provisional := c.sess
	if provisional.ID() == priorID {
		c.send(ctx, &protocol.ReconnectAck{Success: true, HistoryRecovered: true, SessionID: priorID})
		return
	}

	provisional.Detach()
	c.srv.manager.Close(provisional.ID())

	sess, recovered := c.srv.manager.Reconnect(&wsTransport{ws: c.ws}, priorID)
	c.sess = sess

	// A recovered session resumes its own pipeline; the playbook stage and
	// any other per-session turn state live there, not on the connection.
	if r, ok := sess.Runner().(TurnRunner); ok && recovered {
		c.runner = r
	} else {
		sess.SetRunner(c.runner)
	}

	c.send(ctx, &protocol.ReconnectAck{
		Success:          recovered,
		HistoryRecovered: recovered,
		SessionID:        sess.ID(),
	})
	c.srv.logger.Info("reconnect handled",
		"prior", priorID, "session", sess.ID(), "recovered", recovered)
}

// queueAttachments stores vision attachments for the next speech segment.
func (c *conn) queueAttachments(atts []protocol.Attachment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range atts {
		c.attachments = append(c.attachments, types.Attachment{
			Data: a.Data,
			URL:  a.URL,
			MIME: a.MIME,
			Alt:  a.Alt,
		})
	}
}

// takeAttachments drains the queued attachments.
func (c *conn) takeAttachments() []types.Attachment {
	c.mu.Lock()
	defer c.mu.Unlock()
	atts := c.attachments
	c.attachments = nil
	return atts
}

// ─── Audio intake ────────────────────────────────────────────────────────────

// handleFrame feeds one PCM frame through the VAD gate and reacts to speech
// edges: speech-start barges in on the active turn, speech-end opens a new
// one.
func (c *conn) handleFrame(ctx context.Context, frame []byte) {
	ev, err := c.gate.Push(frame)
	if err != nil {
		c.sendError(ctx, protocol.CodeVADError, err.Error(), turn.ComponentVAD, true)
		return
	}
	if ev == nil {
		return
	}
	c.handleGateEvent(ctx, ev)
}

// flushGate forces the end of a buffered utterance, used for audio-stop and
// audio-process envelopes.
func (c *conn) flushGate(ctx context.Context) {
	if ev := c.gate.Flush(); ev != nil {
		c.handleGateEvent(ctx, ev)
	}
}

func (c *conn) handleGateEvent(ctx context.Context, ev *vadgate.Event) {
	switch ev.Kind {
	case vadgate.SpeechStart:
		c.srv.dispatcher.SpeechStart(c.sess.ID())
		c.send(ctx, &protocol.SpeechStart{})
		if c.arbiter.Interrupt() {
			c.srv.logger.Debug("barge-in", "session", c.sess.ID())
		}

	case vadgate.SpeechEnd:
		c.srv.dispatcher.SpeechEnd(c.sess.ID(), ev.Duration)
		c.send(ctx, &protocol.SpeechEnd{DurationMs: ev.Duration.Milliseconds()})
		c.startTurn(ctx, ev.Audio)
	}
}

// handleLegacyAudio processes a complete base64 WAV utterance delivered in a
// single envelope, for clients without a real-time audio channel.
func (c *conn) handleLegacyAudio(ctx context.Context, b64 string) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		c.sendError(ctx, protocol.CodeInvalidAudioFormat, "audio payload is not valid base64", turn.ComponentTransport, true)
		return
	}
	pcm, err := decodeWAV(raw)
	if err != nil {
		c.sendError(ctx, protocol.CodeInvalidAudioFormat, err.Error(), turn.ComponentTransport, true)
		return
	}
	c.startTurn(ctx, pcm)
}

// ─── Turn execution ──────────────────────────────────────────────────────────

// startTurn claims the session's turn slot and runs the pipeline in its own
// goroutine, forwarding every event to the client. A still-active prior turn
// is barged in on first.
func (c *conn) startTurn(ctx context.Context, audio []byte) {
	atts := c.takeAttachments()
	sess := c.sess

	tc := turn.NewContext(context.WithoutCancel(ctx), sess.ID())
	if err := sess.BeginTurn(tc); err != nil {
		if errors.Is(err, session.ErrTurnInProgress) {
			c.arbiter.Interrupt()
			err = sess.BeginTurn(tc)
		}
		if err != nil {
			c.sendError(ctx, protocol.CodeInternalError, err.Error(), turn.ComponentServer, errors.Is(err, session.ErrTurnInProgress))
			return
		}
	}
	c.arbiter.SetActive(tc)

	prev := c.prevTurn
	done := make(chan struct{})
	c.prevTurn = done
	runner := c.runner

	go func() {
		defer close(done)
		defer sess.EndTurn(tc)
		defer c.arbiter.ClearActive(tc)

		// A barged-in predecessor may still be flushing its terminal frames.
		// Wait it out so two turns never interleave on the wire.
		if prev != nil {
			<-prev
		}

		// Event forwarding outlives the inbound request context; only turn
		// cancellation or transport failure stops it.
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Minute)
		defer cancel()

		for ev := range runner.RunTurnStream(tc, sess.History(), audio, atts) {
			c.forward(sendCtx, ev)
		}
	}()
}

// forward maps one turn event onto the wire. Synthesized audio goes down the
// binary side-channel; everything else is a JSON envelope.
func (c *conn) forward(ctx context.Context, ev turn.Event) {
	if chunk, ok := ev.(turn.TTSChunkEvent); ok {
		c.sendBinary(ctx, chunk.Audio)
		return
	}
	if msg := eventToMsg(ev); msg != nil {
		c.send(ctx, msg)
	}
}

// ─── Write side ──────────────────────────────────────────────────────────────

// send encodes and writes one envelope. Write failures are logged, not
// surfaced; the read loop notices the dead transport on its own.
func (c *conn) send(ctx context.Context, msg protocol.Msg) {
	data, err := c.srv.codec.Encode(msg)
	if err != nil {
		c.srv.logger.Error("encode failed", "type", msg.MsgType(), "err", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.srv.logger.Debug("write failed", "session", c.sess.ID(), "type", msg.MsgType(), "err", err)
	}
}

// sendBinary writes one raw audio chunk.
func (c *conn) sendBinary(ctx context.Context, data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageBinary, data); err != nil {
		c.srv.logger.Debug("binary write failed", "session", c.sess.ID(), "err", err)
	}
}

// sendError emits a structured error frame.
func (c *conn) sendError(ctx context.Context, code, message string, component turn.Component, recoverable bool) {
	c.send(ctx, &protocol.Error{
		Code:        code,
		Message:     message,
		Component:   string(component),
		Recoverable: recoverable,
	})
}
