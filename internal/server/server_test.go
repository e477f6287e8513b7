package server

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/llmrtc/llmrtc/internal/protocol"
	"github.com/llmrtc/llmrtc/internal/session"
	"github.com/llmrtc/llmrtc/internal/turn"
	"github.com/llmrtc/llmrtc/internal/vadgate"
	vadmock "github.com/llmrtc/llmrtc/pkg/provider/vad/mock"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// stubRunner replays a scripted event sequence for every turn and records
// what it was asked to run.
type stubRunner struct {
	events []turn.Event

	mu     sync.Mutex
	audio  [][]byte
	attach [][]types.Attachment
}

func (r *stubRunner) RunTurnStream(tc *turn.Context, h turn.History, audio []byte, attachments []types.Attachment) <-chan turn.Event {
	r.mu.Lock()
	r.audio = append(r.audio, audio)
	r.attach = append(r.attach, attachments)
	events := make([]turn.Event, len(r.events))
	copy(events, r.events)
	r.mu.Unlock()

	ch := make(chan turn.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

// turnScript is the canonical happy-path event sequence.
func turnScript() []turn.Event {
	return []turn.Event{
		turn.TranscriptEvent{Transcript: types.Transcript{Text: "hello there", IsFinal: true}},
		turn.LLMChunkEvent{Content: "hi"},
		turn.LLMResultEvent{Text: "hi back", StopReason: types.StopEndTurn},
		turn.TTSStartEvent{Format: types.FormatPCM, SampleRate: types.OutputSampleRate},
		turn.TTSChunkEvent{Audio: []byte{9, 8, 7}, SentenceIndex: 0},
		turn.TTSCompleteEvent{},
	}
}

type testEnv struct {
	srv     *httptest.Server
	manager *session.Manager
	runner  *stubRunner
	det     *vadmock.Detector
}

// newTestEnv starts a server whose detector replays scores and whose runner
// replays events.
func newTestEnv(t *testing.T, scores []float64, events []turn.Event, mod func(*Config)) *testEnv {
	t.Helper()

	manager := session.NewManager(session.ManagerConfig{GraceWindow: time.Minute}, nil, nil)
	det := &vadmock.Detector{Scores: scores}
	runner := &stubRunner{events: events}

	cfg := Config{
		VADParams: vadgate.Params{
			PositiveThreshold:  0.5,
			NegativeThreshold:  0.35,
			MinSpeechFrames:    2,
			RedemptionFrames:   2,
			PreSpeechPadFrames: 1,
		},
	}
	if mod != nil {
		mod(&cfg)
	}

	s, err := New(cfg, manager, det, func() (TurnRunner, error) { return runner, nil })
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		manager.Shutdown()
	})
	return &testEnv{srv: srv, manager: manager, runner: runner, det: det}
}

// newFactoryEnv is newTestEnv with a caller-supplied runner factory.
func newFactoryEnv(t *testing.T, factory RunnerFactory) *testEnv {
	t.Helper()

	manager := session.NewManager(session.ManagerConfig{GraceWindow: time.Minute}, nil, nil)
	det := &vadmock.Detector{}

	s, err := New(Config{
		VADParams: vadgate.Params{
			PositiveThreshold:  0.5,
			NegativeThreshold:  0.35,
			MinSpeechFrames:    2,
			RedemptionFrames:   2,
			PreSpeechPadFrames: 1,
		},
	}, manager, det, factory)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		manager.Shutdown()
	})
	return &testEnv{srv: srv, manager: manager, det: det}
}

// dial opens a client connection and returns it with a deadline context.
func dial(t *testing.T, env *testEnv) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	ws, _, err := websocket.Dial(ctx, wsURL(env.srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "test done") })
	return ws, ctx
}

// readMsg reads the next text envelope and decodes it.
func readMsg(t *testing.T, ctx context.Context, ws *websocket.Conn) protocol.Msg {
	t.Helper()
	typ, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("expected a text envelope, got message type %v", typ)
	}
	codec := protocol.Codec{}
	msg, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return msg
}

// readBinary reads the next message and requires it to be binary.
func readBinary(t *testing.T, ctx context.Context, ws *websocket.Conn) []byte {
	t.Helper()
	typ, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Fatalf("expected a binary message, got type %v: %s", typ, data)
	}
	return data
}

// sendMsg encodes and writes one envelope.
func sendMsg(t *testing.T, ctx context.Context, ws *websocket.Conn, msg protocol.Msg) {
	t.Helper()
	codec := protocol.Codec{}
	data, err := codec.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

// readReady consumes the handshake message.
func readReady(t *testing.T, ctx context.Context, ws *websocket.Conn) *protocol.Ready {
	t.Helper()
	ready, ok := readMsg(t, ctx, ws).(*protocol.Ready)
	if !ok {
		t.Fatal("first message was not ready")
	}
	return ready
}

// wavPayload wraps pcm in a minimal 16 kHz mono RIFF container.
func wavPayload(pcm []byte) []byte {
	var h [44]byte
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+len(pcm)))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1)
	binary.LittleEndian.PutUint16(h[22:24], 1)
	binary.LittleEndian.PutUint32(h[24:28], 16000)
	binary.LittleEndian.PutUint32(h[28:32], 32000)
	binary.LittleEndian.PutUint16(h[32:34], 2)
	binary.LittleEndian.PutUint16(h[34:36], 16)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(len(pcm)))
	return append(h[:], pcm...)
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestReadyHandshake(t *testing.T) {
	t.Parallel()

	ice := []protocol.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
	env := newTestEnv(t, nil, nil, func(c *Config) { c.ICEServers = ice })
	ws, ctx := dial(t, env)

	ready := readReady(t, ctx, ws)
	if ready.SessionID == "" {
		t.Error("ready carries no session id")
	}
	if ready.ProtocolVersion != protocol.Version {
		t.Errorf("protocol version = %d, want %d", ready.ProtocolVersion, protocol.Version)
	}
	if len(ready.ICEServers) != 1 || ready.ICEServers[0].URLs[0] != ice[0].URLs[0] {
		t.Errorf("ice servers = %+v", ready.ICEServers)
	}
	if env.manager.Len() != 1 {
		t.Errorf("live sessions = %d, want 1", env.manager.Len())
	}
}

func TestPingPong(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil, nil)
	ws, ctx := dial(t, env)
	readReady(t, ctx, ws)

	sendMsg(t, ctx, ws, &protocol.Ping{})
	if _, ok := readMsg(t, ctx, ws).(*protocol.Pong); !ok {
		t.Fatal("ping was not answered with pong")
	}
}

func TestLegacyAudioRunsTurn(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, turnScript(), nil)
	ws, ctx := dial(t, env)
	readReady(t, ctx, ws)

	pcm := []byte{1, 2, 3, 4, 5, 6}
	sendMsg(t, ctx, ws, &protocol.Audio{
		Data: base64.StdEncoding.EncodeToString(wavPayload(pcm)),
	})

	tr, ok := readMsg(t, ctx, ws).(*protocol.Transcript)
	if !ok || tr.Text != "hello there" || !tr.IsFinal {
		t.Fatalf("transcript = %+v, ok=%v", tr, ok)
	}
	if chunk, ok := readMsg(t, ctx, ws).(*protocol.LLMChunk); !ok || chunk.Text != "hi" {
		t.Fatalf("llm chunk = %+v, ok=%v", chunk, ok)
	}
	if full, ok := readMsg(t, ctx, ws).(*protocol.LLM); !ok || full.Text != "hi back" {
		t.Fatalf("llm = %+v, ok=%v", full, ok)
	}
	if start, ok := readMsg(t, ctx, ws).(*protocol.TTSStart); !ok || start.Format != types.FormatPCM {
		t.Fatalf("tts start = %+v, ok=%v", start, ok)
	}
	if audio := readBinary(t, ctx, ws); string(audio) != string([]byte{9, 8, 7}) {
		t.Fatalf("binary audio = %v", audio)
	}
	if _, ok := readMsg(t, ctx, ws).(*protocol.TTSComplete); !ok {
		t.Fatal("missing tts complete")
	}

	env.runner.mu.Lock()
	defer env.runner.mu.Unlock()
	if len(env.runner.audio) != 1 || string(env.runner.audio[0]) != string(pcm) {
		t.Errorf("runner received audio %v, want %v", env.runner.audio, pcm)
	}
}

func TestFrameStreamEmitsSpeechEdgesAndTurn(t *testing.T) {
	t.Parallel()

	// Two positive frames assert speech, two silent ones end it.
	env := newTestEnv(t, []float64{0.9, 0.9, 0.9, 0.1, 0.1}, turnScript(), nil)
	ws, ctx := dial(t, env)
	readReady(t, ctx, ws)

	for i := 0; i < 5; i++ {
		if err := ws.Write(ctx, websocket.MessageBinary, []byte{byte(i), byte(i)}); err != nil {
			t.Fatalf("Write frame: %v", err)
		}
	}

	if _, ok := readMsg(t, ctx, ws).(*protocol.SpeechStart); !ok {
		t.Fatal("missing speech-start")
	}
	end, ok := readMsg(t, ctx, ws).(*protocol.SpeechEnd)
	if !ok {
		t.Fatal("missing speech-end")
	}
	if end.DurationMs != 50 {
		t.Errorf("speech duration = %dms, want 50ms", end.DurationMs)
	}
	if _, ok := readMsg(t, ctx, ws).(*protocol.Transcript); !ok {
		t.Fatal("speech-end did not open a turn")
	}
}

func TestAttachmentsReachTheNextTurn(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, turnScript(), nil)
	ws, ctx := dial(t, env)
	readReady(t, ctx, ws)

	sendMsg(t, ctx, ws, &protocol.Attachments{
		Attachments: []protocol.Attachment{{URL: "https://img.example.com/x.png", MIME: "image/png"}},
	})
	sendMsg(t, ctx, ws, &protocol.Audio{
		Data: base64.StdEncoding.EncodeToString(wavPayload([]byte{1, 2})),
	})

	// Drain the whole turn so the runner has definitely been invoked.
	for i := 0; i < 6; i++ {
		if _, _, err := ws.Read(ctx); err != nil {
			t.Fatalf("Read: %v", err)
		}
	}

	env.runner.mu.Lock()
	defer env.runner.mu.Unlock()
	if len(env.runner.attach) != 1 || len(env.runner.attach[0]) != 1 {
		t.Fatalf("runner attachments = %+v", env.runner.attach)
	}
	if env.runner.attach[0][0].URL != "https://img.example.com/x.png" {
		t.Errorf("attachment url = %q", env.runner.attach[0][0].URL)
	}
}

func TestReconnectRecoversSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil, nil)

	ws1, ctx1 := dial(t, env)
	priorID := readReady(t, ctx1, ws1).SessionID
	ws1.Close(websocket.StatusNormalClosure, "going away")

	// The read loop detaches the session asynchronously.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if s, ok := env.manager.Get(priorID); ok && s.State() == session.StateReconnecting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never entered the reconnect window")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ws2, ctx2 := dial(t, env)
	readReady(t, ctx2, ws2)

	sendMsg(t, ctx2, ws2, &protocol.Reconnect{SessionID: priorID})
	ack, ok := readMsg(t, ctx2, ws2).(*protocol.ReconnectAck)
	if !ok {
		t.Fatal("missing reconnect-ack")
	}
	if !ack.Success || !ack.HistoryRecovered || ack.SessionID != priorID {
		t.Errorf("ack = %+v, want recovered session %s", ack, priorID)
	}
	if env.manager.Len() != 1 {
		t.Errorf("live sessions = %d, want 1", env.manager.Len())
	}
}

func TestReconnectResumesPriorTurnPipeline(t *testing.T) {
	t.Parallel()

	// One pipeline per connection; a reconnect that failed to resume the
	// prior one would land the second turn on the second runner.
	var mu sync.Mutex
	var runners []*stubRunner
	env := newFactoryEnv(t, func() (TurnRunner, error) {
		mu.Lock()
		defer mu.Unlock()
		r := &stubRunner{events: turnScript()}
		runners = append(runners, r)
		return r, nil
	})

	wav := base64.StdEncoding.EncodeToString(wavPayload([]byte{1, 2}))

	ws1, ctx1 := dial(t, env)
	priorID := readReady(t, ctx1, ws1).SessionID
	sendMsg(t, ctx1, ws1, &protocol.Audio{Data: wav})
	for i := 0; i < 6; i++ {
		if _, _, err := ws1.Read(ctx1); err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	ws1.Close(websocket.StatusNormalClosure, "going away")

	deadline := time.Now().Add(3 * time.Second)
	for {
		if s, ok := env.manager.Get(priorID); ok && s.State() == session.StateReconnecting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never entered the reconnect window")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ws2, ctx2 := dial(t, env)
	readReady(t, ctx2, ws2)
	sendMsg(t, ctx2, ws2, &protocol.Reconnect{SessionID: priorID})
	ack, ok := readMsg(t, ctx2, ws2).(*protocol.ReconnectAck)
	if !ok || !ack.Success {
		t.Fatalf("ack = %+v", ack)
	}

	sendMsg(t, ctx2, ws2, &protocol.Audio{Data: wav})
	for i := 0; i < 6; i++ {
		if _, _, err := ws2.Read(ctx2); err != nil {
			t.Fatalf("Read: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(runners) != 2 {
		t.Fatalf("factory built %d runners, want one per connection", len(runners))
	}
	runners[0].mu.Lock()
	first := len(runners[0].audio)
	runners[0].mu.Unlock()
	runners[1].mu.Lock()
	second := len(runners[1].audio)
	runners[1].mu.Unlock()
	if first != 2 || second != 0 {
		t.Errorf("turns per runner = %d and %d, want both on the recovered session's pipeline", first, second)
	}
}

func TestReconnectUnknownSessionOpensFresh(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil, nil)
	ws, ctx := dial(t, env)
	readReady(t, ctx, ws)

	sendMsg(t, ctx, ws, &protocol.Reconnect{SessionID: "no-such-session"})
	ack, ok := readMsg(t, ctx, ws).(*protocol.ReconnectAck)
	if !ok {
		t.Fatal("missing reconnect-ack")
	}
	if ack.Success || ack.HistoryRecovered {
		t.Errorf("ack = %+v, want a failed recovery", ack)
	}
	if ack.SessionID == "" || ack.SessionID == "no-such-session" {
		t.Errorf("ack session id = %q, want a fresh id", ack.SessionID)
	}
}

// gatedRunner stalls its first turn until released, then flushes a terminal
// frame; subsequent turns replay the canonical script immediately.
type gatedRunner struct {
	release chan struct{}
	script  []turn.Event

	mu    sync.Mutex
	calls int
}

func (r *gatedRunner) RunTurnStream(tc *turn.Context, h turn.History, audio []byte, attachments []types.Attachment) <-chan turn.Event {
	r.mu.Lock()
	r.calls++
	first := r.calls == 1
	r.mu.Unlock()

	if first {
		ch := make(chan turn.Event, 1)
		go func() {
			defer close(ch)
			<-r.release
			ch <- turn.TTSCancelledEvent{}
		}()
		return ch
	}

	ch := make(chan turn.Event, len(r.script))
	for _, ev := range r.script {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestBargeInFlushesPriorTurnBeforeNewFrames(t *testing.T) {
	t.Parallel()

	runner := &gatedRunner{release: make(chan struct{}), script: turnScript()}
	env := newFactoryEnv(t, func() (TurnRunner, error) { return runner, nil })
	ws, ctx := dial(t, env)
	readReady(t, ctx, ws)

	wav := base64.StdEncoding.EncodeToString(wavPayload([]byte{1, 2}))
	sendMsg(t, ctx, ws, &protocol.Audio{Data: wav}) // stalls inside the runner
	sendMsg(t, ctx, ws, &protocol.Audio{Data: wav}) // barges in
	close(runner.release)

	// The cancelled turn's terminal frame must hit the wire before anything
	// from the turn that barged in on it.
	if _, ok := readMsg(t, ctx, ws).(*protocol.TTSCancelled); !ok {
		t.Fatal("first frame was not the cancelled turn's terminal event")
	}
	if _, ok := readMsg(t, ctx, ws).(*protocol.Transcript); !ok {
		t.Fatal("new turn's transcript did not follow the flush")
	}
}

func TestMalformedEnvelopeGetsErrorFrame(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil, nil)
	ws, ctx := dial(t, env)
	readReady(t, ctx, ws)

	if err := ws.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	errMsg, ok := readMsg(t, ctx, ws).(*protocol.Error)
	if !ok {
		t.Fatal("missing error frame")
	}
	if errMsg.Code != protocol.CodeInvalidMessage || !errMsg.Recoverable {
		t.Errorf("error = %+v", errMsg)
	}
}

func TestServerBoundTypeFromClientIsRejected(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil, nil)
	ws, ctx := dial(t, env)
	readReady(t, ctx, ws)

	sendMsg(t, ctx, ws, &protocol.Transcript{Text: "spoofed"})
	errMsg, ok := readMsg(t, ctx, ws).(*protocol.Error)
	if !ok {
		t.Fatal("missing error frame")
	}
	if errMsg.Code != protocol.CodeInvalidMessage {
		t.Errorf("error code = %q, want %q", errMsg.Code, protocol.CodeInvalidMessage)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil, nil)

	resp, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestDecodeWAV(t *testing.T) {
	t.Parallel()

	pcm := []byte{10, 20, 30, 40}
	got, err := decodeWAV(wavPayload(pcm))
	if err != nil {
		t.Fatalf("decodeWAV: %v", err)
	}
	if string(got) != string(pcm) {
		t.Errorf("pcm = %v, want %v", got, pcm)
	}

	// An extra chunk before data must be skipped.
	withList := wavPayload(nil)[:36] // header up to the data chunk id
	withList = append(withList, []byte("LIST")...)
	withList = append(withList, 2, 0, 0, 0, 'h', 'i')
	withList = append(withList, []byte("data")...)
	withList = append(withList, 4, 0, 0, 0)
	withList = append(withList, pcm...)
	got, err = decodeWAV(withList)
	if err != nil {
		t.Fatalf("decodeWAV with LIST chunk: %v", err)
	}
	if string(got) != string(pcm) {
		t.Errorf("pcm = %v, want %v", got, pcm)
	}

	if _, err := decodeWAV([]byte("RIFFxxxxWAVE")); err == nil {
		t.Error("headerless payload was accepted")
	}
	if _, err := decodeWAV([]byte("not audio at all")); err == nil {
		t.Error("non-wav payload was accepted")
	}

	truncated := wavPayload(pcm)
	if _, err := decodeWAV(truncated[:len(truncated)-2]); err == nil {
		t.Error("truncated data chunk was accepted")
	}
}
