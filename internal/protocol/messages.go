// Package protocol implements the client↔server message envelope.
//
// The wire protocol is a bidirectional stream of typed JSON envelopes plus an
// opaque audio side-channel carrying raw PCM frames. Every envelope has a
// required string "type" field; the remaining fields depend on the type. The
// [Codec] encodes and decodes envelopes; unknown types are ignored for
// forward compatibility unless the codec runs in strict mode.
package protocol

import (
	"github.com/llmrtc/llmrtc/pkg/types"
)

// Version is the protocol version the server speaks. It is announced in the
// ready message; clients that do not support it must refuse the session.
const Version = 1

// Type identifies a protocol message.
type Type string

// Recognized message types.
const (
	// Server → client.
	TypeReady         Type = "ready"
	TypeReconnectAck  Type = "reconnect-ack"
	TypeTranscript    Type = "transcript"
	TypeLLMChunk      Type = "llm-chunk"
	TypeLLM           Type = "llm"
	TypeTTSStart      Type = "tts-start"
	TypeTTSChunk      Type = "tts-chunk"
	TypeTTSComplete   Type = "tts-complete"
	TypeTTSCancelled  Type = "tts-cancelled"
	TypeSpeechStart   Type = "speech-start"
	TypeSpeechEnd     Type = "speech-end"
	TypeToolCallStart Type = "tool-call-start"
	TypeToolCallEnd   Type = "tool-call-end"
	TypeStageChange   Type = "stage-change"
	TypeError         Type = "error"

	// Client → server.
	TypeReconnect   Type = "reconnect"
	TypeAttachments Type = "attachments"

	// Both directions.
	TypeAudioStart   Type = "audio-start"
	TypeAudioStop    Type = "audio-stop"
	TypeAudioProcess Type = "audio-process"
	TypePing         Type = "ping"
	TypePong         Type = "pong"

	// Legacy fallback for environments without a real-time audio channel:
	// a single envelope carrying a complete base64 WAV utterance.
	TypeAudio Type = "audio"
)

// ErrorCode values surfaced via error envelopes.
const (
	CodeWebRTCUnavailable    = "WEBRTC_UNAVAILABLE"
	CodeConnectionFailed     = "CONNECTION_FAILED"
	CodeSessionNotFound      = "SESSION_NOT_FOUND"
	CodeSessionExpired       = "SESSION_EXPIRED"
	CodeSTTError             = "STT_ERROR"
	CodeSTTTimeout           = "STT_TIMEOUT"
	CodeLLMError             = "LLM_ERROR"
	CodeLLMTimeout           = "LLM_TIMEOUT"
	CodeTTSError             = "TTS_ERROR"
	CodeTTSTimeout           = "TTS_TIMEOUT"
	CodeAudioProcessingError = "AUDIO_PROCESSING_ERROR"
	CodeVADError             = "VAD_ERROR"
	CodeInvalidMessage       = "INVALID_MESSAGE"
	CodeInvalidAudioFormat   = "INVALID_AUDIO_FORMAT"
	CodeToolError            = "TOOL_ERROR"
	CodePlaybookError        = "PLAYBOOK_ERROR"
	CodeInternalError        = "INTERNAL_ERROR"
	CodeRateLimited          = "RATE_LIMITED"
)

// Msg is implemented by every protocol message.
type Msg interface {
	// MsgType returns the wire type of the message.
	MsgType() Type
}

// ─── Server → client ─────────────────────────────────────────────────────────

// ICEServer is a single ICE server entry forwarded to WebRTC clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Ready is the first message on a new session.
type Ready struct {
	SessionID       string      `json:"sessionId"`
	ProtocolVersion int         `json:"protocolVersion"`
	ICEServers      []ICEServer `json:"iceServers,omitempty"`
}

func (Ready) MsgType() Type { return TypeReady }

// ReconnectAck answers a reconnect attempt. On success the session id echoes
// the prior id; on failure it carries a freshly allocated one.
type ReconnectAck struct {
	Success          bool   `json:"success"`
	HistoryRecovered bool   `json:"historyRecovered"`
	SessionID        string `json:"sessionId"`
}

func (ReconnectAck) MsgType() Type { return TypeReconnectAck }

// Transcript carries a partial or final STT result.
type Transcript struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

func (Transcript) MsgType() Type { return TypeTranscript }

// LLMChunk carries one incremental text token of the assistant reply.
type LLMChunk struct {
	Text string `json:"text"`
}

func (LLMChunk) MsgType() Type { return TypeLLMChunk }

// LLM carries the complete assistant text for the turn.
type LLM struct {
	Text string `json:"text"`
}

func (LLM) MsgType() Type { return TypeLLM }

// TTSStart announces the beginning of synthesized playback for a turn.
type TTSStart struct {
	Format     types.AudioFormat `json:"format"`
	SampleRate int               `json:"sampleRate,omitempty"`
}

func (TTSStart) MsgType() Type { return TypeTTSStart }

// TTSChunk carries one audio chunk when the RTC audio track is not in use.
// Audio is base64-encoded by encoding/json.
type TTSChunk struct {
	Audio         []byte `json:"audio"`
	SentenceIndex int    `json:"sentenceIndex"`
}

func (TTSChunk) MsgType() Type { return TypeTTSChunk }

// TTSComplete marks the end of playback for a turn.
type TTSComplete struct{}

func (TTSComplete) MsgType() Type { return TypeTTSComplete }

// TTSCancelled marks a turn whose playback was cancelled, typically by
// barge-in. No further tts-chunk for the turn follows it.
type TTSCancelled struct{}

func (TTSCancelled) MsgType() Type { return TypeTTSCancelled }

// SpeechStart signals a VAD speech onset.
type SpeechStart struct{}

func (SpeechStart) MsgType() Type { return TypeSpeechStart }

// SpeechEnd signals a VAD speech offset with the captured audio duration.
type SpeechEnd struct {
	DurationMs int64 `json:"durationMs"`
}

func (SpeechEnd) MsgType() Type { return TypeSpeechEnd }

// ToolCallStart announces the start of a tool execution.
type ToolCallStart struct {
	CallID    string         `json:"callId"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (ToolCallStart) MsgType() Type { return TypeToolCallStart }

// ToolCallEnd announces the outcome of a tool execution.
type ToolCallEnd struct {
	CallID     string `json:"callId"`
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

func (ToolCallEnd) MsgType() Type { return TypeToolCallEnd }

// StageChange announces a playbook transition.
type StageChange struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

func (StageChange) MsgType() Type { return TypeStageChange }

// Error is a structured error frame.
type Error struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Component   string `json:"component,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

func (Error) MsgType() Type { return TypeError }

// ─── Client → server ─────────────────────────────────────────────────────────

// Reconnect asks to resume a prior session.
type Reconnect struct {
	SessionID string `json:"sessionId"`
}

func (Reconnect) MsgType() Type { return TypeReconnect }

// Attachments queues vision attachments for the next speech segment.
type Attachments struct {
	Attachments []Attachment `json:"attachments"`
}

func (Attachments) MsgType() Type { return TypeAttachments }

// Attachment is the wire form of a vision attachment.
type Attachment struct {
	Data string `json:"data,omitempty"`
	URL  string `json:"url,omitempty"`
	MIME string `json:"mime,omitempty"`
	Alt  string `json:"alt,omitempty"`
}

// ─── Both directions ─────────────────────────────────────────────────────────

// AudioStart signals that external audio capture is beginning.
type AudioStart struct{}

func (AudioStart) MsgType() Type { return TypeAudioStart }

// AudioStop signals that external audio capture has stopped.
type AudioStop struct{}

func (AudioStop) MsgType() Type { return TypeAudioStop }

// AudioProcess asks the server to process the buffered audio now.
type AudioProcess struct{}

func (AudioProcess) MsgType() Type { return TypeAudioProcess }

// Ping is a heartbeat request. The peer answers with Pong.
type Ping struct{}

func (Ping) MsgType() Type { return TypePing }

// Pong answers a Ping.
type Pong struct{}

func (Pong) MsgType() Type { return TypePong }

// Audio is the legacy fallback envelope carrying a complete base64 WAV
// utterance when no real-time audio channel is available.
type Audio struct {
	Data string `json:"data"`
}

func (Audio) MsgType() Type { return TypeAudio }
