package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned (wrapped) by strict decoding when the envelope's
// type is not recognized.
var ErrUnknownType = errors.New("protocol: unknown message type")

// Codec encodes and decodes protocol envelopes.
//
// The zero value is a lenient codec: unknown message types decode to
// (nil, nil) so callers can skip them, matching the forward-compatibility
// rule of the protocol. With Strict set, unknown types are a
// protocol-violation error instead.
type Codec struct {
	// Strict makes Decode fail on unrecognized message types.
	Strict bool
}

// Encode marshals m into a JSON envelope with its type field injected.
func (c *Codec) Encode(m Msg) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %q: %w", m.MsgType(), err)
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("protocol: encode %q: %w", m.MsgType(), err)
	}
	typeRaw, err := json.Marshal(m.MsgType())
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %q: %w", m.MsgType(), err)
	}
	fields["type"] = typeRaw

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %q: %w", m.MsgType(), err)
	}
	return out, nil
}

// Decode parses a JSON envelope into its typed message.
//
// Malformed JSON and envelopes without a type field are always errors. An
// unrecognized type returns (nil, nil) in lenient mode so the caller can
// ignore the message; in strict mode it returns an error wrapping
// [ErrUnknownType].
func (c *Codec) Decode(data []byte) (Msg, error) {
	var envelope struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("protocol: malformed envelope: %w", err)
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("protocol: envelope missing type field")
	}

	m := newMsg(envelope.Type)
	if m == nil {
		if c.Strict {
			return nil, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
		}
		return nil, nil
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("protocol: decode %q: %w", envelope.Type, err)
	}
	return m, nil
}

// newMsg returns a fresh pointer to the payload struct for t, or nil when t
// is not recognized.
func newMsg(t Type) Msg {
	switch t {
	case TypeReady:
		return &Ready{}
	case TypeReconnectAck:
		return &ReconnectAck{}
	case TypeTranscript:
		return &Transcript{}
	case TypeLLMChunk:
		return &LLMChunk{}
	case TypeLLM:
		return &LLM{}
	case TypeTTSStart:
		return &TTSStart{}
	case TypeTTSChunk:
		return &TTSChunk{}
	case TypeTTSComplete:
		return &TTSComplete{}
	case TypeTTSCancelled:
		return &TTSCancelled{}
	case TypeSpeechStart:
		return &SpeechStart{}
	case TypeSpeechEnd:
		return &SpeechEnd{}
	case TypeToolCallStart:
		return &ToolCallStart{}
	case TypeToolCallEnd:
		return &ToolCallEnd{}
	case TypeStageChange:
		return &StageChange{}
	case TypeError:
		return &Error{}
	case TypeReconnect:
		return &Reconnect{}
	case TypeAttachments:
		return &Attachments{}
	case TypeAudioStart:
		return &AudioStart{}
	case TypeAudioStop:
		return &AudioStop{}
	case TypeAudioProcess:
		return &AudioProcess{}
	case TypePing:
		return &Ping{}
	case TypePong:
		return &Pong{}
	case TypeAudio:
		return &Audio{}
	default:
		return nil
	}
}
