package server

import (
	"github.com/llmrtc/llmrtc/internal/protocol"
	"github.com/llmrtc/llmrtc/internal/turn"
)

// eventToMsg maps one turn event onto its wire envelope. TTSChunkEvent is
// handled by the caller (it rides the binary side-channel) and returns nil
// here, as does any event without a wire representation.
func eventToMsg(ev turn.Event) protocol.Msg {
	switch e := ev.(type) {
	case turn.TranscriptEvent:
		return &protocol.Transcript{
			Text:    e.Transcript.Text,
			IsFinal: e.Transcript.IsFinal,
		}

	case turn.LLMChunkEvent:
		return &protocol.LLMChunk{Text: e.Content}

	case turn.LLMResultEvent:
		return &protocol.LLM{Text: e.Text}

	case turn.TTSStartEvent:
		return &protocol.TTSStart{
			Format:     e.Format,
			SampleRate: e.SampleRate,
		}

	case turn.TTSCompleteEvent:
		return &protocol.TTSComplete{}

	case turn.TTSCancelledEvent:
		return &protocol.TTSCancelled{}

	case turn.ToolCallStartEvent:
		return &protocol.ToolCallStart{
			CallID:    e.Request.CallID,
			Name:      e.Request.Name,
			Arguments: e.Request.Arguments,
		}

	case turn.ToolCallEndEvent:
		return &protocol.ToolCallEnd{
			CallID:     e.Result.CallID,
			Name:       e.Result.Name,
			Success:    e.Result.Success,
			Result:     e.Result.Value,
			Error:      e.Result.Error,
			DurationMs: e.Result.Duration.Milliseconds(),
		}

	case turn.StageChangeEvent:
		return &protocol.StageChange{
			From:   e.From,
			To:     e.To,
			Reason: e.Reason,
		}

	case turn.ErrorEvent:
		return &protocol.Error{
			Code:        e.Err.Code,
			Message:     e.Err.Err.Error(),
			Component:   string(e.Err.Component),
			Recoverable: e.Err.Recoverable,
		}
	}
	return nil
}
