package turn

import (
	"github.com/llmrtc/llmrtc/pkg/types"
)

// Event is one element of the finite, strictly ordered sequence a turn emits.
//
// Within a turn the sequence is: zero or more partial TranscriptEvents, one
// final TranscriptEvent, zero or more LLMChunkEvents, one LLMResultEvent, one
// TTSStartEvent, zero or more TTSChunkEvents, one TTSCompleteEvent. A turn
// may instead terminate early with a TTSCancelledEvent or an ErrorEvent.
// Playbook turns additionally emit tool-call and stage-change events.
type Event interface {
	isEvent()
}

// TranscriptEvent carries a partial or final STT result.
type TranscriptEvent struct {
	Transcript types.Transcript
}

// LLMChunkEvent carries one incremental piece of assistant text.
type LLMChunkEvent struct {
	Content string
}

// LLMResultEvent carries the complete assistant text for the turn.
type LLMResultEvent struct {
	Text       string
	StopReason types.StopReason
}

// TTSStartEvent announces that synthesized playback is starting.
type TTSStartEvent struct {
	Format     types.AudioFormat
	SampleRate int
}

// TTSChunkEvent carries one synthesized audio chunk. Chunks are ordered by
// SentenceIndex across sentences.
type TTSChunkEvent struct {
	Audio         []byte
	SentenceIndex int
}

// TTSCompleteEvent marks successful completion of playback.
type TTSCompleteEvent struct{}

// TTSCancelledEvent marks a turn cancelled in or past its TTS phase. It is
// emitted exactly once and no TTSChunkEvent for the turn follows it.
type TTSCancelledEvent struct{}

// ToolCallStartEvent announces the start of one tool execution.
type ToolCallStartEvent struct {
	Request types.ToolCallRequest
}

// ToolCallEndEvent announces the outcome of one tool execution.
type ToolCallEndEvent struct {
	Result types.ToolCallResult
}

// StageChangeEvent announces a playbook transition.
type StageChangeEvent struct {
	From   string
	To     string
	Reason string
}

// ErrorEvent terminates a turn with a typed failure, or reports a
// non-terminal TTS failure alongside an otherwise completed turn.
type ErrorEvent struct {
	Err *PhaseError
}

func (TranscriptEvent) isEvent()    {}
func (LLMChunkEvent) isEvent()      {}
func (LLMResultEvent) isEvent()     {}
func (TTSStartEvent) isEvent()      {}
func (TTSChunkEvent) isEvent()      {}
func (TTSCompleteEvent) isEvent()   {}
func (TTSCancelledEvent) isEvent()  {}
func (ToolCallStartEvent) isEvent() {}
func (ToolCallEndEvent) isEvent()   {}
func (StageChangeEvent) isEvent()   {}
func (ErrorEvent) isEvent()         {}
