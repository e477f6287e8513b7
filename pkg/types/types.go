// Package types defines the shared types used across all LLMRTC packages.
//
// These types form the lingua franca between providers, the turn
// orchestrator, the playbook engine, and the session layer. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// Message roles. Every Message carries exactly one of these.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a single message in a conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Attachments are optional ordered vision attachments carried by user
	// messages. Nil for messages without attachments.
	Attachments []Attachment

	// ToolCalls contains any tool invocations requested by the assistant.
	// Only set when Role is "assistant".
	ToolCalls []ToolCallRequest

	// ToolCallID is set when Role is "tool", identifying which tool call this
	// message responds to. Must match a ToolCallRequest.CallID from a prior
	// assistant message.
	ToolCallID string

	// ToolName is set when Role is "tool": the name of the tool that produced
	// this result.
	ToolName string
}

// Attachment is a vision attachment on a user message. Exactly one of Data
// or URL is set.
type Attachment struct {
	// Data is base64-encoded image bytes. Empty when URL is used.
	Data string

	// URL is a remote image reference. Empty when Data is used.
	URL string

	// MIME is the optional media type (e.g., "image/png").
	MIME string

	// Alt is an optional human-readable description of the image.
	Alt string
}

// ToolCallRequest is a tool invocation requested by the LLM, normalized from
// the provider's native tool protocol.
type ToolCallRequest struct {
	// CallID uniquely identifies this call; the matching ToolCallResult
	// carries the same value.
	CallID string

	// Name is the tool name as registered in the tool registry.
	Name string

	// Arguments is the parsed argument map. Adapters accumulate streamed
	// argument fragments and parse the complete JSON before emitting.
	Arguments map[string]any

	// ParseError is set by the adapter when the provider's raw argument JSON
	// could not be parsed. The executor turns such a request into a failed
	// ToolCallResult without invoking the handler.
	ParseError string
}

// ToolCallResult is the outcome of executing a single ToolCallRequest.
// For every request dispatched, exactly one result is produced — synthetic
// timeout and cancellation errors included.
type ToolCallResult struct {
	// CallID matches the originating ToolCallRequest.CallID.
	CallID string

	// Name is the tool name, echoed for convenience.
	Name string

	// Success reports whether the handler completed without error.
	Success bool

	// Value is the handler's result value. Nil when Success is false.
	Value any

	// Error is the failure description. Empty when Success is true.
	Error string

	// Duration is how long the call took, including validation.
	Duration time.Duration
}

// ExecutionPolicy controls how the executor dispatches a tool's calls
// relative to its neighbours in a batch.
type ExecutionPolicy string

const (
	// PolicySequential runs calls one at a time in request order.
	PolicySequential ExecutionPolicy = "sequential"

	// PolicyParallel allows calls to run concurrently up to the executor's
	// concurrency limit.
	PolicyParallel ExecutionPolicy = "parallel"
)

// ToolDefinition describes a tool that can be offered to an LLM.
// Definitions are immutable once registered.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	// Supported subset: type, properties, required, enum, minimum/maximum,
	// minLength/maxLength, format (advisory), items. Unknown keywords are
	// ignored.
	Parameters map[string]any

	// Policy selects sequential or parallel dispatch. Empty means the
	// executor's default policy applies.
	Policy ExecutionPolicy
}

// StopReason is the canonical reason an LLM stopped generating. Adapters map
// each provider's native finish reasons onto this set.
type StopReason string

const (
	// StopEndTurn means the model finished its reply naturally.
	StopEndTurn StopReason = "end_turn"

	// StopToolUse means the model wants one or more tools executed.
	StopToolUse StopReason = "tool_use"

	// StopMaxTokens means the completion token cap was reached.
	StopMaxTokens StopReason = "max_tokens"

	// StopSequence means a configured stop sequence was produced.
	StopSequence StopReason = "stop_sequence"
)

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// Duration is the length of the transcribed utterance.
	Duration time.Duration
}

// AudioFormat identifies the encoding of an audio payload.
type AudioFormat string

const (
	FormatPCM AudioFormat = "pcm"
	FormatMP3 AudioFormat = "mp3"
	FormatOGG AudioFormat = "ogg"
	FormatWAV AudioFormat = "wav"
)

// Audio format constants for the PCM boundary between transport and core.
const (
	// InputSampleRate is the sample rate expected at the VAD/STT boundary.
	InputSampleRate = 16000

	// OutputSampleRate is the default downstream synthesis sample rate.
	OutputSampleRate = 24000
)
