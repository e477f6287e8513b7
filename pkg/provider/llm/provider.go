// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI GPT-4o,
// Anthropic Claude, or a local Ollama instance) and exposes a uniform
// interface for the LLMRTC orchestrator to perform completions without
// coupling to any specific SDK. Streaming is an optional capability surfaced
// by the [Streamer] interface; the orchestrator discovers it by type
// assertion and falls back to [Provider.Complete] when absent.
//
// Implementors must be safe for concurrent use. Channels returned by Stream
// must be closed by the implementation when the stream ends or when the
// supplied context is cancelled.
package llm

import (
	"context"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// Tool-choice modes. See [ToolChoice].
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
	ToolChoiceNamed    = "named"
)

// ToolChoice constrains how the model may use the offered tools.
// The zero value means "auto".
type ToolChoice struct {
	// Mode is one of "auto", "none", "required", or "named".
	Mode string

	// Name is the forced tool when Mode is "named".
	Name string
}

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// Request carries everything the LLM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type Request struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []types.Message

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history. Providers without a dedicated system field
	// should prepend it as a "system"-role message.
	SystemPrompt string

	// Tools is the set of tool definitions offered to the model. Nil disables
	// tool calling.
	Tools []types.ToolDefinition

	// ToolChoice constrains tool usage. Ignored when Tools is nil.
	ToolChoice ToolChoice

	// Temperature controls output randomness in the range [0.0, 2.0].
	Temperature float64

	// TopP is the nucleus sampling parameter. Zero means provider default.
	TopP float64

	// MaxTokens caps the number of completion tokens. Zero means provider
	// default.
	MaxTokens int
}

// Result is returned by the non-streaming Complete method.
type Result struct {
	// FullText is the complete text of the assistant's reply. Empty when the
	// model responds exclusively with tool calls.
	FullText string

	// ToolCalls lists all tool invocations requested by the model, in the
	// canonical normalized shape. The caller executes them and appends the
	// results to the conversation.
	ToolCalls []types.ToolCallRequest

	// StopReason is the canonical reason generation ended.
	StopReason types.StopReason

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Content is the incremental text content of this chunk. May be empty on
	// the final chunk.
	Content string

	// Done is true on the final chunk of the stream.
	Done bool

	// ToolCalls carries the complete accumulated tool-call set. Only set when
	// Done is true; streaming adapters accumulate partial argument fragments
	// across chunks and emit the full set here.
	ToolCalls []types.ToolCallRequest

	// StopReason is set when Done is true.
	StopReason types.StopReason

	// Err carries a mid-stream failure. When non-nil the chunk is the last
	// one on the channel.
	Err error
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines
// and must propagate context cancellation promptly.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or if ctx is cancelled before the
	// completion arrives.
	Complete(ctx context.Context, req Request) (*Result, error)
}

// Streamer is the optional streaming capability of a [Provider].
type Streamer interface {
	Provider

	// Stream sends req to the model and returns a read-only channel that
	// emits [Chunk] values as they arrive. The channel is closed by the
	// implementation after the Done chunk, on error, or when ctx is
	// cancelled. Callers must drain the channel to avoid goroutine leaks.
	//
	// The returned channel is never nil when error is nil.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
