package turn

import (
	"context"
	"errors"
	"fmt"

	"github.com/llmrtc/llmrtc/internal/protocol"
)

// Component names the pipeline component an error originated from.
type Component string

const (
	ComponentSTT       Component = "stt"
	ComponentLLM       Component = "llm"
	ComponentTTS       Component = "tts"
	ComponentVAD       Component = "vad"
	ComponentTransport Component = "transport"
	ComponentServer    Component = "server"
	ComponentTool      Component = "tool"
	ComponentPlaybook  Component = "playbook"
)

// Kind classifies what went wrong, orthogonally to Component.
type Kind string

const (
	KindTimeout           Kind = "timeout"
	KindProviderError     Kind = "provider-error"
	KindProtocolViolation Kind = "protocol-violation"
	KindValidation        Kind = "validation"
	KindCancelled         Kind = "cancelled"
	KindRateLimited       Kind = "rate-limited"
	KindInternal          Kind = "internal"
)

// PhaseError is a typed pipeline failure. It carries the two-dimensional
// taxonomy (component × kind), the stable wire code, and whether the client
// may retry.
type PhaseError struct {
	Component   Component
	Kind        Kind
	Code        string
	Recoverable bool
	Err         error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s/%s: %v", e.Component, e.Kind, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// NewPhaseError builds a PhaseError, deriving the wire code and
// recoverability from the taxonomy.
func NewPhaseError(component Component, kind Kind, err error) *PhaseError {
	return &PhaseError{
		Component:   component,
		Kind:        kind,
		Code:        codeFor(component, kind),
		Recoverable: kind != KindInternal && kind != KindProtocolViolation,
		Err:         err,
	}
}

// Classify maps a raw provider or context error from component into a
// PhaseError, recognizing deadline and cancellation causes.
func Classify(component Component, err error) *PhaseError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewPhaseError(component, KindTimeout, err)
	case errors.Is(err, context.Canceled):
		return NewPhaseError(component, KindCancelled, err)
	default:
		return NewPhaseError(component, KindProviderError, err)
	}
}

// codeFor maps the taxonomy onto the stable error codes of the wire protocol.
func codeFor(component Component, kind Kind) string {
	if kind == KindRateLimited {
		return protocol.CodeRateLimited
	}
	switch component {
	case ComponentSTT:
		if kind == KindTimeout {
			return protocol.CodeSTTTimeout
		}
		return protocol.CodeSTTError
	case ComponentLLM:
		if kind == KindTimeout {
			return protocol.CodeLLMTimeout
		}
		return protocol.CodeLLMError
	case ComponentTTS:
		if kind == KindTimeout {
			return protocol.CodeTTSTimeout
		}
		return protocol.CodeTTSError
	case ComponentVAD:
		return protocol.CodeVADError
	case ComponentTool:
		return protocol.CodeToolError
	case ComponentPlaybook:
		return protocol.CodePlaybookError
	case ComponentTransport:
		return protocol.CodeConnectionFailed
	default:
		if kind == KindProtocolViolation {
			return protocol.CodeInvalidMessage
		}
		return protocol.CodeInternalError
	}
}
