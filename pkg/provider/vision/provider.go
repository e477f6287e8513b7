// Package vision defines the Provider interface for image description
// backends.
//
// Vision is used only as a fallback: when a user message carries attachments
// and the configured LLM lacks native vision, the orchestrator asks a vision
// provider to describe the attachments and injects the description as text
// context instead.
package vision

import (
	"context"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// Request carries the attachments to describe and an optional guiding prompt.
type Request struct {
	// Prompt steers the description (e.g., "focus on any visible text").
	// Empty requests a general description.
	Prompt string

	// Attachments are the images to describe, in order.
	Attachments []types.Attachment
}

// Result is the textual description of the attachments.
type Result struct {
	// Description is the model's description, one paragraph per attachment.
	Description string
}

// Provider is the abstraction over any vision backend.
//
// Implementations must be safe for concurrent use and must respect context
// cancellation.
type Provider interface {
	// Describe produces a textual description of the request's attachments.
	Describe(ctx context.Context, req Request) (Result, error)
}
