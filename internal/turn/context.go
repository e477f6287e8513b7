package turn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llmrtc/llmrtc/internal/hooks"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// ErrBargeIn is the cancellation cause used when user speech interrupts an
// active turn.
var ErrBargeIn = errors.New("turn: cancelled by barge-in")

// Context is the per-turn state owned by the orchestrator: identity,
// cancellation, per-phase timings, and accumulated tool results. Hooks
// receive read-only snapshots of it.
type Context struct {
	id        string
	sessionID string
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu          sync.Mutex
	timings     map[string]time.Duration
	toolResults []types.ToolCallResult
}

// NewContext creates a turn context under parent. Cancelling parent cancels
// the turn.
func NewContext(parent context.Context, sessionID string) *Context {
	ctx, cancel := context.WithCancelCause(parent)
	return &Context{
		id:        uuid.NewString(),
		sessionID: sessionID,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		timings:   map[string]time.Duration{},
	}
}

// ID returns the turn identifier.
func (c *Context) ID() string { return c.id }

// SessionID returns the owning session's identifier.
func (c *Context) SessionID() string { return c.sessionID }

// StartedAt returns the turn start timestamp.
func (c *Context) StartedAt() time.Time { return c.startedAt }

// Ctx returns the turn's cancellation context. Every provider call and
// channel operation of the turn runs under it.
func (c *Context) Ctx() context.Context { return c.ctx }

// Cancel cancels the turn with the given cause. nil falls back to
// context.Canceled.
func (c *Context) Cancel(cause error) { c.cancel(cause) }

// Cancelled reports whether the turn has been cancelled.
func (c *Context) Cancelled() bool {
	return c.ctx.Err() != nil
}

// Cause returns the cancellation cause, or nil while the turn is live.
func (c *Context) Cause() error {
	return context.Cause(c.ctx)
}

// MarkPhase records the duration of a named phase.
func (c *Context) MarkPhase(name string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timings[name] = d
}

// Timings returns a copy of the recorded phase durations.
func (c *Context) Timings() map[string]time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]time.Duration, len(c.timings))
	for k, v := range c.timings {
		out[k] = v
	}
	return out
}

// AddToolResults appends executed tool results to the turn record.
func (c *Context) AddToolResults(results ...types.ToolCallResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolResults = append(c.toolResults, results...)
}

// ToolResults returns a copy of the accumulated tool results.
func (c *Context) ToolResults() []types.ToolCallResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.ToolCallResult, len(c.toolResults))
	copy(out, c.toolResults)
	return out
}

// Info returns the hook-facing snapshot of the turn.
func (c *Context) Info() hooks.TurnInfo {
	return hooks.TurnInfo{
		SessionID: c.sessionID,
		TurnID:    c.id,
		StartedAt: c.startedAt,
	}
}
