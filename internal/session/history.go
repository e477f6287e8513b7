// Package session owns per-connection state: the bounded conversation
// history, the session lifecycle state machine, and the manager that tracks
// live sessions across transport detach and reconnect.
package session

import (
	"sync"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// History limits applied when the configuration leaves them zero.
const (
	DefaultHistoryLimit         = 8
	DefaultPlaybookHistoryLimit = 50
)

// History is the bounded conversation history. Appends are unbounded within
// a turn; Truncate applies the limit at turn boundaries, evicting oldest
// entries first. System messages are never evicted.
type History struct {
	mu    sync.Mutex
	limit int
	msgs  []types.Message
}

// NewHistory creates a history bounded to limit entries. limit <= 0 falls
// back to DefaultHistoryLimit.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{limit: limit}
}

// Messages returns a copy of the history in order.
func (h *History) Messages() []types.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Append adds one message at the end. The limit is not applied here; a turn
// may briefly overshoot it until Truncate runs.
func (h *History) Append(m types.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, m)
}

// Replace swaps the entire history. The limit is applied immediately.
func (h *History) Replace(msgs []types.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs[:0:0], msgs...)
	h.truncateLocked()
}

// Truncate applies the history limit, dropping the oldest non-system
// entries first. Called at turn boundaries.
func (h *History) Truncate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.truncateLocked()
}

// Len returns the current number of messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

func (h *History) truncateLocked() {
	over := len(h.msgs) - h.limit
	if over <= 0 {
		return
	}
	kept := make([]types.Message, 0, h.limit)
	for _, m := range h.msgs {
		if m.Role == types.RoleSystem {
			kept = append(kept, m)
			continue
		}
		if over > 0 {
			over--
			continue
		}
		kept = append(kept, m)
	}
	h.msgs = kept
}
