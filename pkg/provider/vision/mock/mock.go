// Package mock provides a test double for the vision.Provider interface.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/llmrtc/llmrtc/pkg/provider/vision"
)

// Provider is a mock implementation of vision.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Description is returned for every Describe call.
	Description string

	// Err, if non-nil, is returned instead of a result.
	Err error

	// Delay, when non-zero, is slept before returning. Useful for timeout
	// tests.
	Delay time.Duration

	// --- Call records (read after test) ---

	// Calls records every request in order.
	Calls []vision.Request
}

// Describe records the call and returns Description, Err.
func (p *Provider) Describe(ctx context.Context, req vision.Request) (vision.Result, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, req)
	p.mu.Unlock()

	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return vision.Result{}, ctx.Err()
		case <-time.After(p.Delay):
		}
	}
	if p.Err != nil {
		return vision.Result{}, p.Err
	}
	return vision.Result{Description: p.Description}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements vision.Provider at compile time.
var _ vision.Provider = (*Provider)(nil)
