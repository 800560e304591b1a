// Package tools dispatches model-issued function calls to local
// handlers, gating sensitive ones behind user confirmation.
package tools

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adalabs/ada/internal/trace"
)

// Prompt describes one pending confirmation shown to the user.
type Prompt struct {
	ID   string
	Tool string
	Text string
}

// Confirmations brokers approval requests between the dispatcher and
// the UI. Each request gets a unique id; the UI resolves it exactly
// once, and late or repeated resolutions are ignored.
type Confirmations struct {
	// Notify surfaces a prompt to the user. Required.
	Notify func(ctx context.Context, p Prompt)
	// Timeout bounds how long a request waits before defaulting to
	// denial.
	Timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan bool
}

// NewConfirmations creates a broker with the given prompt sink.
func NewConfirmations(timeout time.Duration, notify func(ctx context.Context, p Prompt)) *Confirmations {
	return &Confirmations{
		Notify:  notify,
		Timeout: timeout,
		pending: make(map[string]chan bool),
	}
}

// Ask surfaces a prompt and blocks until the user answers, the timeout
// lapses, or ctx ends. Anything but an explicit approval is a denial.
func (c *Confirmations) Ask(ctx context.Context, tool, text string) bool {
	id := uuid.NewString()
	answer := make(chan bool, 1)

	c.mu.Lock()
	c.pending[id] = answer
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.Notify(ctx, Prompt{ID: id, Tool: tool, Text: text})

	timer := time.NewTimer(c.Timeout)
	defer timer.Stop()

	select {
	case approved := <-answer:
		return approved
	case <-timer.C:
		trace.Logger(ctx).Warn("confirmation timed out, denying", "tool", tool, "id", id)
		return false
	case <-ctx.Done():
		return false
	}
}

// Resolve answers a pending request. Unknown ids and duplicate answers
// are logged and dropped.
func (c *Confirmations) Resolve(ctx context.Context, id string, approved bool) {
	c.mu.Lock()
	answer, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		trace.Logger(ctx).Warn("confirmation for unknown request", "id", id)
		return
	}
	answer <- approved
}

// PendingCount reports how many requests await an answer.
func (c *Confirmations) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
