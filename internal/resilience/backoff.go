package resilience

import (
	"context"
	"time"
)

// Reconnect delay bounds shared by session supervisors.
const (
	DefaultReconnectBase = time.Second
	DefaultReconnectMax  = 10 * time.Second
)

// Backoff tracks an exponential reconnect delay. Each Next call doubles
// the delay up to Max; Reset returns it to Base after a healthy run.
// Not safe for concurrent use; the supervisor owns one per session.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	next time.Duration
}

// NewBackoff creates a backoff starting at base and capped at max.
func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max, next: base}
}

// Next returns the current delay and doubles the stored one.
func (b *Backoff) Next() time.Duration {
	if b.next <= 0 {
		b.next = b.Base
	}
	d := b.next
	b.next *= 2
	if b.next > b.Max {
		b.next = b.Max
	}
	return d
}

// Reset returns the delay to its base value.
func (b *Backoff) Reset() { b.next = b.Base }

// Wait sleeps for the next delay or until ctx ends.
func (b *Backoff) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.Next()):
		return nil
	}
}
