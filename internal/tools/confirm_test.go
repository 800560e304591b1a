package tools

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestConfirmations(timeout time.Duration) (*Confirmations, chan Prompt) {
	prompts := make(chan Prompt, 4)
	c := NewConfirmations(timeout, func(_ context.Context, p Prompt) {
		prompts <- p
	})
	return c, prompts
}

func TestConfirmApproved(t *testing.T) {
	c, prompts := newTestConfirmations(time.Second)
	ctx := context.Background()

	done := make(chan bool, 1)
	go func() { done <- c.Ask(ctx, "control_light", "Allow?") }()

	p := <-prompts
	if p.ID == "" || p.Tool != "control_light" {
		t.Fatalf("prompt = %+v", p)
	}
	c.Resolve(ctx, p.ID, true)

	if approved := <-done; !approved {
		t.Fatal("expected approval")
	}
	if c.PendingCount() != 0 {
		t.Fatal("request should be removed after resolution")
	}
}

func TestConfirmTimeoutDenies(t *testing.T) {
	c, prompts := newTestConfirmations(20 * time.Millisecond)
	ctx := context.Background()

	done := make(chan bool, 1)
	go func() { done <- c.Ask(ctx, "write_file", "Allow?") }()
	<-prompts

	select {
	case approved := <-done:
		if approved {
			t.Fatal("timeout must deny")
		}
	case <-time.After(time.Second):
		t.Fatal("Ask did not time out")
	}
}

func TestConfirmResolveIdempotent(t *testing.T) {
	c, prompts := newTestConfirmations(time.Second)
	ctx := context.Background()

	done := make(chan bool, 1)
	go func() { done <- c.Ask(ctx, "print_stl", "Allow?") }()
	p := <-prompts

	c.Resolve(ctx, p.ID, false)
	// Late duplicates and unknown ids are dropped without blocking.
	c.Resolve(ctx, p.ID, true)
	c.Resolve(ctx, "no-such-id", true)

	if approved := <-done; approved {
		t.Fatal("first resolution wins")
	}
}

func TestConfirmConcurrentRequests(t *testing.T) {
	c, prompts := newTestConfirmations(time.Second)
	ctx := context.Background()

	const n = 4
	var wg sync.WaitGroup
	results := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.Ask(ctx, "write_file", "Allow?")
		}()
	}

	// Approve every distinct request.
	for i := 0; i < n; i++ {
		p := <-prompts
		c.Resolve(ctx, p.ID, true)
	}
	wg.Wait()
	close(results)

	for approved := range results {
		if !approved {
			t.Fatal("every request should have been approved individually")
		}
	}
}
