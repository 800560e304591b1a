package session

import (
	"context"
	"sync"
	"testing"
)

func TestDeltaTracker(t *testing.T) {
	tests := []struct {
		name      string
		snapshots []string
		deltas    []string
	}{
		{
			name:      "cumulative growth",
			snapshots: []string{"turn", "turn on", "turn on the light"},
			deltas:    []string{"turn", " on", " the light"},
		},
		{
			name:      "exact repeat suppressed",
			snapshots: []string{"hello", "hello", "hello there"},
			deltas:    []string{"hello", " there"},
		},
		{
			name:      "restart emits whole snapshot",
			snapshots: []string{"turn on the", "lights please"},
			deltas:    []string{"turn on the", "lights please"},
		},
		{
			name:      "shrinking snapshot is a restart",
			snapshots: []string{"hello world", "hello"},
			deltas:    []string{"hello world", "hello"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tr deltaTracker
			var got []string
			for _, snap := range tt.snapshots {
				if delta, ok := tr.Delta(snap); ok {
					got = append(got, delta)
				}
			}
			if len(got) != len(tt.deltas) {
				t.Fatalf("deltas = %q, want %q", got, tt.deltas)
			}
			for i := range got {
				if got[i] != tt.deltas[i] {
					t.Fatalf("deltas = %q, want %q", got, tt.deltas)
				}
			}
		})
	}
}

func TestDeltaTrackerReset(t *testing.T) {
	var tr deltaTracker
	tr.Delta("full sentence")
	tr.Reset()

	delta, ok := tr.Delta("full")
	if !ok || delta != "full" {
		t.Fatalf("after Reset, Delta = %q %v, want full true", delta, ok)
	}
}

// memLog records chat entries in memory. Safe for concurrent use so
// supervisor tests can read while the session writes.
type memLog struct {
	mu      sync.Mutex
	entries []ChatEntry
}

func (m *memLog) LogChat(sender, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, ChatEntry{Sender: sender, Text: text})
	return nil
}

func (m *memLog) Recent(limit int) ([]ChatEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) <= limit {
		return append([]ChatEntry{}, m.entries...), nil
	}
	return append([]ChatEntry{}, m.entries[len(m.entries)-limit:]...), nil
}

func (m *memLog) all() []ChatEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatEntry{}, m.entries...)
}

func TestAggregatorFlushOnSpeakerChange(t *testing.T) {
	log := &memLog{}
	agg := NewAggregator(log)
	ctx := context.Background()

	agg.Add(ctx, SpeakerUser, "turn on")
	agg.Add(ctx, SpeakerUser, " the light")
	agg.Add(ctx, SpeakerAssistant, "Sure,")
	agg.Add(ctx, SpeakerAssistant, " done.")
	agg.Flush(ctx)

	want := []ChatEntry{
		{SpeakerUser, "turn on the light"},
		{SpeakerAssistant, "Sure, done."},
	}
	if len(log.entries) != len(want) {
		t.Fatalf("entries = %+v, want %+v", log.entries, want)
	}
	for i := range want {
		if log.entries[i] != want[i] {
			t.Fatalf("entries = %+v, want %+v", log.entries, want)
		}
	}
}

func TestAggregatorSkipsEmptyFlush(t *testing.T) {
	log := &memLog{}
	agg := NewAggregator(log)
	ctx := context.Background()

	agg.Flush(ctx)
	agg.Add(ctx, SpeakerUser, "   ")
	agg.Flush(ctx)

	if len(log.entries) != 0 {
		t.Fatalf("entries = %+v, want none", log.entries)
	}
}
