package session

import (
	"context"
	"strings"

	"github.com/adalabs/ada/internal/trace"
)

// deltaTracker converts cumulative transcription snapshots into
// incremental deltas. The service usually resends the full transcript
// so far; occasionally it restarts the text, which the tracker treats
// as a reset.
type deltaTracker struct {
	prev string
}

// Delta returns the new text in full relative to what was already
// seen. ok is false when full repeats the previous snapshot exactly.
func (d *deltaTracker) Delta(full string) (string, bool) {
	if full == d.prev {
		return "", false
	}
	if strings.HasPrefix(full, d.prev) {
		delta := full[len(d.prev):]
		d.prev = full
		return delta, true
	}
	// Snapshot restarted; emit it whole.
	d.prev = full
	return full, true
}

// Reset clears the tracker at turn boundaries.
func (d *deltaTracker) Reset() { d.prev = "" }

// ChatLogger persists finished utterances.
type ChatLogger interface {
	LogChat(sender, text string) error
}

// Speaker labels for the aggregator and chat log.
const (
	SpeakerUser      = "user"
	SpeakerAssistant = "assistant"
)

// Aggregator accumulates transcript deltas per speaker and writes one
// chat entry per finished utterance. An utterance finishes when the
// speaker changes, the turn completes, or the session reconnects.
type Aggregator struct {
	logger ChatLogger

	speaker string
	buf     strings.Builder
}

// NewAggregator creates an aggregator writing to logger. A nil logger
// discards entries.
func NewAggregator(logger ChatLogger) *Aggregator {
	return &Aggregator{logger: logger}
}

// Add appends a delta for a speaker, flushing the previous speaker's
// utterance first when the speaker changed.
func (a *Aggregator) Add(ctx context.Context, speaker, delta string) {
	if delta == "" {
		return
	}
	if a.speaker != "" && a.speaker != speaker {
		a.Flush(ctx)
	}
	a.speaker = speaker
	a.buf.WriteString(delta)
}

// Flush persists any buffered utterance. Whitespace-only buffers are
// discarded.
func (a *Aggregator) Flush(ctx context.Context) {
	text := strings.TrimSpace(a.buf.String())
	speaker := a.speaker
	a.buf.Reset()
	a.speaker = ""

	if text == "" || speaker == "" {
		return
	}
	if a.logger == nil {
		return
	}
	if err := a.logger.LogChat(speaker, text); err != nil {
		trace.Logger(ctx).Warn("chat log write failed", "speaker", speaker, "error", err)
	}
}
