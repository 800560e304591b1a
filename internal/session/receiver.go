package session

import (
	"context"

	"github.com/adalabs/ada/internal/live"
	"github.com/adalabs/ada/internal/trace"
)

// Conn is the slice of a live session the supervisor drives. It is
// satisfied by *live.Session and faked in tests.
type Conn interface {
	MediaSender
	SendText(ctx context.Context, text string, turnComplete bool) error
	SendToolResponses(ctx context.Context, results []live.FunctionResult) error
	Receive(ctx context.Context) (live.ServerEvent, error)
	Close() error
}

// PlaybackQueue is the slice of the speaker queue the receiver needs.
type PlaybackQueue interface {
	Put(ctx context.Context, chunk []byte)
	Clear() int
}

// ToolDispatcher runs a batch of tool calls and returns the results
// that must go back on the wire, in call order.
type ToolDispatcher interface {
	DispatchBatch(ctx context.Context, calls []live.FunctionCall) []live.FunctionResult
}

// Receiver demultiplexes server events: audio to the playback queue,
// transcripts to the observer and chat log, tool calls to the
// dispatcher.
type Receiver struct {
	conn     Conn
	playback PlaybackQueue
	tools    ToolDispatcher
	observer Observer
	agg      *Aggregator

	input  deltaTracker
	output deltaTracker
}

// NewReceiver wires a receiver. A nil observer is replaced with a nop.
func NewReceiver(conn Conn, playback PlaybackQueue, tools ToolDispatcher, observer Observer, agg *Aggregator) *Receiver {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Receiver{
		conn:     conn,
		playback: playback,
		tools:    tools,
		observer: observer,
		agg:      agg,
	}
}

// Run consumes server events until the connection or ctx ends. The
// aggregator is flushed on exit so a drop never loses a half-spoken
// utterance.
func (r *Receiver) Run(ctx context.Context) error {
	defer r.agg.Flush(ctx)
	log := trace.Logger(ctx)

	for {
		ev, err := r.conn.Receive(ctx)
		if err != nil {
			return err
		}

		if len(ev.Audio) > 0 {
			r.playback.Put(ctx, ev.Audio)
		}

		if ev.HasInput {
			if delta, ok := r.input.Delta(ev.InputTranscript); ok && delta != "" {
				// The user spoke over the model; stop queued speech.
				if dropped := r.playback.Clear(); dropped > 0 {
					log.Debug("barge-in cleared playback", "chunks", dropped)
				}
				r.observer.OnInputTranscript(ctx, delta)
				r.agg.Add(ctx, SpeakerUser, delta)
			}
		}

		if ev.HasOutput {
			if delta, ok := r.output.Delta(ev.OutputTranscript); ok && delta != "" {
				r.observer.OnOutputTranscript(ctx, delta)
				r.agg.Add(ctx, SpeakerAssistant, delta)
			}
		}

		if len(ev.ToolCalls) > 0 {
			results := r.tools.DispatchBatch(ctx, ev.ToolCalls)
			if len(results) > 0 {
				if err := r.conn.SendToolResponses(ctx, results); err != nil {
					return err
				}
			}
		}

		if ev.Interrupted {
			r.playback.Clear()
			r.observer.OnInterrupted(ctx)
		}

		if ev.TurnComplete {
			r.agg.Flush(ctx)
			r.input.Reset()
			r.output.Reset()
			// Anything still queued belongs to the closed turn.
			if dropped := r.playback.Clear(); dropped > 0 {
				log.Debug("discarded stale playback at turn end", "chunks", dropped)
			}
			r.observer.OnTurnComplete(ctx)
		}
	}
}
