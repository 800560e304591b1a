// Package session supervises one live conversation: it owns the
// connection lifecycle, the outbound media queue, voice activity
// detection, and the demultiplexing of server events into playback,
// transcripts, and tool dispatch.
package session

import "context"

// State is the supervisor lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateActive       State = "active"
	StateReconnecting State = "reconnecting"
	StateClosing      State = "closing"
)

// Observer receives session events for the UI. Implementations must
// not block; the receive loop calls these inline.
type Observer interface {
	OnStateChange(ctx context.Context, state State)
	OnInputTranscript(ctx context.Context, delta string)
	OnOutputTranscript(ctx context.Context, delta string)
	OnTurnComplete(ctx context.Context)
	OnInterrupted(ctx context.Context)
	// OnProjectContext reports the working-project summary announced
	// to the model on connect.
	OnProjectContext(ctx context.Context, text string)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) OnStateChange(context.Context, State)      {}
func (NopObserver) OnInputTranscript(context.Context, string) {}
func (NopObserver) OnOutputTranscript(context.Context, string) {
}
func (NopObserver) OnTurnComplete(context.Context)           {}
func (NopObserver) OnInterrupted(context.Context)            {}
func (NopObserver) OnProjectContext(context.Context, string) {}
