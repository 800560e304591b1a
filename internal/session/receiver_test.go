package session

import (
	"context"
	"sync"
	"testing"

	apperrors "github.com/adalabs/ada/internal/errors"
	"github.com/adalabs/ada/internal/live"
)

// fakeConn feeds scripted events to the receiver and records sends.
type fakeConn struct {
	events chan live.ServerEvent

	mu            sync.Mutex
	texts         []sentText
	media         []Item
	toolResponses [][]live.FunctionResult

	closed    chan struct{}
	closeOnce sync.Once
}

type sentText struct {
	text         string
	turnComplete bool
}

func newFakeConn(buffer int) *fakeConn {
	return &fakeConn{
		events: make(chan live.ServerEvent, buffer),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) SendMedia(_ context.Context, mimeType string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media = append(c.media, Item{MIMEType: mimeType, Data: data})
	return nil
}

func (c *fakeConn) SendText(_ context.Context, text string, turnComplete bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, sentText{text, turnComplete})
	return nil
}

func (c *fakeConn) SendToolResponses(_ context.Context, results []live.FunctionResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolResponses = append(c.toolResponses, results)
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) (live.ServerEvent, error) {
	// Drain buffered events before honoring close, so scripted
	// events queued ahead of Close are always delivered.
	select {
	case ev := <-c.events:
		return ev, nil
	default:
	}
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.closed:
		return live.ServerEvent{}, apperrors.New(apperrors.Transient, "connection closed")
	case <-ctx.Done():
		return live.ServerEvent{}, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentTexts() []sentText {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentText{}, c.texts...)
}

// fakePlayback records queue activity.
type fakePlayback struct {
	mu     sync.Mutex
	puts   [][]byte
	clears int
}

func (p *fakePlayback) Put(_ context.Context, chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.puts = append(p.puts, chunk)
}

func (p *fakePlayback) Clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clears++
	cleared := len(p.puts)
	p.puts = nil
	return cleared
}

// fakeDispatcher answers every call with a canned result.
type fakeDispatcher struct {
	mu      sync.Mutex
	batches [][]live.FunctionCall
}

func (d *fakeDispatcher) DispatchBatch(_ context.Context, calls []live.FunctionCall) []live.FunctionResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, calls)

	results := make([]live.FunctionResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, live.FunctionResult{ID: call.ID, Name: call.Name, Response: "ok"})
	}
	return results
}

// recordingObserver captures observer callbacks.
type recordingObserver struct {
	NopObserver
	mu      sync.Mutex
	inputs  []string
	outputs []string
	turns   int
}

func (o *recordingObserver) OnInputTranscript(_ context.Context, delta string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inputs = append(o.inputs, delta)
}

func (o *recordingObserver) OnOutputTranscript(_ context.Context, delta string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outputs = append(o.outputs, delta)
}

func (o *recordingObserver) OnTurnComplete(context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.turns++
}

func runReceiver(t *testing.T, conn *fakeConn, playback *fakePlayback, tools *fakeDispatcher, obs Observer, log ChatLogger) {
	t.Helper()
	r := NewReceiver(conn, playback, tools, obs, NewAggregator(log))
	conn.Close()
	if err := r.Run(context.Background()); !apperrors.IsTransient(err) {
		t.Fatalf("Run() = %v, want transient close", err)
	}
}

func TestReceiverRoutesAudioToPlayback(t *testing.T) {
	conn := newFakeConn(4)
	playback := &fakePlayback{}

	conn.events <- live.ServerEvent{Audio: []byte{1, 2}}
	conn.events <- live.ServerEvent{Audio: []byte{3, 4}}
	runReceiver(t, conn, playback, &fakeDispatcher{}, nil, nil)

	if len(playback.puts) != 2 {
		t.Fatalf("playback received %d chunks, want 2", len(playback.puts))
	}
}

func TestReceiverBargeInClearsPlayback(t *testing.T) {
	conn := newFakeConn(4)
	playback := &fakePlayback{}
	obs := &recordingObserver{}

	conn.events <- live.ServerEvent{Audio: []byte{1, 2}}
	conn.events <- live.ServerEvent{InputTranscript: "stop", HasInput: true}
	runReceiver(t, conn, playback, &fakeDispatcher{}, obs, nil)

	if playback.clears == 0 {
		t.Fatal("new user speech should clear queued playback")
	}
	if len(obs.inputs) != 1 || obs.inputs[0] != "stop" {
		t.Fatalf("observer inputs = %q, want [stop]", obs.inputs)
	}
}

func TestReceiverDuplicateTranscriptIgnored(t *testing.T) {
	conn := newFakeConn(4)
	playback := &fakePlayback{}
	obs := &recordingObserver{}

	conn.events <- live.ServerEvent{InputTranscript: "hello", HasInput: true}
	conn.events <- live.ServerEvent{InputTranscript: "hello", HasInput: true}
	conn.events <- live.ServerEvent{InputTranscript: "hello there", HasInput: true}
	runReceiver(t, conn, playback, &fakeDispatcher{}, obs, nil)

	if len(obs.inputs) != 2 || obs.inputs[0] != "hello" || obs.inputs[1] != " there" {
		t.Fatalf("observer inputs = %q, want [hello,  there]", obs.inputs)
	}
	// Only the genuinely new deltas cleared playback.
	if playback.clears != 2 {
		t.Fatalf("clears = %d, want 2", playback.clears)
	}
}

func TestReceiverToolBatchOrderAndResponse(t *testing.T) {
	conn := newFakeConn(4)
	tools := &fakeDispatcher{}

	conn.events <- live.ServerEvent{ToolCalls: []live.FunctionCall{
		{ID: "c1", Name: "read_file"},
		{ID: "c2", Name: "list_projects"},
	}}
	runReceiver(t, conn, &fakePlayback{}, tools, nil, nil)

	if len(tools.batches) != 1 || len(tools.batches[0]) != 2 {
		t.Fatalf("batches = %+v, want one batch of two", tools.batches)
	}
	if tools.batches[0][0].ID != "c1" || tools.batches[0][1].ID != "c2" {
		t.Fatalf("call order lost: %+v", tools.batches[0])
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.toolResponses) != 1 || len(conn.toolResponses[0]) != 2 {
		t.Fatalf("tool responses = %+v, want one batch of two", conn.toolResponses)
	}
	if conn.toolResponses[0][0].ID != "c1" {
		t.Fatalf("result order lost: %+v", conn.toolResponses[0])
	}
}

func TestReceiverTurnCompleteFlushesAndResets(t *testing.T) {
	conn := newFakeConn(8)
	log := &memLog{}
	obs := &recordingObserver{}

	playback := &fakePlayback{}
	conn.events <- live.ServerEvent{InputTranscript: "hi", HasInput: true}
	conn.events <- live.ServerEvent{OutputTranscript: "Hello!", HasOutput: true}
	conn.events <- live.ServerEvent{Audio: []byte{9, 9}, TurnComplete: true}
	// After the reset a repeated snapshot is new text again.
	conn.events <- live.ServerEvent{InputTranscript: "hi", HasInput: true}
	runReceiver(t, conn, playback, &fakeDispatcher{}, obs, log)

	if obs.turns != 1 {
		t.Fatalf("turns = %d, want 1", obs.turns)
	}
	// Audio queued within the completing turn is stale and discarded.
	if playback.clears == 0 {
		t.Fatal("turn end should drain residual playback")
	}
	// Two utterances flushed at turn end, one flushed by shutdown.
	if len(log.entries) != 3 {
		t.Fatalf("entries = %+v, want 3", log.entries)
	}
	if log.entries[0] != (ChatEntry{SpeakerUser, "hi"}) ||
		log.entries[1] != (ChatEntry{SpeakerAssistant, "Hello!"}) {
		t.Fatalf("entries = %+v", log.entries)
	}
}

func TestReceiverInterruptedClearsPlayback(t *testing.T) {
	conn := newFakeConn(4)
	playback := &fakePlayback{}
	conn.events <- live.ServerEvent{Audio: []byte{1}, Interrupted: true}
	runReceiver(t, conn, playback, &fakeDispatcher{}, nil, nil)

	if playback.clears != 1 {
		t.Fatalf("clears = %d, want 1", playback.clears)
	}
}
