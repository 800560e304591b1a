package session

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/adalabs/ada/internal/errors"
	"github.com/adalabs/ada/internal/resilience"
	"github.com/adalabs/ada/internal/syncx"
	"github.com/adalabs/ada/internal/trace"
)

// replayLimit caps how many chat entries a reconnect replays.
const replayLimit = 10

// Dialer opens a fresh connection to the remote model.
type Dialer func(ctx context.Context) (Conn, error)

// ChatEntry is one persisted chat line.
type ChatEntry struct {
	Sender string
	Text   string
}

// History supplies recent chat entries for reconnect replay.
type History interface {
	Recent(limit int) ([]ChatEntry, error)
}

// FrameSource supplies the most recent captured video frame.
type FrameSource interface {
	Latest() (Item, bool)
}

// textMsg is a queued text send toward the model.
type textMsg struct {
	text         string
	turnComplete bool
	fromUser     bool
}

// SupervisorConfig wires a supervisor's collaborators.
type SupervisorConfig struct {
	Dial     Dialer
	Outbound *Outbound
	VAD      *VAD
	// Mic is the stream of captured PCM chunks.
	Mic <-chan []byte
	// AudioMIME labels outbound audio chunks, e.g. "audio/pcm;rate=16000".
	AudioMIME string
	// Frames is optional; nil disables frame attachment.
	Frames   FrameSource
	Playback PlaybackQueue
	Tools    ToolDispatcher
	Observer Observer
	ChatLog  ChatLogger
	History  History
	Backoff  *resilience.Backoff
	// StartMessage is spoken context sent on the first connect.
	StartMessage string
	// ProjectContext, when set, is pushed after the start message
	// without closing the turn.
	ProjectContext func() (string, bool)
}

// Supervisor drives the connect / serve / reconnect loop for one
// conversation. It owns no OS resources itself; capture and playback
// streams are run by the caller and shared across reconnects.
type Supervisor struct {
	cfg SupervisorConfig

	state  *syncx.RWGuard[State]
	paused atomic.Bool
	texts  chan textMsg
	agg    *Aggregator
}

// NewSupervisor creates a supervisor in the disconnected state.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Backoff == nil {
		cfg.Backoff = resilience.NewBackoff(resilience.DefaultReconnectBase, resilience.DefaultReconnectMax)
	}
	return &Supervisor{
		cfg:   cfg,
		state: syncx.NewRWGuard(StateDisconnected),
		texts: make(chan textMsg, 16),
		agg:   NewAggregator(cfg.ChatLog),
	}
}

// State reports the current lifecycle state.
func (s *Supervisor) State() State { return s.state.Get() }

// SetPaused mutes the microphone without tearing down the session.
func (s *Supervisor) SetPaused(paused bool) { s.paused.Store(paused) }

// Paused reports whether the microphone is muted.
func (s *Supervisor) Paused() bool { return s.paused.Load() }

// SendUserText queues a typed user message. Typed input interrupts
// model speech the same way spoken input does.
func (s *Supervisor) SendUserText(ctx context.Context, text string) {
	if s.cfg.Playback != nil {
		s.cfg.Playback.Clear()
	}
	s.queueText(ctx, textMsg{text: text, turnComplete: true, fromUser: true})
}

// NotifySystem queues a system notification as a closed turn, used by
// asynchronous tools to report completion.
func (s *Supervisor) NotifySystem(ctx context.Context, text string) {
	s.queueText(ctx, textMsg{text: text, turnComplete: true})
}

// PushContext queues background context without closing the turn.
func (s *Supervisor) PushContext(ctx context.Context, text string) {
	s.queueText(ctx, textMsg{text: text, turnComplete: false})
}

func (s *Supervisor) queueText(ctx context.Context, msg textMsg) {
	select {
	case s.texts <- msg:
	default:
		trace.Logger(ctx).Warn("text queue full, dropping message")
	}
}

// Run supervises the session until ctx ends or a non-transient error
// occurs. Transient failures reconnect with exponential backoff and
// replay recent chat history so the model regains context.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.setState(ctx, StateDisconnected)
	log := trace.Logger(ctx)

	firstConnect := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.setState(ctx, StateConnecting)

		conn, err := s.cfg.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !apperrors.IsTransient(err) {
				return err
			}
			log.Warn("connect failed, backing off", "error", err)
			s.setState(ctx, StateReconnecting)
			if err := s.cfg.Backoff.Wait(ctx); err != nil {
				return err
			}
			continue
		}

		s.cfg.Backoff.Reset()
		s.setState(ctx, StateActive)

		if firstConnect {
			s.sendOpening(ctx, conn)
			firstConnect = false
		} else {
			s.sendReplay(ctx, conn)
		}

		err = s.serve(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			s.setState(ctx, StateClosing)
			return ctx.Err()
		}
		if err != nil && !apperrors.IsTransient(err) {
			return err
		}

		log.Warn("session dropped, reconnecting", "error", err)
		s.setState(ctx, StateReconnecting)
		if err := s.cfg.Backoff.Wait(ctx); err != nil {
			return err
		}
	}
}

// serve runs one connected session until a loop fails or ctx ends.
func (s *Supervisor) serve(ctx context.Context, conn Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	receiver := NewReceiver(conn, s.cfg.Playback, s.cfg.Tools, s.cfg.Observer, s.agg)
	g.Go(func() error { return receiver.Run(gctx) })

	g.Go(func() error { return s.cfg.Outbound.Run(gctx, conn) })

	g.Go(func() error { return s.micLoop(gctx) })

	g.Go(func() error { return s.textLoop(gctx, conn) })

	// The websocket read does not watch gctx; closing the connection
	// is what unblocks a pending Receive.
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return gctx.Err()
	})

	return g.Wait()
}

// micLoop streams captured audio into the outbound queue and attaches
// the latest video frame once per utterance onset.
func (s *Supervisor) micLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-s.cfg.Mic:
			if !ok {
				// Device failure degrades audio input; receive, playback,
				// and typed input keep the session useful.
				trace.Logger(ctx).Warn("microphone stream ended, continuing without audio input")
				<-ctx.Done()
				return ctx.Err()
			}
			if s.paused.Load() {
				continue
			}

			if s.cfg.VAD.Process(chunk) && s.cfg.Frames != nil {
				if frame, ok := s.cfg.Frames.Latest(); ok {
					// The frame carries the utterance's visual context,
					// so wait for queue space rather than drop it.
					if err := s.cfg.Outbound.Put(ctx, frame); err != nil {
						return err
					}
				}
			}

			if err := s.cfg.Outbound.Put(ctx, Item{MIMEType: s.cfg.AudioMIME, Data: chunk}); err != nil {
				return err
			}
		}
	}
}

// textLoop forwards queued text messages onto the connection.
func (s *Supervisor) textLoop(ctx context.Context, conn Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.texts:
			if msg.fromUser && s.cfg.ChatLog != nil {
				if err := s.cfg.ChatLog.LogChat(SpeakerUser, msg.text); err != nil {
					trace.Logger(ctx).Warn("chat log write failed", "error", err)
				}
			}
			if err := conn.SendText(ctx, msg.text, msg.turnComplete); err != nil {
				return err
			}
		}
	}
}

// sendOpening delivers the start message and project context on the
// first successful connect.
func (s *Supervisor) sendOpening(ctx context.Context, conn Conn) {
	log := trace.Logger(ctx)
	if s.cfg.StartMessage != "" {
		if err := conn.SendText(ctx, s.cfg.StartMessage, true); err != nil {
			log.Warn("start message failed", "error", err)
			return
		}
	}
	if s.cfg.ProjectContext != nil {
		text, ok := s.cfg.ProjectContext()
		if ok {
			if err := conn.SendText(ctx, text, false); err != nil {
				log.Warn("project context push failed", "error", err)
				return
			}
		}
		// Observers hear about the active project even when there is
		// nothing worth pushing to the model yet.
		s.cfg.Observer.OnProjectContext(ctx, text)
	}
}

// sendReplay flushes any half-aggregated utterance, then replays the
// most recent chat entries as a single closed turn so the model can
// pick the conversation back up.
func (s *Supervisor) sendReplay(ctx context.Context, conn Conn) {
	log := trace.Logger(ctx)
	s.agg.Flush(ctx)

	var entries []ChatEntry
	if s.cfg.History != nil {
		var err error
		entries, err = s.cfg.History.Recent(replayLimit)
		if err != nil {
			log.Warn("history load failed", "error", err)
		}
	}

	if err := conn.SendText(ctx, buildReplay(entries), true); err != nil {
		log.Warn("reconnect replay failed", "error", err)
	}
}

// buildReplay formats recent history into one reconnect notification.
func buildReplay(entries []ChatEntry) string {
	var b strings.Builder
	b.WriteString("System Notification: Connection was lost and has now been restored.")
	if len(entries) > 0 {
		b.WriteString(" For context, here is the recent conversation history:\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "[%s]: %s\n", e.Sender, e.Text)
		}
	}
	b.WriteString("Briefly acknowledge the reconnection and continue assisting the user.")
	return b.String()
}

func (s *Supervisor) setState(ctx context.Context, state State) {
	prev := s.state.Swap(state)
	if prev != state {
		trace.Logger(ctx).Info("session state changed", "from", prev, "to", state)
		s.cfg.Observer.OnStateChange(ctx, state)
	}
}
