// Package server exposes the daemon to UI clients over a websocket,
// fanning session events out and feeding user commands back in.
package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/adalabs/ada/internal/agents/faceauth"
	apperrors "github.com/adalabs/ada/internal/errors"
	"github.com/adalabs/ada/internal/session"
	"github.com/adalabs/ada/internal/settings"
	"github.com/adalabs/ada/internal/tools"
	"github.com/adalabs/ada/internal/trace"
)

const (
	writeTimeout = 5 * time.Second
	// rateLimit caps inbound messages per client per window.
	rateLimit       = 30
	rateLimitWindow = time.Second
)

// Event is one outbound UI message.
type Event struct {
	Type     string             `json:"type"`
	State    string             `json:"state,omitempty"`
	Text     string             `json:"text,omitempty"`
	ID       string             `json:"id,omitempty"`
	Tool     string             `json:"tool,omitempty"`
	Level    float64            `json:"level,omitempty"`
	Settings *settings.Settings `json:"settings,omitempty"`
}

// ProjectInfo reports workspace state for /status.
type ProjectInfo interface {
	Current() string
}

// Server is the UI-facing surface. It implements session.Observer so
// a supervisor can report straight into the client fan-out.
type Server struct {
	store    *settings.Store
	confirm  *tools.Confirmations
	auth     faceauth.Authenticator
	projects ProjectInfo

	// NewSupervisor builds a supervisor observed by this server. Set
	// once at startup.
	NewSupervisor func() *session.Supervisor
	// RunCtx is the daemon lifetime; session contexts derive from it.
	RunCtx context.Context

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	sup    *session.Supervisor
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a server.
func New(store *settings.Store, confirm *tools.Confirmations, auth faceauth.Authenticator, projects ProjectInfo) *Server {
	return &Server{
		store:    store,
		confirm:  confirm,
		auth:     auth,
		projects: projects,
		conns:    make(map[*websocket.Conn]struct{}),
	}
}

// Handler builds the HTTP mux with tracing middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/api/settings", s.handleSettings)
	return trace.Middleware(mux)
}

// handleStatus reports daemon health as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	state := session.StateDisconnected
	if s.sup != nil {
		state = s.sup.State()
	}
	clients := len(s.conns)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"state":   state,
		"project": s.projects.Current(),
		"clients": clients,
	})
}

// handleSettings serves and updates settings over plain HTTP.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		current := s.store.Get()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(current)
	case http.MethodPut:
		var next settings.Settings
		if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
			http.Error(w, "malformed settings", http.StatusBadRequest)
			return
		}
		if err := s.applySettings(r.Context(), next); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) applySettings(ctx context.Context, next settings.Settings) error {
	if next.ToolPermissions == nil {
		next.ToolPermissions = map[string]bool{}
	}
	err := s.store.Update(func(st *settings.Settings) { *st = next })
	if err == nil {
		snap := s.store.Get()
		s.broadcast(ctx, Event{Type: "settings", Settings: &snap})
	}
	return err
}

// handleWS upgrades a client and serves its command loop.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // local daemon, UI origin varies
	})
	if err != nil {
		return
	}
	ctx := r.Context()
	log := trace.Logger(ctx)

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	clients := len(s.conns)
	s.mu.Unlock()
	log.Info("ui client connected", "clients", clients)

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		log.Info("ui client disconnected")
	}()

	// Greet with current state and settings.
	snap := s.store.Get()
	s.send(ctx, conn, Event{Type: "settings", Settings: &snap})
	s.send(ctx, conn, Event{Type: "state", State: string(s.currentState())})

	window := time.Now()
	count := 0
	for {
		var payload map[string]any
		if err := wsjson.Read(ctx, conn, &payload); err != nil {
			return
		}

		if now := time.Now(); now.Sub(window) > rateLimitWindow {
			window, count = now, 0
		}
		count++
		if count > rateLimit {
			log.Warn("ui client over rate limit, dropping command")
			continue
		}

		cmdCtx := ctx
		if tc, ok := trace.ExtractFromJSON(payload); ok {
			cmdCtx = trace.WithContext(ctx, tc)
		}
		s.dispatch(cmdCtx, conn, payload)
	}
}

// dispatch routes one UI command.
func (s *Server) dispatch(ctx context.Context, conn *websocket.Conn, payload map[string]any) {
	log := trace.Logger(ctx)
	kind, _ := payload["type"].(string)

	switch kind {
	case "start":
		if err := s.startSession(ctx); err != nil {
			log.Warn("session start refused", "error", err)
			s.send(ctx, conn, Event{Type: "error", Text: err.Error()})
		}
	case "stop":
		s.stopSession()
	case "pause", "resume":
		if sup := s.supervisor(); sup != nil {
			sup.SetPaused(kind == "pause")
			s.broadcast(ctx, Event{Type: kind})
		}
	case "user_input":
		text, _ := payload["text"].(string)
		if sup := s.supervisor(); sup != nil && text != "" {
			sup.SendUserText(ctx, text)
		}
	case "confirm_tool":
		id, _ := payload["id"].(string)
		approved, _ := payload["approved"].(bool)
		s.confirm.Resolve(ctx, id, approved)
	case "get_settings":
		snap := s.store.Get()
		s.send(ctx, conn, Event{Type: "settings", Settings: &snap})
	case "update_settings":
		raw, err := json.Marshal(payload["settings"])
		if err != nil {
			s.send(ctx, conn, Event{Type: "error", Text: "malformed settings"})
			return
		}
		var next settings.Settings
		if err := json.Unmarshal(raw, &next); err != nil {
			s.send(ctx, conn, Event{Type: "error", Text: "malformed settings"})
			return
		}
		if err := s.applySettings(ctx, next); err != nil {
			s.send(ctx, conn, Event{Type: "error", Text: err.Error()})
		}
	default:
		log.Warn("unknown ui command", "type", kind)
	}
}

// startSession authenticates the user and launches a supervisor.
func (s *Server) startSession(ctx context.Context) error {
	s.mu.Lock()
	running := s.sup != nil
	s.mu.Unlock()
	if running {
		return nil
	}

	if s.store.Get().FaceAuthEnabled {
		if err := s.auth.Authenticate(ctx); err != nil {
			return err
		}
	}

	sup := s.NewSupervisor()
	runCtx, cancel := context.WithCancel(s.RunCtx)
	done := make(chan struct{})

	s.mu.Lock()
	s.sup, s.cancel, s.done = sup, cancel, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		err := sup.Run(runCtx)
		if err != nil && runCtx.Err() == nil {
			trace.Logger(runCtx).Error("session ended", "error", err)
			if apperrors.IsFatal(err) || apperrors.KindOf(err) == apperrors.Device {
				s.broadcast(context.Background(), Event{Type: "error", Text: err.Error()})
			}
		}
		s.mu.Lock()
		if s.sup == sup {
			s.sup, s.cancel, s.done = nil, nil, nil
		}
		s.mu.Unlock()
		s.broadcast(context.Background(), Event{Type: "state", State: string(session.StateDisconnected)})
	}()
	return nil
}

// stopSession cancels the running supervisor and waits for it.
func (s *Server) stopSession() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Server) supervisor() *session.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Server) currentState() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup == nil {
		return session.StateDisconnected
	}
	return s.sup.State()
}

// send writes one event to one client.
func (s *Server) send(ctx context.Context, conn *websocket.Conn, ev Event) {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, conn, ev); err != nil {
		trace.Logger(ctx).Debug("ui write failed", "error", err)
	}
}

// broadcast writes one event to every client.
func (s *Server) broadcast(ctx context.Context, ev Event) {
	s.mu.Lock()
	targets := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		targets = append(targets, conn)
	}
	s.mu.Unlock()

	for _, conn := range targets {
		s.send(ctx, conn, ev)
	}
}

// session.Observer implementation.

func (s *Server) OnStateChange(ctx context.Context, state session.State) {
	s.broadcast(ctx, Event{Type: "state", State: string(state)})
}

func (s *Server) OnInputTranscript(ctx context.Context, delta string) {
	s.broadcast(ctx, Event{Type: "input_transcript", Text: delta})
}

func (s *Server) OnOutputTranscript(ctx context.Context, delta string) {
	s.broadcast(ctx, Event{Type: "output_transcript", Text: delta})
}

func (s *Server) OnTurnComplete(ctx context.Context) {
	s.broadcast(ctx, Event{Type: "turn_complete"})
}

func (s *Server) OnInterrupted(ctx context.Context) {
	s.broadcast(ctx, Event{Type: "interrupted"})
}

func (s *Server) OnProjectContext(ctx context.Context, _ string) {
	s.broadcast(ctx, Event{Type: "project_update", Text: s.projects.Current()})
}

// SetConfirm attaches the confirmation broker. The broker is built
// after the server because its notify hook broadcasts through it.
func (s *Server) SetConfirm(c *tools.Confirmations) {
	s.confirm = c
}

// PromptConfirm surfaces a tool confirmation to every client. Wire it
// as the confirmation broker's notify hook.
func (s *Server) PromptConfirm(ctx context.Context, p tools.Prompt) {
	s.broadcast(ctx, Event{Type: "confirm_request", ID: p.ID, Tool: p.Tool, Text: p.Text})
}

// Status reports tool progress lines to the UI.
func (s *Server) Status(ctx context.Context, text string) {
	s.broadcast(ctx, Event{Type: "status", Text: text})
}

// MirrorAudio publishes the speech level of outgoing playback so the
// UI can animate. Wire it as the playback mirror.
func (s *Server) MirrorAudio(chunk []byte) {
	n := len(chunk) / 2
	if n == 0 {
		return
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(chunk[i*2:]))
		sum += float64(v) * float64(v)
	}
	level := math.Sqrt(sum/float64(n)) / math.MaxInt16
	s.broadcast(context.Background(), Event{Type: "audio_level", Level: level})
}
