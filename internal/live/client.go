package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/adalabs/ada/internal/errors"
	"github.com/adalabs/ada/internal/trace"
)

const (
	defaultHost  = "generativelanguage.googleapis.com"
	bidiPath     = "/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	dialTimeout  = 15 * time.Second
	setupTimeout = 15 * time.Second
)

// SessionConfig describes one live session.
type SessionConfig struct {
	APIKey            string
	Model             string
	SystemInstruction string
	VoiceName         string
	Tools             []Tool
	// Host overrides the API host, for tests.
	Host string
	// Insecure switches to ws://, for tests.
	Insecure bool
}

// Session is an open bidirectional stream. Send methods are safe for
// concurrent use; Receive must be driven by a single goroutine.
type Session struct {
	conn *websocket.Conn

	// writeMu serializes writes; gorilla connections allow only one
	// concurrent writer.
	writeMu chan struct{}
}

// Dial opens a websocket to the live API, performs setup, and waits
// for setupComplete. Failures are Transient so the supervisor retries.
func Dial(ctx context.Context, cfg SessionConfig) (*Session, error) {
	ctx, span := trace.StartSpan(ctx, "live.dial")
	defer span.End()
	log := trace.Logger(ctx)

	host := cfg.Host
	if host == "" {
		host = defaultHost
	}
	scheme := "wss"
	if cfg.Insecure {
		scheme = "ws"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     bidiPath,
		RawQuery: url.Values{"key": {cfg.APIKey}}.Encode(),
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Transient, "dial live api")
	}

	s := &Session{
		conn:    conn,
		writeMu: make(chan struct{}, 1),
	}

	if err := s.sendSetup(ctx, cfg); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.awaitSetupComplete(); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info("live session established", "model", cfg.Model)
	return s, nil
}

func (s *Session) sendSetup(ctx context.Context, cfg SessionConfig) error {
	st := &setup{
		Model: cfg.Model,
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		Tools:                    cfg.Tools,
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}
	if cfg.VoiceName != "" {
		st.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: &voiceConfig{
				PrebuiltVoiceConfig: &prebuiltVoiceConfig{VoiceName: cfg.VoiceName},
			},
		}
	}
	if cfg.SystemInstruction != "" {
		st.SystemInstruction = &content{Parts: []part{{Text: cfg.SystemInstruction}}}
	}
	return s.writeJSON(ctx, clientMessage{Setup: st})
}

func (s *Session) awaitSetupComplete() error {
	s.conn.SetReadDeadline(time.Now().Add(setupTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return apperrors.Wrap(err, apperrors.Transient, "await setup")
	}
	var msg serverMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return apperrors.Wrap(err, apperrors.Transient, "decode setup frame")
	}
	if msg.SetupComplete == nil {
		return apperrors.Newf(apperrors.Transient, "unexpected first frame: %s", raw)
	}
	return nil
}

// SendMedia streams one media chunk (PCM audio or a JPEG frame).
func (s *Session) SendMedia(ctx context.Context, mimeType string, data []byte) error {
	return s.writeJSON(ctx, clientMessage{
		RealtimeInput: &realtimeInput{
			MediaChunks: []mediaChunk{{
				MIMEType: mimeType,
				Data:     base64.StdEncoding.EncodeToString(data),
			}},
		},
	})
}

// SendText submits a user text turn. turnComplete=false leaves the
// turn open so the model folds the text into context silently.
func (s *Session) SendText(ctx context.Context, text string, turnComplete bool) error {
	return s.writeJSON(ctx, clientMessage{
		ClientContent: &clientContent{
			Turns:        []content{{Role: "user", Parts: []part{{Text: text}}}},
			TurnComplete: turnComplete,
		},
	})
}

// SendToolResponses answers a batch of tool calls in one frame.
func (s *Session) SendToolResponses(ctx context.Context, results []FunctionResult) error {
	if len(results) == 0 {
		return nil
	}
	frs := make([]functionResponse, 0, len(results))
	for _, r := range results {
		frs = append(frs, functionResponse{
			ID:       r.ID,
			Name:     r.Name,
			Response: map[string]any{"result": r.Response},
		})
	}
	return s.writeJSON(ctx, clientMessage{
		ToolResponse: &toolResponse{FunctionResponses: frs},
	})
}

// Receive blocks for the next meaningful server event. Connection
// errors come back as Transient; ctx cancellation is surfaced as-is
// once the read unblocks.
func (s *Session) Receive(ctx context.Context) (ServerEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return ServerEvent{}, err
		}
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ServerEvent{}, ctx.Err()
			}
			return ServerEvent{}, apperrors.Wrap(err, apperrors.Transient, "receive")
		}
		ev, ok, err := decodeServerMessage(raw)
		if err != nil {
			return ServerEvent{}, apperrors.Wrap(err, apperrors.Transient, "receive")
		}
		if ok {
			return ev, nil
		}
	}
}

// Close tears down the websocket. Safe to call more than once; it also
// unblocks a pending Receive.
func (s *Session) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)
	return s.conn.Close()
}

// writeJSON sends one frame while holding the write slot.
func (s *Session) writeJSON(ctx context.Context, msg clientMessage) error {
	select {
	case s.writeMu <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.writeMu }()

	if err := s.conn.WriteJSON(msg); err != nil {
		return apperrors.Wrap(err, apperrors.Transient, fmt.Sprintf("send %s", frameKind(msg)))
	}
	return nil
}

func frameKind(msg clientMessage) string {
	switch {
	case msg.Setup != nil:
		return "setup"
	case msg.RealtimeInput != nil:
		return "media"
	case msg.ClientContent != nil:
		return "content"
	case msg.ToolResponse != nil:
		return "tool response"
	default:
		return "frame"
	}
}
