package live

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// ServerEvent is one decoded server frame, flattened into the fields
// the session layer consumes. A single frame may populate several
// fields (audio plus a transcript delta, for example).
type ServerEvent struct {
	// Audio holds raw PCM from the model turn, already base64-decoded.
	Audio []byte
	// InputTranscript is the cumulative transcription of user speech.
	InputTranscript string
	HasInput        bool
	// OutputTranscript is the cumulative transcription of model speech.
	OutputTranscript string
	HasOutput        bool
	// ToolCalls carries a batch of function calls, in arrival order.
	ToolCalls []FunctionCall
	// TurnComplete marks the end of a model turn.
	TurnComplete bool
	// Interrupted reports that the model turn was cut off by new input.
	Interrupted bool
}

// FunctionCall is one tool invocation requested by the model.
type FunctionCall struct {
	ID   string
	Name string
	Args map[string]any
}

// FunctionResult answers one FunctionCall.
type FunctionResult struct {
	ID   string
	Name string
	// Response is the payload placed under the "result" key.
	Response any
}

// decodeServerMessage converts a raw frame into a ServerEvent. Frames
// carrying nothing the session layer cares about yield ok=false.
func decodeServerMessage(raw []byte) (ServerEvent, bool, error) {
	var msg serverMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ServerEvent{}, false, fmt.Errorf("decode server frame: %w", err)
	}

	var ev ServerEvent
	ok := false

	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					return ServerEvent{}, false, fmt.Errorf("decode audio part: %w", err)
				}
				ev.Audio = append(ev.Audio, pcm...)
				ok = true
			}
		}
		if sc.InputTranscription != nil {
			ev.InputTranscript = sc.InputTranscription.Text
			ev.HasInput = true
			ok = true
		}
		if sc.OutputTranscription != nil {
			ev.OutputTranscript = sc.OutputTranscription.Text
			ev.HasOutput = true
			ok = true
		}
		if sc.TurnComplete {
			ev.TurnComplete = true
			ok = true
		}
		if sc.Interrupted {
			ev.Interrupted = true
			ok = true
		}
	}

	if tc := msg.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		ev.ToolCalls = make([]FunctionCall, 0, len(tc.FunctionCalls))
		for _, fc := range tc.FunctionCalls {
			args := map[string]any{}
			if len(fc.Args) > 0 {
				if err := json.Unmarshal(fc.Args, &args); err != nil {
					return ServerEvent{}, false, fmt.Errorf("decode args for %s: %w", fc.Name, err)
				}
			}
			ev.ToolCalls = append(ev.ToolCalls, FunctionCall{ID: fc.ID, Name: fc.Name, Args: args})
		}
		ok = true
	}

	return ev, ok, nil
}
