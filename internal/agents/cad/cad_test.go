package cad

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExtractScript(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    string
		wantErr bool
	}{
		{
			name: "fenced python",
			text: "Here you go:\n```python\nfrom build123d import *\nbox = Box(1, 2, 3)\n```\nEnjoy!",
			want: "from build123d import *\nbox = Box(1, 2, 3)",
		},
		{
			name: "fence without language",
			text: "```\nprint('hi')\n```",
			want: "print('hi')",
		},
		{
			name: "bare code",
			text: "from build123d import *",
			want: "from build123d import *",
		},
		{
			name:    "empty response",
			text:    "   \n",
			wantErr: true,
		},
		{
			name:    "unterminated fence",
			text:    "```python\nbroken",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractScript(tt.text)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("extractScript() = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("extractScript() error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("extractScript() = %q, want %q", got, tt.want)
			}
		})
	}
}

type tempWorkspace struct{ dir string }

func (w tempWorkspace) CadDir() string { return w.dir }

func TestGenerateScriptRequest(t *testing.T) {
	var gotPath, gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body struct {
			Contents []struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotPrompt = body.Contents[0].Parts[0].Text

		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"parts": []map[string]string{{"text": "```python\nprint('part')\n```"}},
				},
			}},
		})
	}))
	defer srv.Close()

	agent := New("key", "gemini-test", "python3", tempWorkspace{t.TempDir()})
	agent.BaseURL = srv.URL

	script, err := agent.generateScript(context.Background(), "make a cube")
	if err != nil {
		t.Fatalf("generateScript: %v", err)
	}
	if script != "print('part')" {
		t.Errorf("script = %q", script)
	}
	if !strings.Contains(gotPath, "gemini-test:generateContent") {
		t.Errorf("path = %q", gotPath)
	}
	if gotPrompt != "make a cube" {
		t.Errorf("prompt = %q", gotPrompt)
	}
}

func TestGenerateScriptServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	agent := New("key", "gemini-test", "python3", tempWorkspace{t.TempDir()})
	agent.BaseURL = srv.URL

	if _, err := agent.generateScript(context.Background(), "make a cube"); err == nil {
		t.Fatal("expected an error on 503")
	}
}

func TestGenerateScriptRetriesTransient(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"parts": []map[string]string{{"text": "print('ok')"}},
				},
			}},
		})
	}))
	defer srv.Close()

	agent := New("key", "gemini-test", "python3", tempWorkspace{t.TempDir()})
	agent.BaseURL = srv.URL

	script, err := agent.generateScript(context.Background(), "make a cube")
	if err != nil {
		t.Fatalf("generateScript: %v", err)
	}
	if script != "print('ok')" {
		t.Errorf("script = %q", script)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestIterateWithoutModel(t *testing.T) {
	agent := New("key", "gemini-test", "python3", tempWorkspace{t.TempDir()})
	if _, err := agent.Iterate(context.Background(), "make it taller"); err == nil {
		t.Fatal("iterate without a prior model should fail")
	}
}

func TestTail(t *testing.T) {
	long := strings.Repeat("x", 3000) + "Traceback: boom"
	got := tail(long, 100)
	if !strings.HasSuffix(got, "Traceback: boom") || len(got) > 103 {
		t.Fatalf("tail = %q", got)
	}
}
