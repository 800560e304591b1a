// Package cad turns natural-language descriptions into printable 3D
// models: a code-generation call produces a parametric modeling
// script, which is executed locally to emit an STL.
package cad

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	apperrors "github.com/adalabs/ada/internal/errors"
	"github.com/adalabs/ada/internal/resilience"
	"github.com/adalabs/ada/internal/trace"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	maxAttempts    = 3
	scriptFile     = "script.py"
	outputFile     = "output.stl"
	runTimeout     = 2 * time.Minute
)

const systemPrompt = `You write Python scripts using the build123d library to model 3D parts.
Rules:
- Output exactly one Python code block and nothing else.
- The script must export the final part to "output.stl" in the working directory.
- Use millimeters. Keep the part watertight and printable.`

var fencePattern = regexp.MustCompile("(?s)```(?:python)?\n(.*?)```")

// Workspace locates where CAD artifacts belong.
type Workspace interface {
	CadDir() string
}

// Agent generates and refines models. It remembers the last script so
// follow-up instructions edit rather than start over.
type Agent struct {
	APIKey  string
	Model   string
	Python  string
	BaseURL string
	HTTP    *http.Client

	workspace Workspace

	mu         sync.Mutex
	lastScript string
}

// New creates an agent writing artifacts into the active project.
func New(apiKey, model, python string, workspace Workspace) *Agent {
	return &Agent{
		APIKey:    apiKey,
		Model:     model,
		Python:    python,
		BaseURL:   defaultBaseURL,
		HTTP:      &http.Client{Timeout: 60 * time.Second},
		workspace: workspace,
	}
}

// Generate models a new part from a description.
func (a *Agent) Generate(ctx context.Context, description string) (string, error) {
	prompt := fmt.Sprintf("%s\n\nModel the following part:\n%s", systemPrompt, description)
	return a.build(ctx, prompt)
}

// Iterate refines the most recent model.
func (a *Agent) Iterate(ctx context.Context, instructions string) (string, error) {
	a.mu.Lock()
	last := a.lastScript
	a.mu.Unlock()
	if last == "" {
		return "", apperrors.New(apperrors.Tool, "no model to iterate on; generate one first")
	}

	script, err := os.ReadFile(last)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.Tool, "read previous script")
	}
	prompt := fmt.Sprintf("%s\n\nHere is the current script:\n```python\n%s\n```\n\nApply these changes:\n%s",
		systemPrompt, script, instructions)
	return a.build(ctx, prompt)
}

// LastSTL reports the path of the most recent model, if any.
func (a *Agent) LastSTL() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastScript == "" {
		return "", false
	}
	return filepath.Join(filepath.Dir(a.lastScript), outputFile), true
}

// build runs the generate / execute loop, feeding execution errors
// back into the prompt until the script succeeds or attempts run out.
func (a *Agent) build(ctx context.Context, prompt string) (string, error) {
	ctx, span := trace.StartSpan(ctx, "cad.build")
	defer span.End()
	log := trace.Logger(ctx)

	dir := a.workspace.CadDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperrors.Wrap(err, apperrors.Tool, "cad dir")
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		script, err := a.generateScript(ctx, prompt)
		if err != nil {
			return "", err
		}

		scriptPath := filepath.Join(dir, scriptFile)
		if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
			return "", apperrors.Wrap(err, apperrors.Tool, "write script")
		}

		if runErr := a.runScript(ctx, dir, scriptPath); runErr != nil {
			log.Warn("cad script failed", "attempt", attempt, "error", runErr)
			lastErr = runErr
			prompt = fmt.Sprintf("%s\n\nThe previous script failed with:\n%v\nProduce a corrected script.",
				prompt, runErr)
			continue
		}

		a.mu.Lock()
		a.lastScript = scriptPath
		a.mu.Unlock()
		return fmt.Sprintf("The model is ready at %s.", filepath.Join(dir, outputFile)), nil
	}
	return "", apperrors.Wrapf(lastErr, apperrors.Tool, "model generation failed after %d attempts", maxAttempts)
}

// generateScript asks the model for a script and extracts the code.
// Transient endpoint failures are retried.
func (a *Agent) generateScript(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"contents": []map[string]any{
			{"role": "user", "parts": []map[string]string{{"text": prompt}}},
		},
	})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.Tool, "encode request")
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", a.BaseURL, a.Model, a.APIKey)

	var text string
	err = resilience.Retry(ctx, resilience.DefaultRetryConfig(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return apperrors.Wrap(err, apperrors.Tool, "build request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.HTTP.Do(req)
		if err != nil {
			return apperrors.Wrap(err, apperrors.Transient, "code generation request")
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return apperrors.Newf(apperrors.Transient, "code generation returned %s", resp.Status)
		}

		var out struct {
			Candidates []struct {
				Content struct {
					Parts []struct {
						Text string `json:"text"`
					} `json:"parts"`
				} `json:"content"`
			} `json:"candidates"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return apperrors.Wrap(err, apperrors.Tool, "decode response")
		}
		if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
			return apperrors.New(apperrors.Tool, "empty code generation response")
		}
		text = out.Candidates[0].Content.Parts[0].Text
		return nil
	})
	if err != nil {
		return "", err
	}
	return extractScript(text)
}

// extractScript pulls the code out of a fenced block. Responses that
// are bare code pass through unchanged.
func extractScript(text string) (string, error) {
	if match := fencePattern.FindStringSubmatch(text); match != nil {
		return strings.TrimSpace(match[1]), nil
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", apperrors.New(apperrors.Tool, "response contained no code")
	}
	if strings.Contains(trimmed, "```") {
		return "", apperrors.New(apperrors.Tool, "response contained an unterminated code block")
	}
	return trimmed, nil
}

// runScript executes the script and verifies it produced the STL.
func (a *Agent) runScript(ctx context.Context, dir, scriptPath string) error {
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, a.Python, scriptPath)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, tail(string(out), 2000))
	}
	if _, err := os.Stat(filepath.Join(dir, outputFile)); err != nil {
		return fmt.Errorf("script finished but produced no %s", outputFile)
	}
	return nil
}

// tail keeps the end of long command output, where tracebacks live.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
