// Package web talks to the local browser-automation sidecar. Task
// progress streams back as newline-delimited JSON.
package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/adalabs/ada/internal/errors"
	"github.com/adalabs/ada/internal/resilience"
	"github.com/adalabs/ada/internal/trace"
)

// Update is one progress event from a running task.
type Update struct {
	// Type is "log", "image", "result", or "error".
	Type string `json:"type"`
	// Data holds the log line, base64 screenshot, or result text.
	Data string `json:"data"`
}

// Agent is a client for the browser sidecar.
type Agent struct {
	BaseURL string
	HTTP    *http.Client
	// OnUpdate receives progress events, screenshots included. Optional.
	OnUpdate func(ctx context.Context, u Update)

	breaker *resilience.Breaker
}

// New creates an agent for the sidecar at baseURL.
func New(baseURL string) *Agent {
	return &Agent{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 10 * time.Minute},
		breaker: resilience.NewBreaker(resilience.DefaultBreakerConfig()),
	}
}

// RunTask executes one browser task and returns its final result. A
// repeatedly failing sidecar trips the circuit so calls fail fast
// instead of hanging every request.
func (a *Agent) RunTask(ctx context.Context, task string) (string, error) {
	var result string
	err := a.breaker.Do(func() error {
		var err error
		result, err = a.runTask(ctx, task)
		return err
	})
	return result, err
}

func (a *Agent) runTask(ctx context.Context, task string) (string, error) {
	ctx, span := trace.StartSpan(ctx, "web.task")
	defer span.End()
	log := trace.Logger(ctx)

	body, err := json.Marshal(map[string]string{"task": task})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.Tool, "encode task")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.Tool, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.Transient, "browser sidecar")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apperrors.Newf(apperrors.Transient, "browser sidecar returned %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var result string
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var update Update
		if err := json.Unmarshal(line, &update); err != nil {
			log.Warn("malformed sidecar update", "error", err)
			continue
		}

		switch update.Type {
		case "result":
			result = update.Data
		case "error":
			return "", apperrors.Newf(apperrors.Tool, "browser task failed: %s", update.Data)
		default:
			if a.OnUpdate != nil {
				a.OnUpdate(ctx, update)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", apperrors.Wrap(err, apperrors.Transient, "read sidecar stream")
	}
	if result == "" {
		return "", apperrors.New(apperrors.Tool, "browser task ended without a result")
	}
	return fmt.Sprintf("Browser task finished: %s", result), nil
}
