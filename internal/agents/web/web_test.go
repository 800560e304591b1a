package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func streamServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/run" {
			http.NotFound(w, r)
			return
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["task"] == "" {
			http.Error(w, "missing task", http.StatusBadRequest)
			return
		}
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	}))
}

func TestRunTaskStreamsUpdates(t *testing.T) {
	srv := streamServer(t, []string{
		`{"type":"log","data":"opening page"}`,
		`{"type":"image","data":"aGVsbG8="}`,
		``,
		`{"type":"result","data":"the weather is sunny"}`,
	})
	defer srv.Close()

	agent := New(srv.URL)
	var updates []Update
	agent.OnUpdate = func(_ context.Context, u Update) { updates = append(updates, u) }

	result, err := agent.RunTask(context.Background(), "check the weather")
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if !strings.Contains(result, "sunny") {
		t.Errorf("result = %q", result)
	}
	if len(updates) != 2 || updates[0].Type != "log" || updates[1].Type != "image" {
		t.Errorf("updates = %+v", updates)
	}
}

func TestRunTaskErrorUpdate(t *testing.T) {
	srv := streamServer(t, []string{
		`{"type":"log","data":"opening page"}`,
		`{"type":"error","data":"page crashed"}`,
	})
	defer srv.Close()

	agent := New(srv.URL)
	if _, err := agent.RunTask(context.Background(), "do a thing"); err == nil {
		t.Fatal("expected error from error update")
	}
}

func TestRunTaskNoResult(t *testing.T) {
	srv := streamServer(t, []string{`{"type":"log","data":"nothing else"}`})
	defer srv.Close()

	agent := New(srv.URL)
	if _, err := agent.RunTask(context.Background(), "do a thing"); err == nil {
		t.Fatal("a stream with no result is an error")
	}
}

func TestBreakerTripsOnRepeatedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	agent := New(srv.URL)
	var calls int
	for i := 0; i < 10; i++ {
		if _, err := agent.RunTask(context.Background(), "task"); err == nil {
			t.Fatal("expected failure")
		}
		calls++
	}
	// Once open, calls fail fast without reaching the sidecar.
	if got := agent.breaker.State(); got.String() != "open" {
		t.Fatalf("breaker state = %v, want open after %d failures", got, calls)
	}
}
