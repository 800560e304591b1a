// Package faceauth gates session startup behind a face recognition
// check performed by an external helper.
package faceauth

import (
	"context"
	"os/exec"
	"strings"
	"time"

	apperrors "github.com/adalabs/ada/internal/errors"
	"github.com/adalabs/ada/internal/trace"
)

const defaultTimeout = 20 * time.Second

// Authenticator decides whether a session may start.
type Authenticator interface {
	Authenticate(ctx context.Context) error
}

// AllowAll skips verification, used when face auth is disabled.
type AllowAll struct{}

func (AllowAll) Authenticate(context.Context) error { return nil }

// ExecAuthenticator shells out to a recognizer; a zero exit status
// means the user was recognized.
type ExecAuthenticator struct {
	Cmd     []string
	Timeout time.Duration
}

// NewExec creates an authenticator around a helper command.
func NewExec(cmd []string) *ExecAuthenticator {
	return &ExecAuthenticator{Cmd: cmd, Timeout: defaultTimeout}
}

func (a *ExecAuthenticator) Authenticate(ctx context.Context) error {
	if len(a.Cmd) == 0 {
		return apperrors.New(apperrors.Denied, "face auth enabled but no recognizer configured")
	}

	runCtx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, a.Cmd[0], a.Cmd[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		trace.Logger(ctx).Warn("face auth rejected", "error", err, "output", strings.TrimSpace(string(out)))
		return apperrors.Wrap(err, apperrors.Denied, "face not recognized")
	}
	return nil
}
