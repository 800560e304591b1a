package faceauth

import (
	"context"
	"testing"

	apperrors "github.com/adalabs/ada/internal/errors"
)

func TestAllowAll(t *testing.T) {
	if err := (AllowAll{}).Authenticate(context.Background()); err != nil {
		t.Fatalf("AllowAll = %v", err)
	}
}

func TestExecAuthenticator(t *testing.T) {
	tests := []struct {
		name    string
		cmd     []string
		wantErr bool
	}{
		{"recognized", []string{"true"}, false},
		{"rejected", []string{"false"}, true},
		{"unconfigured", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewExec(tt.cmd)
			err := a.Authenticate(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Authenticate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && apperrors.KindOf(err) != apperrors.Denied {
				t.Fatalf("kind = %v, want denied", apperrors.KindOf(err))
			}
		})
	}
}
