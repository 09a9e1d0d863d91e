package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"golang.org/x/oauth2"
)

func TestError_Error(t *testing.T) {
	err := NewError("google", "refresh", errors.New("boom"), false, false)

	want := "google refresh: boom"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestError_Unwrap(t *testing.T) {
	underlying := errors.New("boom")
	err := NewError("google", "exchange", fmt.Errorf("wrapped: %w", underlying), false, false)

	if !errors.Is(err, underlying) {
		t.Error("errors.Is() should find the underlying error through Unwrap")
	}
}

func TestIsGrantRevoked(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "grant revoked provider error",
			err:  NewError("google", "refresh", errors.New("invalid_grant"), true, false),
			want: true,
		},
		{
			name: "transient provider error",
			err:  NewError("google", "refresh", errors.New("timeout"), false, true),
			want: false,
		},
		{
			name: "wrapped grant revoked error",
			err:  fmt.Errorf("refresh failed: %w", NewError("slack", "refresh", errors.New("invalid_grant"), true, false)),
			want: true,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsGrantRevoked(tt.err); got != tt.want {
				t.Errorf("IsGrantRevoked() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTemporary(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "temporary provider error",
			err:  NewError("google", "liveness", errors.New("timeout"), false, true),
			want: true,
		},
		{
			name: "grant revoked provider error",
			err:  NewError("google", "refresh", errors.New("invalid_grant"), true, false),
			want: false,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTemporary(tt.err); got != tt.want {
				t.Errorf("IsTemporary() = %v, want %v", got, tt.want)
			}
		})
	}
}

type fakeNetError struct{ msg string }

func (e *fakeNetError) Error() string   { return e.msg }
func (e *fakeNetError) Timeout() bool   { return true }
func (e *fakeNetError) Temporary() bool { return true }

var _ net.Error = (*fakeNetError)(nil)

func TestClassify(t *testing.T) {
	tests := []struct {
		name             string
		err              error
		wantGrantRevoked bool
		wantTemporary    bool
	}{
		{
			name: "invalid_grant is a dead grant",
			err: &oauth2.RetrieveError{
				ErrorCode: "invalid_grant",
				Response:  &http.Response{StatusCode: http.StatusBadRequest},
			},
			wantGrantRevoked: true,
			wantTemporary:    false,
		},
		{
			name: "provider 5xx is transient",
			err: &oauth2.RetrieveError{
				Response: &http.Response{StatusCode: http.StatusBadGateway},
			},
			wantGrantRevoked: false,
			wantTemporary:    true,
		},
		{
			name: "invalid_client is a hard failure",
			err: &oauth2.RetrieveError{
				ErrorCode: "invalid_client",
				Response:  &http.Response{StatusCode: http.StatusUnauthorized},
			},
			wantGrantRevoked: false,
			wantTemporary:    false,
		},
		{
			name:             "deadline exceeded is transient",
			err:              fmt.Errorf("exchange: %w", context.DeadlineExceeded),
			wantGrantRevoked: false,
			wantTemporary:    true,
		},
		{
			name:             "network error is transient",
			err:              &fakeNetError{msg: "dial tcp: i/o timeout"},
			wantGrantRevoked: false,
			wantTemporary:    true,
		},
		{
			name:             "unknown error is a hard failure",
			err:              errors.New("boom"),
			wantGrantRevoked: false,
			wantTemporary:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("google", "refresh", tt.err)

			if got.GrantRevoked != tt.wantGrantRevoked {
				t.Errorf("GrantRevoked = %v, want %v", got.GrantRevoked, tt.wantGrantRevoked)
			}
			if got.Temporary != tt.wantTemporary {
				t.Errorf("Temporary = %v, want %v", got.Temporary, tt.wantTemporary)
			}
			if got.Provider != "google" || got.Op != "refresh" {
				t.Errorf("classification lost provider/op: %q %q", got.Provider, got.Op)
			}
			if !errors.Is(got, tt.err) && got.Err != tt.err {
				t.Error("classified error should wrap the original")
			}
		})
	}
}
