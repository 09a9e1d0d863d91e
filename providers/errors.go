package providers

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/oauth2"
)

// Error classifies a provider failure so callers can decide between
// marking a connection errored (grant revoked) and retrying later
// (transient).
type Error struct {
	Provider string
	Op       string // "exchange", "refresh", "liveness", "revoke"

	// GrantRevoked means the provider rejected the grant itself: the
	// stored refresh token will never work again and the user must
	// re-authorize.
	GrantRevoked bool

	// Temporary means the failure is transient (network, timeout, 5xx)
	// and the same operation may succeed on a later attempt.
	Temporary bool

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified provider error.
func NewError(provider, op string, err error, grantRevoked, temporary bool) *Error {
	return &Error{
		Provider:     provider,
		Op:           op,
		GrantRevoked: grantRevoked,
		Temporary:    temporary,
		Err:          err,
	}
}

// IsGrantRevoked reports whether err indicates the grant was revoked at
// the provider.
func IsGrantRevoked(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.GrantRevoked
}

// IsTemporary reports whether err is a transient provider failure.
func IsTemporary(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Temporary
}

// Classify wraps an error from the oauth2 machinery with the right
// classification. invalid_grant means the grant is dead (RFC 6749 §5.2);
// timeouts, network errors, and 5xx responses are transient; anything
// else is a hard, non-retryable failure.
func Classify(provider, op string, err error) *Error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" {
			return NewError(provider, op, err, true, false)
		}
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return NewError(provider, op, err, false, true)
		}
		return NewError(provider, op, err, false, false)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewError(provider, op, err, false, true)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewError(provider, op, err, false, true)
	}

	return NewError(provider, op, err, false, false)
}
