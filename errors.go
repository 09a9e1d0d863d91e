package oauth

import (
	"fmt"
	"net/http"
)

// Flow error codes as constants
const (
	ErrorCodeInvalidRequest        = "invalid_request"
	ErrorCodeUnsupportedProvider   = "unsupported_provider"
	ErrorCodeInvalidState          = "invalid_state"
	ErrorCodeExchangeFailed        = "provider_exchange_failed"
	ErrorCodeConnectionNotActive   = "connection_not_active"
	ErrorCodeConnectionNotFound    = "connection_not_found"
	ErrorCodeEncryptionUnavailable = "encryption_unavailable"
	ErrorCodeUnauthorized          = "unauthorized"
	ErrorCodeRateLimitExceeded     = "rate_limit_exceeded"
	ErrorCodeServerError           = "server_error"
)

// FlowError represents an error surfaced by the connection manager's
// HTTP endpoints. The code is stable and machine-readable; descriptions
// never contain token material.
type FlowError struct {
	Code        string // Stable error code (e.g., "invalid_state")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *FlowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewFlowError creates a new flow error
func NewFlowError(code, description string, status int) *FlowError {
	return &FlowError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common flow errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *FlowError {
		return NewFlowError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedProvider indicates no adapter is registered for the requested provider
	ErrUnsupportedProvider = func(provider string) *FlowError {
		return NewFlowError(ErrorCodeUnsupportedProvider,
			fmt.Sprintf("provider %q is not supported", provider), http.StatusBadRequest)
	}

	// ErrInvalidState indicates the callback state is unknown, expired, or already consumed
	ErrInvalidState = func(desc string) *FlowError {
		return NewFlowError(ErrorCodeInvalidState, desc, http.StatusBadRequest)
	}

	// ErrExchangeFailed indicates the provider rejected the code exchange or was unreachable
	ErrExchangeFailed = func(desc string) *FlowError {
		return NewFlowError(ErrorCodeExchangeFailed, desc, http.StatusBadGateway)
	}

	// ErrConnectionNotActive indicates the connection is revoked or errored and needs re-authorization
	ErrConnectionNotActive = func(desc string) *FlowError {
		return NewFlowError(ErrorCodeConnectionNotActive, desc, http.StatusConflict)
	}

	// ErrConnectionNotFound indicates no connection matched the identifier
	ErrConnectionNotFound = func(desc string) *FlowError {
		return NewFlowError(ErrorCodeConnectionNotFound, desc, http.StatusNotFound)
	}

	// ErrEncryptionUnavailable indicates the crypto envelope cannot currently serve
	ErrEncryptionUnavailable = func(desc string) *FlowError {
		return NewFlowError(ErrorCodeEncryptionUnavailable, desc, http.StatusServiceUnavailable)
	}

	// ErrUnauthorized indicates missing or invalid caller credentials
	ErrUnauthorized = func(desc string) *FlowError {
		return NewFlowError(ErrorCodeUnauthorized, desc, http.StatusUnauthorized)
	}

	// ErrRateLimitExceeded indicates the caller exceeded the request rate limit
	ErrRateLimitExceeded = func(desc string) *FlowError {
		return NewFlowError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}

	// ErrServerError indicates an internal error occurred
	ErrServerError = func(desc string) *FlowError {
		return NewFlowError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)
