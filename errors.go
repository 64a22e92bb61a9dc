package sso

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
)

// Error represents an OAuth 2.0 error response.
// Retryable distinguishes transient infrastructure failures (safe to retry
// with backoff) from terminal validation failures, which share the
// server_error wire code but must not be retried.
type Error struct {
	Code        string // OAuth error code (e.g., "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
	Retryable   bool   // True for transient infrastructure failures
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a new OAuth error
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates a bad, expired, or already-consumed code,
	// state, or verifier. Terminal for the request; never retried.
	ErrInvalidGrant = func(desc string) *Error {
		return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an unexpected internal failure (e.g., minting)
	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrStoreUnavailable indicates a transient backing-store failure.
	// Surfaces as server_error on the wire but is safe to retry.
	ErrStoreUnavailable = func(desc string) *Error {
		return &Error{
			Code:        ErrorCodeServerError,
			Description: desc,
			Status:      http.StatusInternalServerError,
			Retryable:   true,
		}
	}
)

// AsError unwraps err into an *Error if possible
func AsError(err error) (*Error, bool) {
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr, true
	}
	return nil, false
}
