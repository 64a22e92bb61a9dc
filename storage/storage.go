// Package storage defines the ephemeral key/value contract that backs every
// short-lived credential in the exchange engine: anti-CSRF states, PKCE
// entries, authorization codes, bind codes, and token handoff codes.
// It supports multiple backend implementations including in-memory and Valkey.
package storage

import (
	"context"
	"errors"
	"time"
)

// Well-known key namespaces. Every credential type lives under its own
// prefix so a value can never be redeemed through the wrong flow.
const (
	// StatePrefix namespaces anti-CSRF state tokens
	StatePrefix = "oauth2:state:"

	// PKCEStatePrefix namespaces PKCE entries keyed by state
	PKCEStatePrefix = "pkce:state:"

	// AuthCodePrefix namespaces one-time authorization codes
	AuthCodePrefix = "oauth2:code:"

	// BindCodePrefix namespaces third-party bind codes
	BindCodePrefix = "oauth2:code:bind:"

	// HandoffCodePrefix namespaces token pickup codes
	HandoffCodePrefix = "oauth2:token:"
)

// Sentinel errors returned by EphemeralStore implementations.
var (
	// ErrNotFound indicates the key does not exist, has expired, or was
	// already consumed by a concurrent TakeOnce.
	ErrNotFound = errors.New("storage: entry not found")

	// ErrUnavailable indicates a transient backing-store failure.
	// Callers may retry with backoff; they must not treat it as absence.
	ErrUnavailable = errors.New("storage: backend unavailable")
)

// EphemeralStore is a TTL-bound key/value store with atomic consume semantics.
// It is the single shared mutable resource in the engine; all cross-request
// coordination happens through it. All methods accept context.Context for
// cancellation and tracing.
type EphemeralStore interface {
	// Put stores value under key with the given TTL, replacing any
	// previous value. A non-positive TTL is rejected.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Peek returns the value without consuming it.
	// Returns ErrNotFound if the key is absent or expired.
	Peek(ctx context.Context, key string) ([]byte, error)

	// TakeOnce atomically retrieves and deletes the value.
	// SECURITY: under N concurrent callers exactly one receives the
	// value; the other N-1 receive ErrNotFound. This is the redemption
	// primitive for every one-time credential.
	TakeOnce(ctx context.Context, key string) ([]byte, error)

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
