package sso

import (
	"context"
	"errors"
)

// Client type values in ClientRecord.ClientType
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// ErrClientNotFound is returned by ClientRegistry implementations for
// unknown client ids. Kept generic to prevent client enumeration.
var ErrClientNotFound = errors.New("client not found")

// ErrNoLinkedUser is returned by UserRepository.FindByExternalID when no
// internal user is linked to the external identity.
var ErrNoLinkedUser = errors.New("no linked user")

// ClientRecord is a registered OAuth client as seen by the engine.
// Secrets are stored as bcrypt hashes, never in plaintext.
type ClientRecord struct {
	ClientID          string
	ClientSecretHash  string // bcrypt hash; empty for public clients
	ClientType        string // "public" or "confidential"
	AllowedGrantTypes []string
	Scopes            []string
}

// ClientRegistry resolves client registrations. Persistence of client
// records is outside this core.
type ClientRegistry interface {
	// LookupClient retrieves a client by ID.
	// Returns ErrClientNotFound (possibly wrapped) for unknown clients.
	LookupClient(ctx context.Context, clientID string) (*ClientRecord, error)
}

// Principal is the authenticated subject a token is minted for.
type Principal struct {
	UserID   string
	Username string
}

// TokenMinter turns a principal, client, and scope set into signed tokens.
// Signing algorithms and token formats are outside this core.
type TokenMinter interface {
	Mint(ctx context.Context, principal Principal, client *ClientRecord, scopes []string, grantType string) (*TokenPair, error)
}

// PasswordVerifier checks user credentials during bind flows.
// Credential storage and hashing are outside this core.
type PasswordVerifier interface {
	// VerifyPassword returns the user id on success and an error on any
	// failure, including unknown usernames.
	VerifyPassword(ctx context.Context, username, password string) (string, error)
}

// UserRepository persists users and their third-party identity links.
type UserRepository interface {
	// Create creates a new internal user and returns its id.
	Create(ctx context.Context, account *NewAccount) (string, error)

	// FindByExternalID returns the internal user id linked to the given
	// external identity, or ErrNoLinkedUser.
	FindByExternalID(ctx context.Context, platform Platform, externalID string) (string, error)

	// LinkExternalID links an external identity to an internal user.
	LinkExternalID(ctx context.Context, userID string, platform Platform, externalID string, profile *Profile) error
}
