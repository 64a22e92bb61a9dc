package sso

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/webapp-security/sso/internal/util"
	"github.com/webapp-security/sso/storage"
)

// RFC 7636 code_verifier length bounds
const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// PKCEManager generates verifier/challenge pairs and validates verifiers at
// redemption time. S256 is the only supported method; "plain" is rejected as
// a matter of policy, never silently accepted.
type PKCEManager struct {
	store  storage.EphemeralStore
	logger *slog.Logger
}

// NewPKCEManager creates a PKCE manager backed by the given store
func NewPKCEManager(store storage.EphemeralStore, logger *slog.Logger) *PKCEManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PKCEManager{store: store, logger: logger}
}

// GenerateChallengePair generates a fresh verifier and its S256 challenge.
// The verifier is 32 random bytes base64url-encoded without padding
// (43 characters); the challenge is base64url(SHA-256(verifier)).
func (m *PKCEManager) GenerateChallengePair() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	challenge = oauth2.S256ChallengeFromVerifier(verifier)
	return verifier, challenge
}

// GeneratePKCEParams generates a state plus verifier/challenge pair, persists
// the entry keyed by state, and returns the parameters for the client to
// carry through the authorization redirect.
func (m *PKCEManager) GeneratePKCEParams(ctx context.Context, ttl time.Duration) (*PKCEParams, error) {
	state := strings.ReplaceAll(uuid.NewString(), "-", "")
	verifier, challenge := m.GenerateChallengePair()

	entry := &StateEntry{
		State:           state,
		CodeVerifier:    verifier,
		CodeChallenge:   challenge,
		ChallengeMethod: ChallengeMethodS256,
		CreatedAt:       time.Now(),
	}

	if err := m.StoreForState(ctx, state, entry, ttl); err != nil {
		return nil, err
	}

	m.logger.Info("Generated PKCE params", "state", state)

	return &PKCEParams{
		State:               state,
		CodeVerifier:        verifier,
		CodeChallenge:       challenge,
		CodeChallengeMethod: string(ChallengeMethodS256),
	}, nil
}

// StoreForState persists a PKCE entry keyed by state
func (m *PKCEManager) StoreForState(ctx context.Context, state string, entry *StateEntry, ttl time.Duration) error {
	if state == "" || entry == nil {
		return ErrInvalidRequest("state and PKCE entry are required")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal PKCE entry: %w", err)
	}

	if err := m.store.Put(ctx, storage.PKCEStatePrefix+state, data, ttl); err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			return ErrStoreUnavailable("failed to persist PKCE entry")
		}
		return fmt.Errorf("failed to persist PKCE entry: %w", err)
	}

	return nil
}

// PeekForState reads the PKCE entry for a state without consuming it.
// Used at code issuance, where the entry must survive until the token
// exchange consumes it.
func (m *PKCEManager) PeekForState(ctx context.Context, state string) (*StateEntry, error) {
	if strings.TrimSpace(state) == "" {
		return nil, ErrInvalidGrant("state is required")
	}

	data, err := m.store.Peek(ctx, storage.PKCEStatePrefix+state)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidGrant("unknown or expired state")
		}
		if errors.Is(err, storage.ErrUnavailable) {
			return nil, ErrStoreUnavailable("failed to load PKCE entry")
		}
		return nil, fmt.Errorf("failed to load PKCE entry: %w", err)
	}

	var entry StateEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal PKCE entry: %w", err)
	}

	return &entry, nil
}

// TakeForState consumes the PKCE entry for a state exactly once.
// A second call for the same state fails with invalid_grant, as does an
// unknown or expired state.
func (m *PKCEManager) TakeForState(ctx context.Context, state string) (*StateEntry, error) {
	if strings.TrimSpace(state) == "" {
		return nil, ErrInvalidGrant("state is required")
	}

	data, err := m.store.TakeOnce(ctx, storage.PKCEStatePrefix+state)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn("No PKCE entry for state", "state", util.SafeTruncate(state, 8))
			return nil, ErrInvalidGrant("unknown, expired, or already-consumed state")
		}
		if errors.Is(err, storage.ErrUnavailable) {
			return nil, ErrStoreUnavailable("failed to load PKCE entry")
		}
		return nil, fmt.Errorf("failed to load PKCE entry: %w", err)
	}

	var entry StateEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal PKCE entry: %w", err)
	}

	return &entry, nil
}

// ValidateVerifier recomputes the challenge from the supplied verifier and
// compares it to the stored challenge in constant time, per RFC 7636.
// Any mismatch is a hard invalid_grant failure; there is no downgrade.
func (m *PKCEManager) ValidateVerifier(storedChallenge string, method ChallengeMethod, verifier string) error {
	if storedChallenge == "" {
		return ErrInvalidGrant("no code challenge bound to this code")
	}
	if verifier == "" {
		return ErrInvalidGrant("code_verifier is required when a code challenge is present")
	}

	// RFC 7636: code_verifier must be 43-128 characters from the
	// unreserved set [A-Za-z0-9-._~]
	if len(verifier) < minVerifierLength {
		return ErrInvalidGrant(fmt.Sprintf("code_verifier must be at least %d characters", minVerifierLength))
	}
	if len(verifier) > maxVerifierLength {
		return ErrInvalidGrant(fmt.Sprintf("code_verifier must be at most %d characters", maxVerifierLength))
	}
	for _, ch := range verifier {
		if (ch < 'A' || ch > 'Z') && (ch < 'a' || ch > 'z') && (ch < '0' || ch > '9') &&
			ch != '-' && ch != '.' && ch != '_' && ch != '~' {
			return ErrInvalidGrant("code_verifier contains invalid characters")
		}
	}

	switch method {
	case ChallengeMethodS256:
		// proceed
	case ChallengeMethodPlain:
		return ErrInvalidGrant("'plain' code_challenge_method is not supported")
	default:
		return ErrInvalidGrant(fmt.Sprintf("unsupported code_challenge_method: %s", method))
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])

	// Constant-time comparison to prevent timing side channels
	if subtle.ConstantTimeCompare([]byte(computed), []byte(storedChallenge)) != 1 {
		m.logger.Warn("PKCE verifier mismatch",
			"verifier_prefix", util.SafeTruncate(verifier, 5))
		return ErrInvalidGrant("code_verifier does not match code_challenge")
	}

	return nil
}
