package sso

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/webapp-security/sso/internal/util"
	"github.com/webapp-security/sso/storage"
)

// AuthorizationCodeTTL is the fixed validity window of an authorization
// code. It is deliberately not configurable per request.
const AuthorizationCodeTTL = 10 * time.Minute

// codeLogLength is the number of characters of a code value included in logs
const codeLogLength = 8

// AuthorizationCodeIssuer issues and redeems one-time authorization codes.
// Redemption is the point of consumption: a redeemed code is gone from the
// store regardless of what happens to the exchange afterwards.
type AuthorizationCodeIssuer struct {
	store  storage.EphemeralStore
	logger *slog.Logger
	now    func() time.Time
}

// NewAuthorizationCodeIssuer creates an issuer backed by the given store
func NewAuthorizationCodeIssuer(store storage.EphemeralStore, logger *slog.Logger) *AuthorizationCodeIssuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthorizationCodeIssuer{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Issue mints a new authorization code bound to the client, principal, scope
// set, and optional PKCE challenge, and persists it for AuthorizationCodeTTL.
func (i *AuthorizationCodeIssuer) Issue(ctx context.Context, clientID, principalID string, scopes []string, challenge string, method ChallengeMethod) (*AuthorizationCode, error) {
	if clientID == "" || principalID == "" {
		return nil, ErrInvalidRequest("client id and principal id are required")
	}

	now := i.now()
	code := &AuthorizationCode{
		Code:            generateOpaqueToken(),
		ClientID:        clientID,
		PrincipalID:     principalID,
		Scopes:          scopes,
		CodeChallenge:   challenge,
		ChallengeMethod: method,
		IssuedAt:        now,
		ExpiresAt:       now.Add(AuthorizationCodeTTL),
	}

	data, err := json.Marshal(code)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	if err := i.store.Put(ctx, storage.AuthCodePrefix+code.Code, data, AuthorizationCodeTTL); err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			return nil, ErrStoreUnavailable("failed to persist authorization code")
		}
		return nil, fmt.Errorf("failed to persist authorization code: %w", err)
	}

	i.logger.Info("Issued authorization code",
		"code_prefix", util.SafeTruncate(code.Code, codeLogLength),
		"client_id", clientID,
		"pkce", challenge != "")

	return code, nil
}

// Redeem consumes an authorization code exactly once. A second call with the
// same value fails with invalid_grant, as does an expired or unknown code.
func (i *AuthorizationCodeIssuer) Redeem(ctx context.Context, codeValue string) (*AuthorizationCode, error) {
	if codeValue == "" {
		return nil, ErrInvalidGrant("authorization code is required")
	}

	data, err := i.store.TakeOnce(ctx, storage.AuthCodePrefix+codeValue)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			i.logger.Warn("Authorization code redemption failed",
				"code_prefix", util.SafeTruncate(codeValue, codeLogLength))
			return nil, ErrInvalidGrant("authorization code is invalid, expired, or already used")
		}
		if errors.Is(err, storage.ErrUnavailable) {
			return nil, ErrStoreUnavailable("failed to redeem authorization code")
		}
		return nil, fmt.Errorf("failed to redeem authorization code: %w", err)
	}

	var code AuthorizationCode
	if err := json.Unmarshal(data, &code); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	// TTL should handle expiry, but double-check against the embedded
	// window in case of clock drift on the backend
	if i.now().After(code.ExpiresAt) {
		return nil, ErrInvalidGrant("authorization code has expired")
	}

	i.logger.Info("Redeemed authorization code",
		"code_prefix", util.SafeTruncate(codeValue, codeLogLength),
		"client_id", code.ClientID)

	return &code, nil
}

// generateOpaqueToken returns 16 random bytes hex-encoded, e.g.
// "5a89faa7b4fe1ba7537679c0d7c94039". Used for authorization codes, bind
// codes, and handoff codes.
func generateOpaqueToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure means the process cannot safely mint
		// credentials at all
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}
