package sso

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/webapp-security/sso/instrumentation"
)

// Grant path labels used in metrics
const (
	GrantPathPKCE         = "pkce"
	GrantPathClientSecret = "client_secret"
	GrantPathDirect       = "direct"
)

// Grant type labels passed to the TokenMinter
const (
	// GrantTypeAuthorizationCode is the only grant type the token endpoint
	// exchanges.
	GrantTypeAuthorizationCode = "authorization_code"

	// GrantTypeThirdParty labels direct mints for principals authenticated
	// by a third-party identity callback.
	GrantTypeThirdParty = "third_party"
)

// dummyBcryptHash is compared against when no real secret hash is available,
// so that unknown clients and known clients take the same time to reject.
// Hash of an unguessable random value, never a real secret.
var dummyBcryptHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// TokenExchangeEngine exchanges one-time authorization codes for tokens.
// It authenticates the caller on one of two mutually exclusive paths: PKCE
// proof-of-possession for public clients, or bcrypt secret verification for
// confidential clients. Redemption always runs before validation, so a code
// is burned even when the exchange that consumed it fails.
type TokenExchangeEngine struct {
	clients ClientRegistry
	minter  TokenMinter
	codes   *AuthorizationCodeIssuer
	pkce    *PKCEManager
	config  Config
	logger  *slog.Logger
	inst    *instrumentation.Instrumentation
	now     func() time.Time
}

// NewTokenExchangeEngine creates a token exchange engine. The config must
// already have defaults applied.
func NewTokenExchangeEngine(clients ClientRegistry, minter TokenMinter, codes *AuthorizationCodeIssuer, pkce *PKCEManager, config Config, inst *instrumentation.Instrumentation) *TokenExchangeEngine {
	return &TokenExchangeEngine{
		clients: clients,
		minter:  minter,
		codes:   codes,
		pkce:    pkce,
		config:  config,
		logger:  config.Logger,
		inst:    inst,
		now:     time.Now,
	}
}

// Exchange redeems the authorization code in req and mints a token pair.
//
// The code is consumed unconditionally before any validation runs: a request
// that fails client authentication or PKCE verification still burns the
// code, so an attacker who stole a code cannot retry it repeatedly.
func (e *TokenExchangeEngine) Exchange(ctx context.Context, req *ExchangeRequest) (*TokenPair, error) {
	start := e.now()

	// Shape checks run before resolveVerifier so a malformed request does
	// not consume the server-held state entry.
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}
	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	verifier, err := e.resolveVerifier(ctx, req)
	if err != nil {
		return nil, err
	}

	path := GrantPathClientSecret
	if verifier != "" {
		path = GrantPathPKCE
	}

	pair, err := e.exchange(ctx, req, verifier)
	if e.inst != nil {
		e.inst.RecordExchange(ctx, path, err, e.now().Sub(start))
	}
	return pair, err
}

func (e *TokenExchangeEngine) exchange(ctx context.Context, req *ExchangeRequest, verifier string) (*TokenPair, error) {
	if e.config.RequirePKCE && verifier == "" {
		if !e.config.AllowSecretFallback {
			return nil, ErrInvalidGrant("code_verifier is required")
		}
		e.logger.Warn("PKCE downgrade: exchanging without code_verifier",
			"client_id", req.ClientID)
	}

	// Consumption point. Everything after this line operates on a code
	// that no longer exists in the store.
	code, err := e.codes.Redeem(ctx, req.Code)
	if err != nil {
		if oe, ok := AsError(err); ok && oe.Code == ErrorCodeInvalidGrant && e.inst != nil {
			e.inst.Metrics().CodeReplayDetected.Add(ctx, 1)
		}
		return nil, err
	}

	client, err := e.authenticateClient(ctx, req, verifier != "")
	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(code.ClientID), []byte(req.ClientID)) != 1 {
		e.logger.Warn("Authorization code presented by wrong client",
			"issued_to", code.ClientID, "presented_by", req.ClientID)
		return nil, ErrInvalidGrant("authorization code was not issued to this client")
	}

	if !slices.Contains(client.AllowedGrantTypes, GrantTypeAuthorizationCode) {
		return nil, ErrUnsupportedGrantType("client is not allowed the authorization_code grant")
	}

	if verifier != "" {
		if err := e.pkce.ValidateVerifier(code.CodeChallenge, code.ChallengeMethod, verifier); err != nil {
			if e.inst != nil {
				e.inst.Metrics().PKCEValidationFailed.Add(ctx, 1)
			}
			return nil, err
		}
	} else if code.CodeChallenge != "" && !e.config.AllowSecretFallback {
		// The code was issued with a challenge; a secret alone cannot
		// redeem it.
		return nil, ErrInvalidGrant("code_verifier is required for this authorization code")
	}

	pair, err := e.minter.Mint(ctx, Principal{UserID: code.PrincipalID}, client, code.Scopes, GrantTypeAuthorizationCode)
	if err != nil {
		e.logger.Error("Token minting failed", "client_id", client.ClientID, "error", err)
		return nil, ErrServerError("failed to mint tokens")
	}

	e.logger.Info("Token exchange completed",
		"client_id", client.ClientID,
		"principal_id", code.PrincipalID,
		"pkce", verifier != "")

	return pair, nil
}

// resolveVerifier returns the code_verifier for the request. A verifier
// supplied directly wins; otherwise, when the request names a state, the
// server-held PKCE entry for that state is consumed and its verifier used.
func (e *TokenExchangeEngine) resolveVerifier(ctx context.Context, req *ExchangeRequest) (string, error) {
	if req.CodeVerifier != "" {
		return req.CodeVerifier, nil
	}
	if req.State == "" {
		return "", nil
	}

	entry, err := e.pkce.TakeForState(ctx, req.State)
	if err != nil {
		return "", err
	}
	return entry.CodeVerifier, nil
}

// authenticateClient resolves and, for confidential clients, authenticates
// the caller. On the PKCE path a public client needs no secret; the verifier
// check is its proof of possession.
func (e *TokenExchangeEngine) authenticateClient(ctx context.Context, req *ExchangeRequest, pkce bool) (*ClientRecord, error) {
	client, err := e.clients.LookupClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			// Burn comparable time so unknown ids are indistinguishable
			// from wrong secrets
			_ = bcrypt.CompareHashAndPassword(dummyBcryptHash, []byte(req.ClientSecret))
			return nil, ErrInvalidClient("client authentication failed")
		}
		return nil, ErrServerError("failed to look up client")
	}

	if pkce && client.ClientType == ClientTypePublic {
		return client, nil
	}

	if client.ClientSecretHash == "" {
		if pkce {
			return client, nil
		}
		_ = bcrypt.CompareHashAndPassword(dummyBcryptHash, []byte(req.ClientSecret))
		return nil, ErrInvalidClient("client authentication failed")
	}

	if req.ClientSecret == "" {
		_ = bcrypt.CompareHashAndPassword(dummyBcryptHash, []byte(req.ClientSecret))
		return nil, ErrInvalidClient("client authentication failed")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(req.ClientSecret)); err != nil {
		e.logger.Warn("Client secret verification failed", "client_id", req.ClientID)
		return nil, ErrInvalidClient("client authentication failed")
	}

	return client, nil
}
