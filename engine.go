package sso

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/webapp-security/sso/instrumentation"
	"github.com/webapp-security/sso/security"
	"github.com/webapp-security/sso/storage"
)

// Dependencies are the external capabilities the engine is assembled from.
// Clients and Minter are required; Users and Passwords are required only
// when the binding bridge is used.
type Dependencies struct {
	Clients         ClientRegistry
	Minter          TokenMinter
	Users           UserRepository
	Passwords       PasswordVerifier
	Instrumentation *instrumentation.Instrumentation
}

// Engine is the assembled authorization code exchange engine. It owns the
// state, PKCE, code, exchange, handoff, and bridge components and wires
// them to one ephemeral store.
type Engine struct {
	config   Config
	store    storage.EphemeralStore
	clients  ClientRegistry
	minter   TokenMinter
	states   *StateManager
	pkce     *PKCEManager
	codes    *AuthorizationCodeIssuer
	exchange *TokenExchangeEngine
	handoff  *TokenHandoff
	bridge   *BindingBridge
	inst     *instrumentation.Instrumentation
}

// AuthorizationGrant describes a completed, authenticated authorization for
// which a code should be issued. CodeChallenge may be supplied directly by
// the client, or left empty with State set so the server-held PKCE entry
// provides it.
type AuthorizationGrant struct {
	State           string
	ClientID        string
	PrincipalID     string
	Scopes          []string
	CodeChallenge   string
	ChallengeMethod ChallengeMethod
}

// New assembles an engine from a config, an ephemeral store, and the
// dependency set.
func New(config Config, store storage.EphemeralStore, deps Dependencies) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config = config.withDefaults()

	if store == nil {
		return nil, fmt.Errorf("ephemeral store is required")
	}
	if deps.Clients == nil {
		return nil, fmt.Errorf("client registry is required")
	}
	if deps.Minter == nil {
		return nil, fmt.Errorf("token minter is required")
	}

	e := &Engine{
		config:  config,
		store:   store,
		clients: deps.Clients,
		minter:  deps.Minter,
		states:  NewStateManager(store, config.Logger),
		pkce:    NewPKCEManager(store, config.Logger),
		codes:   NewAuthorizationCodeIssuer(store, config.Logger),
		inst:    deps.Instrumentation,
	}
	e.exchange = NewTokenExchangeEngine(deps.Clients, deps.Minter, e.codes, e.pkce, config, deps.Instrumentation)
	e.handoff = NewTokenHandoff(store, config.HandoffTTL, config.Logger)

	if deps.Users != nil {
		if len(config.EncryptionKey) == 0 {
			return nil, fmt.Errorf("encryption key is required when the binding bridge is enabled")
		}
		encryptor, err := security.NewEncryptor(config.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
		e.bridge, err = NewBindingBridge(store, deps.Users, deps.Passwords, encryptor, config.BindCodeTTL, config.Logger, deps.Instrumentation)
		if err != nil {
			return nil, err
		}
	}

	return e, nil
}

// GeneratePKCEParams generates and persists a state plus PKCE pair for a
// client that delegates verifier generation to the server.
func (e *Engine) GeneratePKCEParams(ctx context.Context) (*PKCEParams, error) {
	return e.pkce.GeneratePKCEParams(ctx, e.config.StateTTL)
}

// IssueAuthorizationState issues an anti-CSRF state for an outbound
// authorization redirect.
func (e *Engine) IssueAuthorizationState(ctx context.Context) (string, error) {
	return e.states.IssueState(ctx, storage.StatePrefix, e.config.StateTTL)
}

// ValidateAuthorizationState consumes a state issued by
// IssueAuthorizationState. Returns true exactly once per state.
func (e *Engine) ValidateAuthorizationState(ctx context.Context, state string) (bool, error) {
	ok, err := e.states.ValidateAndConsume(ctx, state, storage.StatePrefix)
	if err == nil && e.inst != nil {
		e.inst.Metrics().StateValidated.Add(ctx, 1)
	}
	return ok, err
}

// CompleteAuthorization issues a one-time authorization code for an
// authenticated grant. When the grant carries no challenge but names a
// state, the challenge is read from the server-held PKCE entry; the entry
// itself stays in place for the exchange to consume.
func (e *Engine) CompleteAuthorization(ctx context.Context, grant *AuthorizationGrant) (*AuthorizationCode, error) {
	if grant == nil {
		return nil, ErrInvalidRequest("authorization grant is required")
	}

	challenge := grant.CodeChallenge
	method := grant.ChallengeMethod
	if challenge == "" && grant.State != "" {
		entry, err := e.pkce.PeekForState(ctx, grant.State)
		if err != nil {
			return nil, err
		}
		challenge = entry.CodeChallenge
		method = entry.ChallengeMethod
	}

	if e.config.RequirePKCE && challenge == "" && !e.config.AllowSecretFallback {
		return nil, ErrInvalidGrant("a code challenge is required")
	}

	code, err := e.codes.Issue(ctx, grant.ClientID, grant.PrincipalID, grant.Scopes, challenge, method)
	if err != nil {
		return nil, err
	}

	if e.inst != nil {
		e.inst.Metrics().CodeIssued.Add(ctx, 1)
	}
	return code, nil
}

// Exchange redeems an authorization code for a token pair
func (e *Engine) Exchange(ctx context.Context, req *ExchangeRequest) (*TokenPair, error) {
	return e.exchange.Exchange(ctx, req)
}

// HandoffTokens mints tokens directly for an already-authenticated principal
// (a third-party login that resolved to a linked user) and parks them behind
// a one-time pickup code, so bearer tokens never ride a redirect URL.
func (e *Engine) HandoffTokens(ctx context.Context, principal Principal, clientID string, scopes []string) (string, error) {
	start := time.Now()

	client, err := e.clients.LookupClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return "", ErrInvalidClient("client authentication failed")
		}
		return "", ErrServerError("failed to look up client")
	}

	pair, err := e.minter.Mint(ctx, principal, client, scopes, GrantTypeThirdParty)
	if e.inst != nil {
		e.inst.RecordExchange(ctx, GrantPathDirect, err, time.Since(start))
	}
	if err != nil {
		e.config.Logger.Error("Token minting failed", "client_id", clientID, "error", err)
		return "", ErrServerError("failed to mint tokens")
	}

	return e.IssueHandoff(ctx, pair)
}

// IssueHandoff parks a token pair behind a one-time pickup code
func (e *Engine) IssueHandoff(ctx context.Context, pair *TokenPair) (string, error) {
	code, err := e.handoff.Issue(ctx, pair)
	if err == nil && e.inst != nil {
		e.inst.Metrics().HandoffIssued.Add(ctx, 1)
	}
	return code, err
}

// RedeemHandoff picks up a parked token pair exactly once
func (e *Engine) RedeemHandoff(ctx context.Context, code string) (*TokenPair, error) {
	pair, err := e.handoff.Redeem(ctx, code)
	if err == nil && e.inst != nil {
		e.inst.Metrics().HandoffRedeemed.Add(ctx, 1)
	}
	return pair, err
}

// Bridge returns the binding bridge, or nil when no user repository was
// configured.
func (e *Engine) Bridge() *BindingBridge {
	return e.bridge
}
