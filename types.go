package sso

import "time"

// ChallengeMethod identifies the PKCE code challenge transformation.
type ChallengeMethod string

const (
	// ChallengeMethodS256 is SHA-256 + base64url, the only method accepted
	// at redemption time.
	ChallengeMethodS256 ChallengeMethod = "S256"

	// ChallengeMethodPlain exists only to be rejected explicitly.
	ChallengeMethodPlain ChallengeMethod = "plain"
)

// Platform identifies a third-party identity provider.
type Platform string

const (
	PlatformWechat Platform = "wechat"
	PlatformAlipay Platform = "alipay"
	PlatformGithub Platform = "github"
)

// StateEntry binds the PKCE material to an anti-CSRF state for one
// authorization round-trip. It is consumed exactly once by the redemption
// path that needs the verifier, or left to expire via TTL.
type StateEntry struct {
	State           string          `json:"state"`
	CodeVerifier    string          `json:"code_verifier"`
	CodeChallenge   string          `json:"code_challenge"`
	ChallengeMethod ChallengeMethod `json:"code_challenge_method"`
	CreatedAt       time.Time       `json:"created_at"`
}

// AuthorizationCode is a one-time credential binding a client, principal,
// scope set, and optional PKCE challenge. Its lifecycle is
// ISSUED -> REDEEMED (store delete) or ISSUED -> EXPIRED (TTL); there is no
// revoked state at this layer.
type AuthorizationCode struct {
	Code            string          `json:"code"`
	ClientID        string          `json:"client_id"`
	PrincipalID     string          `json:"principal_id"`
	Scopes          []string        `json:"scopes"`
	CodeChallenge   string          `json:"code_challenge,omitempty"`
	ChallengeMethod ChallengeMethod `json:"code_challenge_method,omitempty"`
	IssuedAt        time.Time       `json:"issued_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

// TokenPair is the minted token response. The engine never persists it
// beyond a short-lived handoff code.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope"`
	ExpiresIn    int64  `json:"expires_in"`
}

// PKCEParams is the response of the PKCE parameter endpoint. The verifier is
// returned to the client and simultaneously persisted keyed by state so the
// redemption path can recompute and check the challenge.
type PKCEParams struct {
	State               string `json:"state"`
	CodeVerifier        string `json:"code_verifier"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
}

// ExchangeRequest carries the token endpoint parameters for the
// authorization_code grant. The client id travels explicitly with the
// request; there is no ambient per-request holder.
type ExchangeRequest struct {
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	State        string
}

// Profile is the subset of third-party profile data the bridge forwards to
// the user repository when linking an identity.
type Profile struct {
	Nickname  string `json:"nickname,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Credentials are the username/password pair checked when binding a
// third-party identity to an existing account.
type Credentials struct {
	Username string
	Password string
}

// NewAccount holds the details for creating an internal user during a
// third-party create flow. Password hashing is delegated to the
// UserRepository implementation.
type NewAccount struct {
	Username string
	Password string
	Email    string
	RealName string
}
