package sso

import (
	"fmt"
	"log/slog"
	"time"
)

// Default TTLs, mirroring the windows of the flows they protect.
const (
	// DefaultStateTTL bounds the authorization round-trip: state and PKCE
	// entries live this long.
	DefaultStateTTL = 10 * time.Minute

	// DefaultBindCodeTTL bounds the bind-or-create flow after a
	// third-party callback.
	DefaultBindCodeTTL = 5 * time.Minute

	// DefaultHandoffTTL bounds the frontend token pickup after a direct
	// mint.
	DefaultHandoffTTL = 5 * time.Minute
)

// Config holds the engine configuration
type Config struct {
	// RequirePKCE requires a code_verifier on every exchange.
	RequirePKCE bool

	// AllowSecretFallback permits a confidential-client exchange when
	// RequirePKCE is set but no verifier was supplied. The downgrade is
	// logged on every use. Default false: the exchange fails with
	// invalid_grant instead.
	AllowSecretFallback bool

	// StateTTL is the lifetime of state and PKCE entries.
	// Default: 10 minutes.
	StateTTL time.Duration

	// BindCodeTTL is the lifetime of third-party bind codes.
	// Default: 5 minutes.
	BindCodeTTL time.Duration

	// HandoffTTL is the lifetime of token handoff codes.
	// Default: 5 minutes.
	HandoffTTL time.Duration

	// EncryptionKey is the AES-256 key (32 bytes) used to encrypt external
	// identity ids inside bind codes. Required when the bridge is used.
	// Generate with security.GenerateKey().
	EncryptionKey []byte

	// RateLimit configures per-client rate limiting on the token endpoint.
	RateLimit RateLimitConfig

	// Logger for structured logging (optional, uses slog.Default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per client id. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per client id.
	Burst int
}

// withDefaults returns a copy of the config with defaults applied
func (c Config) withDefaults() Config {
	if c.StateTTL <= 0 {
		c.StateTTL = DefaultStateTTL
	}
	if c.BindCodeTTL <= 0 {
		c.BindCodeTTL = DefaultBindCodeTTL
	}
	if c.HandoffTTL <= 0 {
		c.HandoffTTL = DefaultHandoffTTL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Validate checks the configuration for invalid combinations
func (c Config) Validate() error {
	if len(c.EncryptionKey) != 0 && len(c.EncryptionKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes, got %d", len(c.EncryptionKey))
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit burst must be positive when rate is set")
	}
	if c.AllowSecretFallback && !c.RequirePKCE {
		return fmt.Errorf("AllowSecretFallback only applies when RequirePKCE is set")
	}
	return nil
}
