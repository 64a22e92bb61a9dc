package sso

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/webapp-security/sso/internal/util"
	"github.com/webapp-security/sso/storage"
)

// TokenHandoff parks a freshly minted token pair under a short-lived opaque
// code so a browser redirect can carry the code instead of the tokens. The
// pickup consumes the code; tokens never outlive one redemption or the TTL.
type TokenHandoff struct {
	store  storage.EphemeralStore
	ttl    time.Duration
	logger *slog.Logger
}

// NewTokenHandoff creates a handoff backed by the given store
func NewTokenHandoff(store storage.EphemeralStore, ttl time.Duration, logger *slog.Logger) *TokenHandoff {
	if ttl <= 0 {
		ttl = DefaultHandoffTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenHandoff{store: store, ttl: ttl, logger: logger}
}

// Issue parks the token pair and returns the one-time pickup code
func (h *TokenHandoff) Issue(ctx context.Context, pair *TokenPair) (string, error) {
	if pair == nil || pair.AccessToken == "" {
		return "", ErrInvalidRequest("token pair is required")
	}

	data, err := json.Marshal(pair)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token pair: %w", err)
	}

	code := generateOpaqueToken()
	if err := h.store.Put(ctx, storage.HandoffCodePrefix+code, data, h.ttl); err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			return "", ErrStoreUnavailable("failed to park tokens")
		}
		return "", fmt.Errorf("failed to park tokens: %w", err)
	}

	h.logger.Info("Issued handoff code",
		"code_prefix", util.SafeTruncate(code, codeLogLength), "ttl", h.ttl)

	return code, nil
}

// Redeem picks up the token pair for a handoff code exactly once
func (h *TokenHandoff) Redeem(ctx context.Context, code string) (*TokenPair, error) {
	if code == "" {
		return nil, ErrInvalidGrant("pickup code is required")
	}

	data, err := h.store.TakeOnce(ctx, storage.HandoffCodePrefix+code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.logger.Warn("Handoff redemption failed",
				"code_prefix", util.SafeTruncate(code, codeLogLength))
			return nil, ErrInvalidGrant("pickup code is invalid, expired, or already used")
		}
		if errors.Is(err, storage.ErrUnavailable) {
			return nil, ErrStoreUnavailable("failed to redeem pickup code")
		}
		return nil, fmt.Errorf("failed to redeem pickup code: %w", err)
	}

	var pair TokenPair
	if err := json.Unmarshal(data, &pair); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token pair: %w", err)
	}

	return &pair, nil
}
