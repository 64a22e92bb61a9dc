package sso

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/webapp-security/sso/storage"
)

// StateManager issues and validates anti-CSRF state tokens. A state is valid
// exactly once: validation consumes it, so a replayed or duplicated callback
// cannot pass twice.
type StateManager struct {
	store  storage.EphemeralStore
	logger *slog.Logger
}

// NewStateManager creates a state manager backed by the given store
func NewStateManager(store storage.EphemeralStore, logger *slog.Logger) *StateManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateManager{store: store, logger: logger}
}

// IssueState generates a high-entropy opaque state token and stores it under
// prefix+state with the given TTL.
func (m *StateManager) IssueState(ctx context.Context, prefix string, ttl time.Duration) (string, error) {
	state := strings.ReplaceAll(uuid.NewString(), "-", "")

	if err := m.store.Put(ctx, prefix+state, []byte("1"), ttl); err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			return "", ErrStoreUnavailable("failed to persist state")
		}
		return "", fmt.Errorf("failed to persist state: %w", err)
	}

	m.logger.Debug("Issued state", "prefix", prefix, "ttl", ttl)
	return state, nil
}

// ValidateAndConsume checks whether the state exists under the prefix and
// deletes it atomically. Returns true iff the state was present; every
// subsequent call with the same state returns false.
func (m *StateManager) ValidateAndConsume(ctx context.Context, state, prefix string) (bool, error) {
	if strings.TrimSpace(state) == "" {
		return false, nil
	}

	_, err := m.store.TakeOnce(ctx, prefix+state)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn("State validation failed", "prefix", prefix)
			return false, nil
		}
		if errors.Is(err, storage.ErrUnavailable) {
			return false, ErrStoreUnavailable("failed to validate state")
		}
		return false, fmt.Errorf("failed to validate state: %w", err)
	}

	return true, nil
}
