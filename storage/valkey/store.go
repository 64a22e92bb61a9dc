// Package valkey provides a Valkey-backed implementation of the ephemeral
// store for multi-instance deployments. One-time consumption is enforced
// server-side with GETDEL, so concurrent redemption attempts across processes
// still resolve to exactly one winner.
package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/webapp-security/sso/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "sso:"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxValueSize is the maximum size of a stored value (64KB).
	// This prevents memory exhaustion from oversized payloads.
	MaxValueSize = 64 * 1024
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "sso:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.EphemeralStore.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

var _ storage.EphemeralStore = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// key applies the configured instance prefix. Credential-type prefixes
// (oauth2:code:, pkce:state:, ...) are supplied by callers as part of the key.
func (s *Store) key(k string) string {
	return s.prefix + k
}

// Put stores value under key with the given TTL
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", ttl)
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("value exceeds maximum size of %d bytes", MaxValueSize)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.key(key)).Value(string(value)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("%w: failed to set key: %v", storage.ErrUnavailable, err)
	}

	s.logger.Debug("Stored ephemeral entry", "key", key, "ttl", ttl)
	return nil
}

// Peek returns the value without consuming it
func (s *Store) Peek(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(key)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		return nil, fmt.Errorf("%w: failed to get key: %v", storage.ErrUnavailable, err)
	}
	return []byte(data), nil
}

// TakeOnce atomically retrieves and deletes the value.
// SECURITY: GETDEL executes atomically on the server, so exactly one caller
// across all instances receives the value. Concurrent callers observe nil.
func (s *Store) TakeOnce(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.key(key)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		return nil, fmt.Errorf("%w: failed to consume key: %v", storage.ErrUnavailable, err)
	}

	s.logger.Debug("Consumed ephemeral entry", "key", key)
	return []byte(data), nil
}

// Delete removes the key
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.key(key)).Build()).Error(); err != nil {
		return fmt.Errorf("%w: failed to delete key: %v", storage.ErrUnavailable, err)
	}
	return nil
}

// isNilError checks if the error is a Valkey nil response (key not found)
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
