// Package memory provides an in-memory implementation of the ephemeral store.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/webapp-security/sso/instrumentation"
	"github.com/webapp-security/sso/storage"
)

// Store is an in-memory implementation of storage.EphemeralStore.
// Expired entries are lazily rejected on read and swept by a background
// cleanup loop, mirroring the TTL behavior of a networked backend.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry

	// Atomic counter for metrics (lock-free access during collection)
	entriesCountAtomic atomic.Int64

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger

	// now is replaceable for deterministic expiry tests
	now func() time.Time
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

var _ storage.EphemeralStore = (*Store)(nil)

// New creates a new in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		entries:         make(map[string]entry),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
		now:             time.Now,
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	} else {
		s.tracer = nil
	}
	s.entriesCountAtomic.Store(int64(len(s.entries)))
	s.mu.Unlock()

	if inst != nil {
		if err := inst.RegisterEntryCountCallback(func() int64 {
			return s.entriesCountAtomic.Load()
		}); err != nil {
			s.logger.Warn("Failed to register entry count callback", "error", err)
		}
	}
}

// SetTimeSource overrides the store's clock. Test use only.
func (s *Store) SetTimeSource(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// Put stores value under key with the given TTL
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	startTime := time.Now()
	ctx, span := s.startSpan(ctx, "put")
	var err error
	defer func() {
		s.recordOperation(ctx, span, "put", err, startTime)
	}()

	if key == "" {
		err = fmt.Errorf("key cannot be empty")
		return err
	}
	if ttl <= 0 {
		err = fmt.Errorf("ttl must be positive, got %s", ttl)
		return err
	}

	// Copy so later caller mutations cannot alter the stored value
	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.entries[key]
	s.entries[key] = entry{
		value:     stored,
		expiresAt: s.now().Add(ttl),
	}
	if !existed {
		s.entriesCountAtomic.Add(1)
	}

	s.logger.Debug("Stored ephemeral entry", "key", key, "ttl", ttl)
	return nil
}

// Peek returns the value without consuming it
func (s *Store) Peek(ctx context.Context, key string) ([]byte, error) {
	startTime := time.Now()
	ctx, span := s.startSpan(ctx, "peek")
	var err error
	defer func() {
		s.recordOperation(ctx, span, "peek", err, startTime)
	}()

	s.mu.RLock()
	e, ok := s.entries[key]
	now := s.now()
	s.mu.RUnlock()

	if !ok || now.After(e.expiresAt) {
		err = fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		return nil, err
	}

	value := make([]byte, len(e.value))
	copy(value, e.value)
	return value, nil
}

// TakeOnce atomically retrieves and deletes the value.
// The write lock spans lookup and delete so exactly one of N concurrent
// callers observes the entry.
func (s *Store) TakeOnce(ctx context.Context, key string) ([]byte, error) {
	startTime := time.Now()
	ctx, span := s.startSpan(ctx, "take_once")
	var err error
	defer func() {
		s.recordOperation(ctx, span, "take_once", err, startTime)
	}()

	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
		s.entriesCountAtomic.Add(-1)
	}
	now := s.now()
	s.mu.Unlock()

	if !ok || now.After(e.expiresAt) {
		err = fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		return nil, err
	}

	s.logger.Debug("Consumed ephemeral entry", "key", key)
	return e.value, nil
}

// Delete removes the key
func (s *Store) Delete(ctx context.Context, key string) error {
	startTime := time.Now()
	ctx, span := s.startSpan(ctx, "delete")
	defer func() {
		s.recordOperation(ctx, span, "delete", nil, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; ok {
		delete(s.entries, key)
		s.entriesCountAtomic.Add(-1)
	}
	return nil
}

// startSpan opens a span for a storage operation when tracing is configured.
// The returned span is nil otherwise.
func (s *Store) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	s.mu.RLock()
	tracer := s.tracer
	s.mu.RUnlock()
	if tracer == nil {
		return ctx, nil
	}
	return tracer.Start(ctx, "storage."+op,
		trace.WithAttributes(attribute.String("operation", op)))
}

// recordOperation closes the operation span and reports metrics, if configured
func (s *Store) recordOperation(ctx context.Context, span trace.Span, op string, err error, startTime time.Time) {
	if span != nil {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		span.End()
	}

	s.mu.RLock()
	inst := s.instrumentation
	s.mu.RUnlock()
	if inst == nil {
		return
	}
	inst.RecordStorageOperation(ctx, op, err, time.Since(startTime))
}

// cleanupLoop periodically removes expired entries
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes all expired entries
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, key)
			s.entriesCountAtomic.Add(-1)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", removed)
	}
}

// Len returns the number of live entries. Used by tests and monitoring.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
