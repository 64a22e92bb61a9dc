package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/webapp-security/sso/instrumentation"
	"github.com/webapp-security/sso/internal/testutil"
	"github.com/webapp-security/sso/storage"
)

func TestStore_PutAndPeek(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	err := store.Put(ctx, "k1", []byte("v1"), time.Minute)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := store.Peek(ctx, "k1")
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("Peek() = %q, want %q", got, "v1")
	}

	// Peek must not consume
	if _, err := store.Peek(ctx, "k1"); err != nil {
		t.Errorf("second Peek() error = %v", err)
	}
}

func TestStore_Put_EmptyKey(t *testing.T) {
	store := New()
	defer store.Stop()

	err := store.Put(context.Background(), "", []byte("v"), time.Minute)
	if err == nil {
		t.Error("Put() with empty key should return error")
	}
}

func TestStore_Put_CopiesValue(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	value := []byte("original")
	if err := store.Put(ctx, "k", value, time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	value[0] = 'X'

	got, err := store.Peek(ctx, "k")
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if string(got) != "original" {
		t.Errorf("Peek() = %q, want %q", got, "original")
	}
}

func TestStore_Peek_NotFound(t *testing.T) {
	store := New()
	defer store.Stop()

	_, err := store.Peek(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Peek() error = %v, want ErrNotFound", err)
	}
}

func TestStore_Peek_Expired(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	mock := testutil.NewMockTime(time.Now())
	store.SetTimeSource(mock.Now)

	if err := store.Put(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	mock.Advance(2 * time.Minute)

	_, err := store.Peek(ctx, "k")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Peek() after expiry error = %v, want ErrNotFound", err)
	}
}

func TestStore_TakeOnce(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	if err := store.Put(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := store.TakeOnce(ctx, "k")
	if err != nil {
		t.Fatalf("TakeOnce() error = %v", err)
	}
	if string(got) != "v" {
		t.Errorf("TakeOnce() = %q, want %q", got, "v")
	}

	_, err = store.TakeOnce(ctx, "k")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second TakeOnce() error = %v, want ErrNotFound", err)
	}
}

func TestStore_TakeOnce_Expired(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	mock := testutil.NewMockTime(time.Now())
	store.SetTimeSource(mock.Now)

	if err := store.Put(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	mock.Advance(2 * time.Minute)

	_, err := store.TakeOnce(ctx, "k")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("TakeOnce() after expiry error = %v, want ErrNotFound", err)
	}
}

// TestStore_TakeOnce_SingleWinner verifies the one-winner guarantee under
// concurrent redemption of the same key.
func TestStore_TakeOnce_SingleWinner(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	const goroutines = 50

	if err := store.Put(ctx, "code", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	var wg sync.WaitGroup
	var winners int64
	var mu sync.Mutex

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.TakeOnce(ctx, "code"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("TakeOnce() winners = %d, want exactly 1", winners)
	}
}

func TestStore_Delete(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	if err := store.Put(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	_, err := store.Peek(ctx, "k")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Peek() after Delete() error = %v, want ErrNotFound", err)
	}

	// Deleting an absent key is not an error
	if err := store.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete() of absent key error = %v", err)
	}
}

func TestStore_Cleanup(t *testing.T) {
	store := NewWithInterval(10 * time.Millisecond)
	defer store.Stop()
	ctx := context.Background()

	mock := testutil.NewMockTime(time.Now())
	store.SetTimeSource(mock.Now)

	if err := store.Put(ctx, "short", []byte("v"), time.Second); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put(ctx, "long", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	mock.Advance(time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for store.Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if got := store.Len(); got != 1 {
		t.Errorf("Len() after cleanup = %d, want 1", got)
	}
}

func TestStore_StopIsIdempotent(t *testing.T) {
	store := New()
	store.Stop()
	store.Stop()
}

func TestStore_TracesOperations(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "sso-test",
		Enabled:        true,
		TracerProvider: tp,
	})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}

	store := New()
	defer store.Stop()
	store.SetInstrumentation(inst)
	ctx := context.Background()

	if err := store.Put(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := store.TakeOnce(ctx, "k1"); err != nil {
		t.Fatalf("TakeOnce() error = %v", err)
	}
	if _, err := store.Peek(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Peek() error = %v, want ErrNotFound", err)
	}

	byName := make(map[string]tracetest.SpanStub)
	for _, s := range exporter.GetSpans() {
		byName[s.Name] = s
	}
	for _, name := range []string{"storage.put", "storage.take_once", "storage.peek"} {
		if _, ok := byName[name]; !ok {
			t.Errorf("missing span %q", name)
		}
	}
	if s, ok := byName["storage.put"]; ok && s.Status.Code != codes.Ok {
		t.Errorf("storage.put status = %v, want Ok", s.Status.Code)
	}
	if s, ok := byName["storage.peek"]; ok && s.Status.Code != codes.Error {
		t.Errorf("storage.peek status = %v, want Error", s.Status.Code)
	}
}
