package instrumentation

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNew_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if inst.Metrics() == nil {
		t.Error("Metrics() should not be nil even when disabled")
	}
	if inst.Meter("engine") == nil {
		t.Error("Meter() should not be nil")
	}
	if inst.Tracer("engine") == nil {
		t.Error("Tracer() should not be nil")
	}
}

func TestNew_DisabledUsesNoop(t *testing.T) {
	inst, err := New(Config{Enabled: false, ServiceName: "test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	// All recording paths must be safe no-ops
	inst.RecordExchange(ctx, "pkce", nil, time.Millisecond)
	inst.RecordExchange(ctx, "client_secret", errors.New("boom"), time.Millisecond)
	inst.RecordStorageOperation(ctx, "put", nil, time.Millisecond)
	inst.RecordBridgeCallback(ctx, "wechat", "linked")
	inst.RecordBindCompleted(ctx, "github")

	if err := inst.RegisterEntryCountCallback(func() int64 { return 0 }); err != nil {
		t.Errorf("RegisterEntryCountCallback() error = %v", err)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	if err := inst.Shutdown(ctx); err != nil {
		t.Errorf("first Shutdown() error = %v", err)
	}
	if err := inst.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}
