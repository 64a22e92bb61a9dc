package sso

import (
	"context"
	"testing"
	"time"

	"github.com/webapp-security/sso/storage"
	"github.com/webapp-security/sso/storage/memory"
)

func TestStateManager_IssueAndValidate(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	mgr := NewStateManager(store, nil)
	ctx := context.Background()

	state, err := mgr.IssueState(ctx, storage.StatePrefix, time.Minute)
	if err != nil {
		t.Fatalf("IssueState() error = %v", err)
	}
	if len(state) != 32 {
		t.Errorf("state length = %d, want 32", len(state))
	}

	ok, err := mgr.ValidateAndConsume(ctx, state, storage.StatePrefix)
	if err != nil {
		t.Fatalf("ValidateAndConsume() error = %v", err)
	}
	if !ok {
		t.Error("ValidateAndConsume() = false, want true")
	}
}

func TestStateManager_ValidateConsumes(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	mgr := NewStateManager(store, nil)
	ctx := context.Background()

	state, err := mgr.IssueState(ctx, storage.StatePrefix, time.Minute)
	if err != nil {
		t.Fatalf("IssueState() error = %v", err)
	}

	if ok, _ := mgr.ValidateAndConsume(ctx, state, storage.StatePrefix); !ok {
		t.Fatal("first ValidateAndConsume() = false, want true")
	}
	ok, err := mgr.ValidateAndConsume(ctx, state, storage.StatePrefix)
	if err != nil {
		t.Fatalf("second ValidateAndConsume() error = %v", err)
	}
	if ok {
		t.Error("second ValidateAndConsume() = true, want false")
	}
}

func TestStateManager_ValidateUnknown(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	mgr := NewStateManager(store, nil)

	tests := []struct {
		name  string
		state string
	}{
		{"unknown state", "deadbeefdeadbeefdeadbeefdeadbeef"},
		{"empty state", ""},
		{"whitespace state", "   "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := mgr.ValidateAndConsume(context.Background(), tt.state, storage.StatePrefix)
			if err != nil {
				t.Fatalf("ValidateAndConsume() error = %v", err)
			}
			if ok {
				t.Error("ValidateAndConsume() = true, want false")
			}
		})
	}
}

func TestStateManager_PrefixesAreIsolated(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	mgr := NewStateManager(store, nil)
	ctx := context.Background()

	state, err := mgr.IssueState(ctx, storage.StatePrefix, time.Minute)
	if err != nil {
		t.Fatalf("IssueState() error = %v", err)
	}

	// The same state value under a different namespace must not validate
	ok, err := mgr.ValidateAndConsume(ctx, state, storage.PKCEStatePrefix)
	if err != nil {
		t.Fatalf("ValidateAndConsume() error = %v", err)
	}
	if ok {
		t.Error("state validated under wrong prefix")
	}

	if ok, _ := mgr.ValidateAndConsume(ctx, state, storage.StatePrefix); !ok {
		t.Error("state did not validate under its own prefix")
	}
}

func TestStateManager_StoreUnavailable(t *testing.T) {
	m := NewStateManager(unavailableStore{}, nil)
	ctx := context.Background()

	_, err := m.IssueState(ctx, storage.StatePrefix, time.Minute)
	assertStoreUnavailable(t, err)

	_, err = m.ValidateAndConsume(ctx, "deadbeef", storage.StatePrefix)
	assertStoreUnavailable(t, err)
}
