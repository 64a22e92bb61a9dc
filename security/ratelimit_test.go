package security

import (
	"fmt"
	"testing"
)

func TestRateLimiter_AllowWithinBurst(t *testing.T) {
	rl := NewRateLimiter(1, 3, nil)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("client-a") {
			t.Errorf("request %d within burst should be allowed", i)
		}
	}
	if rl.Allow("client-a") {
		t.Error("request beyond burst should be denied")
	}
}

func TestRateLimiter_IdentifiersAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	defer rl.Stop()

	if !rl.Allow("client-a") {
		t.Error("first request for client-a should be allowed")
	}
	if rl.Allow("client-a") {
		t.Error("second request for client-a should be denied")
	}
	if !rl.Allow("client-b") {
		t.Error("client-b should not share client-a's bucket")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(1, 1, 3, nil)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		rl.Allow(fmt.Sprintf("client-%d", i))
	}
	if got := rl.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	// Touch client-0 so client-1 becomes least recently used
	rl.Allow("client-0")

	rl.Allow("client-3")
	if got := rl.Len(); got != 3 {
		t.Errorf("Len() after eviction = %d, want 3", got)
	}

	// client-1 was evicted; a fresh bucket lets its next request through
	if !rl.Allow("client-1") {
		t.Error("evicted identifier should start with a fresh bucket")
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	rl.Stop()
	rl.Stop()
}
