package sso

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/webapp-security/sso/internal/testutil"
	"github.com/webapp-security/sso/storage/memory"
)

func TestAuthorizationCodeIssuer_IssueAndRedeem(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	issuer := NewAuthorizationCodeIssuer(store, nil)
	ctx := context.Background()

	challenge, _ := testutil.GeneratePKCEPair()
	code, err := issuer.Issue(ctx, "client-1", "user-1", []string{"openid"}, challenge, ChallengeMethodS256)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if len(code.Code) != 32 {
		t.Errorf("code length = %d, want 32 hex chars", len(code.Code))
	}
	if got := code.ExpiresAt.Sub(code.IssuedAt); got != AuthorizationCodeTTL {
		t.Errorf("validity window = %v, want %v", got, AuthorizationCodeTTL)
	}

	got, err := issuer.Redeem(ctx, code.Code)
	if err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	if got.ClientID != "client-1" || got.PrincipalID != "user-1" {
		t.Errorf("redeemed code = %+v, want client-1/user-1", got)
	}
	if got.CodeChallenge != challenge {
		t.Error("redeemed code lost its challenge")
	}
}

func TestAuthorizationCodeIssuer_RedeemConsumes(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	issuer := NewAuthorizationCodeIssuer(store, nil)
	ctx := context.Background()

	code, err := issuer.Issue(ctx, "client-1", "user-1", nil, "", "")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if _, err := issuer.Redeem(ctx, code.Code); err != nil {
		t.Fatalf("first Redeem() error = %v", err)
	}

	_, err = issuer.Redeem(ctx, code.Code)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestAuthorizationCodeIssuer_RedeemUnknown(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	issuer := NewAuthorizationCodeIssuer(store, nil)

	_, err := issuer.Redeem(context.Background(), "does-not-exist")
	assertOAuthError(t, err, ErrorCodeInvalidGrant)

	_, err = issuer.Redeem(context.Background(), "")
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestAuthorizationCodeIssuer_RedeemExpired(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	issuer := NewAuthorizationCodeIssuer(store, nil)
	ctx := context.Background()

	mock := testutil.NewMockTime(time.Now())
	issuer.now = mock.Now

	code, err := issuer.Issue(ctx, "client-1", "user-1", nil, "", "")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	// The store TTL has not elapsed in wall-clock time, but the embedded
	// expiry has
	mock.Advance(AuthorizationCodeTTL + time.Second)

	_, err = issuer.Redeem(ctx, code.Code)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestAuthorizationCodeIssuer_IssueValidation(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	issuer := NewAuthorizationCodeIssuer(store, nil)
	ctx := context.Background()

	if _, err := issuer.Issue(ctx, "", "user-1", nil, "", ""); err == nil {
		t.Error("Issue() with empty client id should return error")
	}
	if _, err := issuer.Issue(ctx, "client-1", "", nil, "", ""); err == nil {
		t.Error("Issue() with empty principal id should return error")
	}
}

// TestAuthorizationCodeIssuer_ConcurrentRedeem verifies that N concurrent
// redemptions of the same code produce exactly one winner.
func TestAuthorizationCodeIssuer_ConcurrentRedeem(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	issuer := NewAuthorizationCodeIssuer(store, nil)
	ctx := context.Background()

	code, err := issuer.Issue(ctx, "client-1", "user-1", nil, "", "")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	const goroutines = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := issuer.Redeem(ctx, code.Code); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("Redeem() winners = %d, want exactly 1", winners)
	}
}

func TestGenerateOpaqueToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok := generateOpaqueToken()
		if len(tok) != 32 {
			t.Fatalf("token length = %d, want 32", len(tok))
		}
		if seen[tok] {
			t.Fatalf("duplicate token generated: %s", tok)
		}
		seen[tok] = true
	}
}

func TestAuthorizationCodes_StoreUnavailable(t *testing.T) {
	issuer := NewAuthorizationCodeIssuer(unavailableStore{}, nil)
	ctx := context.Background()

	_, err := issuer.Issue(ctx, "public-client", "user-1", nil, "", "")
	assertStoreUnavailable(t, err)

	_, err = issuer.Redeem(ctx, "5a89faa7b4fe1ba7537679c0d7c94039")
	assertStoreUnavailable(t, err)
}
