package sso

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/webapp-security/sso/internal/testutil"
	"github.com/webapp-security/sso/storage"
)

// fakeClients is an in-memory ClientRegistry
type fakeClients struct {
	clients map[string]*ClientRecord
}

func newFakeClients(clients ...*ClientRecord) *fakeClients {
	f := &fakeClients{clients: make(map[string]*ClientRecord)}
	for _, c := range clients {
		f.clients[c.ClientID] = c
	}
	return f
}

func (f *fakeClients) LookupClient(_ context.Context, clientID string) (*ClientRecord, error) {
	c, ok := f.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	return c, nil
}

func testPublicClient() *ClientRecord {
	return &ClientRecord{
		ClientID:          "public-client",
		ClientType:        ClientTypePublic,
		AllowedGrantTypes: []string{GrantTypeAuthorizationCode},
		Scopes:            []string{"openid", "profile"},
	}
}

func testConfidentialClient() *ClientRecord {
	return &ClientRecord{
		ClientID:          "confidential-client",
		ClientSecretHash:  testutil.TestClientSecretHash,
		ClientType:        ClientTypeConfidential,
		AllowedGrantTypes: []string{GrantTypeAuthorizationCode},
		Scopes:            []string{"openid", "profile"},
	}
}

// staticMinter mints deterministic tokens
type staticMinter struct {
	mintCount int
}

func (m *staticMinter) Mint(_ context.Context, principal Principal, _ *ClientRecord, scopes []string, _ string) (*TokenPair, error) {
	m.mintCount++
	return &TokenPair{
		AccessToken: "access-" + principal.UserID,
		TokenType:   "Bearer",
		Scope:       strings.Join(scopes, " "),
		ExpiresIn:   3600,
	}, nil
}

// failingMinter always fails
type failingMinter struct{}

func (failingMinter) Mint(context.Context, Principal, *ClientRecord, []string, string) (*TokenPair, error) {
	return nil, fmt.Errorf("signing backend unavailable")
}

// fakeUsers is an in-memory UserRepository
type fakeUsers struct {
	mu     sync.Mutex
	nextID int
	users  map[string]*NewAccount
	links  map[string]string // platform + "/" + externalID -> userID
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{
		users: make(map[string]*NewAccount),
		links: make(map[string]string),
	}
}

func (f *fakeUsers) Create(_ context.Context, account *NewAccount) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("user-%d", f.nextID)
	f.users[id] = account
	return id, nil
}

func (f *fakeUsers) FindByExternalID(_ context.Context, platform Platform, externalID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.links[string(platform)+"/"+externalID]
	if !ok {
		return "", ErrNoLinkedUser
	}
	return id, nil
}

func (f *fakeUsers) LinkExternalID(_ context.Context, userID string, platform Platform, externalID string, _ *Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[string(platform)+"/"+externalID] = userID
	return nil
}

// fakePasswords accepts a single username/password pair
type fakePasswords struct {
	username string
	password string
	userID   string
}

func (f *fakePasswords) VerifyPassword(_ context.Context, username, password string) (string, error) {
	if username != f.username || password != f.password {
		return "", fmt.Errorf("invalid credentials")
	}
	return f.userID, nil
}

// unavailableStore fails every operation with storage.ErrUnavailable,
// simulating a backend outage
type unavailableStore struct{}

func (unavailableStore) Put(context.Context, string, []byte, time.Duration) error {
	return fmt.Errorf("%w: connection refused", storage.ErrUnavailable)
}

func (unavailableStore) Peek(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("%w: connection refused", storage.ErrUnavailable)
}

func (unavailableStore) TakeOnce(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("%w: connection refused", storage.ErrUnavailable)
}

func (unavailableStore) Delete(context.Context, string) error {
	return fmt.Errorf("%w: connection refused", storage.ErrUnavailable)
}

// assertStoreUnavailable checks that err carries the retryable server_error
// taxonomy entry used for transient store outages
func assertStoreUnavailable(t *testing.T, err error) {
	t.Helper()
	oauthErr, ok := AsError(err)
	if !ok {
		t.Fatalf("expected *Error, got %v", err)
	}
	if oauthErr.Code != ErrorCodeServerError {
		t.Errorf("Code = %q, want %q", oauthErr.Code, ErrorCodeServerError)
	}
	if oauthErr.Status != http.StatusInternalServerError {
		t.Errorf("Status = %d, want %d", oauthErr.Status, http.StatusInternalServerError)
	}
	if !oauthErr.Retryable {
		t.Error("Retryable = false, want true")
	}
}
