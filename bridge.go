package sso

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/webapp-security/sso/instrumentation"
	"github.com/webapp-security/sso/internal/util"
	"github.com/webapp-security/sso/security"
	"github.com/webapp-security/sso/storage"
)

// CallbackOutcome is the result of a third-party identity callback.
// It is either a LinkedUser, when the external identity already maps to an
// internal account, or an UnlinkedIdentity carrying a bind code for the
// bind-or-create follow-up.
type CallbackOutcome interface {
	isCallbackOutcome()
}

// LinkedUser means the external identity resolved to an existing account
type LinkedUser struct {
	UserID string
}

// UnlinkedIdentity means no account is linked yet. The bind code references
// the parked identity and is valid for one CompleteBind or CompleteCreate.
type UnlinkedIdentity struct {
	BindCode string
}

func (LinkedUser) isCallbackOutcome()       {}
func (UnlinkedIdentity) isCallbackOutcome() {}

// bindEntry is the parked identity behind a bind code. The external id is
// encrypted at rest; the plaintext never reaches the store.
type bindEntry struct {
	Platform            Platform  `json:"platform"`
	EncryptedExternalID string    `json:"encrypted_external_id"`
	Profile             *Profile  `json:"profile,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// BindingBridge connects third-party identity callbacks to internal
// accounts. Known identities resolve directly; unknown ones are parked
// behind a one-time bind code until the user proves ownership of an
// existing account or creates a new one.
type BindingBridge struct {
	store     storage.EphemeralStore
	users     UserRepository
	passwords PasswordVerifier
	encryptor *security.Encryptor
	ttl       time.Duration
	logger    *slog.Logger
	inst      *instrumentation.Instrumentation
}

// NewBindingBridge creates a binding bridge. The encryptor protects external
// ids inside parked bind entries and is required.
func NewBindingBridge(store storage.EphemeralStore, users UserRepository, passwords PasswordVerifier, encryptor *security.Encryptor, ttl time.Duration, logger *slog.Logger, inst *instrumentation.Instrumentation) (*BindingBridge, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	if users == nil {
		return nil, fmt.Errorf("user repository is required")
	}
	if ttl <= 0 {
		ttl = DefaultBindCodeTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BindingBridge{
		store:     store,
		users:     users,
		passwords: passwords,
		encryptor: encryptor,
		ttl:       ttl,
		logger:    logger,
		inst:      inst,
	}, nil
}

// OnCallback handles a verified third-party callback. The externalID must
// already be authenticated against the provider; this layer only resolves or
// parks it.
func (b *BindingBridge) OnCallback(ctx context.Context, platform Platform, externalID string, profile *Profile) (CallbackOutcome, error) {
	if externalID == "" {
		return nil, ErrInvalidRequest("external id is required")
	}

	userID, err := b.users.FindByExternalID(ctx, platform, externalID)
	switch {
	case err == nil:
		b.logger.Info("Third-party identity resolved",
			"platform", platform, "user_id", userID)
		b.recordCallback(ctx, platform, "linked")
		return LinkedUser{UserID: userID}, nil
	case errors.Is(err, ErrNoLinkedUser):
		// fall through to parking
	default:
		return nil, ErrServerError("failed to resolve external identity")
	}

	encrypted, err := b.encryptor.Encrypt(externalID)
	if err != nil {
		return nil, ErrServerError("failed to protect external identity")
	}

	entry := &bindEntry{
		Platform:            platform,
		EncryptedExternalID: encrypted,
		Profile:             profile,
		CreatedAt:           time.Now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bind entry: %w", err)
	}

	bindCode := generateOpaqueToken()
	if err := b.store.Put(ctx, storage.BindCodePrefix+bindCode, data, b.ttl); err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			return nil, ErrStoreUnavailable("failed to park external identity")
		}
		return nil, fmt.Errorf("failed to park external identity: %w", err)
	}

	b.logger.Info("Parked unlinked third-party identity",
		"platform", platform,
		"bind_code_prefix", util.SafeTruncate(bindCode, codeLogLength))
	b.recordCallback(ctx, platform, "unlinked")

	return UnlinkedIdentity{BindCode: bindCode}, nil
}

// CompleteBind links the parked identity behind bindCode to the existing
// account identified by creds. The bind code is consumed regardless of
// whether the credentials check passes.
func (b *BindingBridge) CompleteBind(ctx context.Context, bindCode string, creds Credentials) (string, error) {
	if b.passwords == nil {
		return "", ErrServerError("password verification is not configured")
	}

	entry, platform, externalID, err := b.takeBindEntry(ctx, bindCode)
	if err != nil {
		return "", err
	}

	userID, err := b.passwords.VerifyPassword(ctx, creds.Username, creds.Password)
	if err != nil {
		b.logger.Warn("Bind credential check failed",
			"platform", platform, "username", creds.Username)
		return "", ErrInvalidGrant("invalid username or password")
	}

	if err := b.users.LinkExternalID(ctx, userID, platform, externalID, entry.Profile); err != nil {
		return "", ErrServerError("failed to link external identity")
	}

	b.logger.Info("Bound third-party identity to existing account",
		"platform", platform, "user_id", userID)
	b.recordBindCompleted(ctx, platform)

	return userID, nil
}

// CompleteCreate creates a new account and links the parked identity behind
// bindCode to it. The bind code is consumed regardless of whether the
// account creation succeeds.
func (b *BindingBridge) CompleteCreate(ctx context.Context, bindCode string, account *NewAccount) (string, error) {
	if account == nil || account.Username == "" {
		return "", ErrInvalidRequest("account details are required")
	}

	entry, platform, externalID, err := b.takeBindEntry(ctx, bindCode)
	if err != nil {
		return "", err
	}

	userID, err := b.users.Create(ctx, account)
	if err != nil {
		return "", ErrServerError("failed to create account")
	}

	if err := b.users.LinkExternalID(ctx, userID, platform, externalID, entry.Profile); err != nil {
		return "", ErrServerError("failed to link external identity")
	}

	b.logger.Info("Created account for third-party identity",
		"platform", platform, "user_id", userID)
	b.recordBindCompleted(ctx, platform)

	return userID, nil
}

// takeBindEntry consumes the bind code and decrypts the parked external id
func (b *BindingBridge) takeBindEntry(ctx context.Context, bindCode string) (*bindEntry, Platform, string, error) {
	if bindCode == "" {
		return nil, "", "", ErrInvalidGrant("bind code is required")
	}

	data, err := b.store.TakeOnce(ctx, storage.BindCodePrefix+bindCode)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			b.logger.Warn("Bind code redemption failed",
				"bind_code_prefix", util.SafeTruncate(bindCode, codeLogLength))
			return nil, "", "", ErrInvalidGrant("bind code is invalid, expired, or already used")
		}
		if errors.Is(err, storage.ErrUnavailable) {
			return nil, "", "", ErrStoreUnavailable("failed to redeem bind code")
		}
		return nil, "", "", fmt.Errorf("failed to redeem bind code: %w", err)
	}

	var entry bindEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, "", "", fmt.Errorf("failed to unmarshal bind entry: %w", err)
	}

	externalID, err := b.encryptor.Decrypt(entry.EncryptedExternalID)
	if err != nil {
		return nil, "", "", ErrServerError("failed to recover external identity")
	}

	return &entry, entry.Platform, externalID, nil
}

func (b *BindingBridge) recordCallback(ctx context.Context, platform Platform, outcome string) {
	if b.inst != nil {
		b.inst.RecordBridgeCallback(ctx, string(platform), outcome)
	}
}

func (b *BindingBridge) recordBindCompleted(ctx context.Context, platform Platform) {
	if b.inst != nil {
		b.inst.RecordBindCompleted(ctx, string(platform))
	}
}
