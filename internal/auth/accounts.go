package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/org/authcore/internal/core"
	"github.com/org/authcore/internal/crypto"
	"github.com/org/authcore/internal/ids"
	"github.com/org/authcore/internal/storage"
	"github.com/org/authcore/pkg/models"
)

const accountPrefix = "accounts/"

// ErrBadCredentials is returned for any failed service-account login.
var ErrBadCredentials = core.E(core.KindTokenInvalid, "bad_credentials", "invalid account id or secret")

// Account is a machine identity that exchanges an account id and secret for
// credentials. Only a SHA-256 of the secret is persisted.
type Account struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Role          string               `json:"role"`
	Permissions   []string             `json:"permissions,omitempty"`
	OrgID         string               `json:"org_id,omitempty"`
	Department    string               `json:"department,omitempty"`
	SecurityLevel models.SecurityLevel `json:"security_level"`
	SecretHash    string               `json:"secret_hash"`
	SecretExpiry  *time.Time           `json:"secret_expiry,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
}

// Accounts manages service accounts in a storage backend.
type Accounts struct {
	backend storage.Backend
	now     func() time.Time
}

func NewAccounts(backend storage.Backend) *Accounts {
	return &Accounts{backend: backend, now: time.Now}
}

// SetClock overrides the time source.
func (a *Accounts) SetClock(now func() time.Time) { a.now = now }

// Create registers an account and returns it with its plaintext secret,
// which is shown once. secretTTL of 0 means the secret does not expire.
func (a *Accounts) Create(ctx context.Context, acct Account, secretTTL time.Duration) (*Account, string, error) {
	if acct.Name == "" {
		return nil, "", core.E(core.KindConfigInvalid, "account", "account name is required")
	}
	level, ok := models.ParseSecurityLevel(string(acct.SecurityLevel), models.LevelMedium)
	if !ok {
		return nil, "", core.Errorf(core.KindConfigInvalid, "account", "unknown security level %q", acct.SecurityLevel)
	}
	raw, err := crypto.RandomBytes(32)
	if err != nil {
		return nil, "", fmt.Errorf("generating secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)

	now := a.now().UTC()
	acct.ID = ids.NewUUID()
	acct.SecurityLevel = level
	acct.SecretHash = hashSecret(secret)
	acct.CreatedAt = now
	if secretTTL > 0 {
		t := now.Add(secretTTL)
		acct.SecretExpiry = &t
	}
	b, err := json.Marshal(acct)
	if err != nil {
		return nil, "", err
	}
	if err := a.backend.Put(ctx, accountPrefix+acct.ID, b); err != nil {
		return nil, "", fmt.Errorf("persisting account: %w", err)
	}
	return &acct, secret, nil
}

func (a *Accounts) Get(ctx context.Context, id string) (*Account, error) {
	b, err := a.backend.Get(ctx, accountPrefix+id)
	if err != nil {
		return nil, err
	}
	var acct Account
	if err := json.Unmarshal(b, &acct); err != nil {
		return nil, fmt.Errorf("decoding account: %w", err)
	}
	return &acct, nil
}

// Authenticate checks secret against the account's stored hash.
func (a *Accounts) Authenticate(ctx context.Context, id, secret string) (*Account, error) {
	acct, err := a.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(acct.SecretHash), []byte(hashSecret(secret))) != 1 {
		return nil, ErrBadCredentials
	}
	if acct.SecretExpiry != nil && !a.now().Before(*acct.SecretExpiry) {
		return nil, core.E(core.KindTokenExpired, "secret_expired", "account secret has expired")
	}
	return acct, nil
}

// Delete removes an account.
func (a *Accounts) Delete(ctx context.Context, id string) error {
	return a.backend.Delete(ctx, accountPrefix+id)
}

func hashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return base64.RawStdEncoding.EncodeToString(h[:])
}
