// Package multitenancy scopes every request to an organization. API keys use
// the split format sgd_<key_id>.<secret>: the key ID is a plain lookup
// handle, only the secret is bcrypt-hashed at rest.
package multitenancy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/sgd/backend/internal/core"
)

const keyPrefix = "sgd_"

// OrgManager manages organizations and their API keys.
type OrgManager struct {
	store Store
}

func NewOrgManager(store Store) *OrgManager {
	return &OrgManager{store: store}
}

// ============================================================================
// ORG OPERATIONS
// ============================================================================

// LoadOrg fetches an org and ensures it may make requests.
func (m *OrgManager) LoadOrg(ctx context.Context, orgID string) (*Org, error) {
	org, err := m.store.GetOrg(ctx, orgID)
	if err != nil {
		return nil, core.NewError(core.KindInternal, "org lookup failed", err)
	}
	if org == nil {
		return nil, core.Errorf(core.KindAuth, "unknown org")
	}
	if org.Status != OrgActive && org.Status != OrgTrial {
		return nil, core.Errorf(core.KindAuth, "org is %s", org.Status)
	}
	return org, nil
}

// CreateOrg registers a new organization.
func (m *OrgManager) CreateOrg(ctx context.Context, id, name string, dailyBudgetUSD float64) (*Org, error) {
	if id == "" || name == "" {
		return nil, core.Errorf(core.KindValidation, "org id and name are required")
	}
	org := &Org{
		ID:             id,
		Name:           name,
		Status:         OrgActive,
		DailyBudgetUSD: dailyBudgetUSD,
	}
	if err := m.store.CreateOrg(ctx, org); err != nil {
		return nil, core.NewError(core.KindInternal, "org create failed", err)
	}
	return org, nil
}

// ============================================================================
// API KEY MANAGEMENT
// ============================================================================

// IssueAPIKey mints a key for an org and returns the record plus the full
// key string. The full key is shown once; only its hash is stored.
func (m *OrgManager) IssueAPIKey(ctx context.Context, orgID, name string, scopes []string) (*APIKey, string, error) {
	if _, err := m.LoadOrg(ctx, orgID); err != nil {
		return nil, "", err
	}

	idBytes := make([]byte, 8)
	rand.Read(idBytes)
	keyID := hex.EncodeToString(idBytes)

	secretBytes := make([]byte, 24)
	rand.Read(secretBytes)
	secret := hex.EncodeToString(secretBytes)

	fullKey := fmt.Sprintf("%s%s.%s", keyPrefix, keyID, secret)

	// Hash the secret only; the ID stays recoverable for lookup.
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", core.NewError(core.KindInternal, "secret hash failed", err)
	}

	key := &APIKey{
		KeyID:      keyID,
		OrgID:      orgID,
		Name:       name,
		SecretHash: string(secretHash),
		Scopes:     scopes,
		Active:     true,
	}
	if err := m.store.CreateAPIKey(ctx, key); err != nil {
		return nil, "", core.NewError(core.KindInternal, "api key persist failed", err)
	}
	return key, fullKey, nil
}

// ValidateAPIKey checks a full key string and returns the owning org and the
// key ID. All failure modes collapse into an auth error.
func (m *OrgManager) ValidateAPIKey(ctx context.Context, fullKey string) (*Org, string, error) {
	if !strings.HasPrefix(fullKey, keyPrefix) {
		return nil, "", core.Errorf(core.KindAuth, "invalid key format")
	}
	parts := strings.Split(strings.TrimPrefix(fullKey, keyPrefix), ".")
	if len(parts) != 2 {
		return nil, "", core.Errorf(core.KindAuth, "invalid key format")
	}
	keyID, secret := parts[0], parts[1]

	key, err := m.store.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, "", core.NewError(core.KindInternal, "api key lookup failed", err)
	}
	if key == nil {
		return nil, "", core.Errorf(core.KindAuth, "invalid api key")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)); err != nil {
		return nil, "", core.Errorf(core.KindAuth, "invalid api key")
	}
	if !key.Active {
		return nil, "", core.Errorf(core.KindAuth, "api key revoked")
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, "", core.Errorf(core.KindAuth, "api key expired")
	}

	org, err := m.LoadOrg(ctx, key.OrgID)
	if err != nil {
		return nil, "", err
	}
	return org, keyID, nil
}

// RevokeAPIKey deactivates a key.
func (m *OrgManager) RevokeAPIKey(ctx context.Context, keyID string) error {
	if err := m.store.RevokeAPIKey(ctx, keyID); err != nil {
		return core.NewError(core.KindInternal, "api key revoke failed", err)
	}
	return nil
}

// ============================================================================
// CONTEXT HELPERS
// ============================================================================

type contextKey string

const (
	orgIDKey contextKey = "org_id"
	keyIDKey contextKey = "api_key_id"
)

// WithOrg attaches the org ID to the request context.
func WithOrg(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, orgIDKey, orgID)
}

// OrgID extracts the org ID from context.
func OrgID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(orgIDKey).(string)
	if !ok || id == "" {
		return "", core.Errorf(core.KindAuth, "org context missing")
	}
	return id, nil
}

// WithAPIKeyID attaches the authenticated key ID, used as the rate-limit
// identifier.
func WithAPIKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, keyIDKey, keyID)
}

// APIKeyID returns the key ID or "" for unauthenticated requests.
func APIKeyID(ctx context.Context) string {
	id, _ := ctx.Value(keyIDKey).(string)
	return id
}
