package multitenancy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sgd/backend/internal/core"
)

func testManager(t *testing.T) (*OrgManager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	m := NewOrgManager(store)
	if _, err := m.CreateOrg(context.Background(), "org-1", "Acme Studio", 25.0); err != nil {
		t.Fatal(err)
	}
	return m, store
}

func TestIssueAndValidateAPIKey(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)

	key, fullKey, err := m.IssueAPIKey(ctx, "org-1", "ci", []string{"render"})
	if err != nil {
		t.Fatalf("IssueAPIKey: %v", err)
	}
	if !strings.HasPrefix(fullKey, "sgd_") || !strings.Contains(fullKey, ".") {
		t.Fatalf("bad key format: %s", fullKey)
	}
	if strings.Contains(key.SecretHash, strings.SplitN(fullKey, ".", 2)[1]) {
		t.Error("secret must never be stored in the clear")
	}

	org, keyID, err := m.ValidateAPIKey(ctx, fullKey)
	if err != nil {
		t.Fatalf("ValidateAPIKey: %v", err)
	}
	if org.ID != "org-1" || keyID != key.KeyID {
		t.Errorf("wrong identity: org=%s keyID=%s", org.ID, keyID)
	}
}

func TestValidateAPIKey_Rejections(t *testing.T) {
	ctx := context.Background()
	m, store := testManager(t)
	_, fullKey, err := m.IssueAPIKey(ctx, "org-1", "ci", nil)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		key  string
	}{
		{"wrong prefix", "key_" + strings.TrimPrefix(fullKey, "sgd_")},
		{"no separator", "sgd_deadbeef"},
		{"wrong secret", strings.SplitN(fullKey, ".", 2)[0] + ".0000000000000000000000000000000000000000000000ff"},
		{"unknown key id", "sgd_ffffffffffffffff.0000000000000000000000000000000000000000000000ff"},
	}
	for _, tc := range cases {
		if _, _, err := m.ValidateAPIKey(ctx, tc.key); !core.IsKind(err, core.KindAuth) {
			t.Errorf("%s: want auth error, got %v", tc.name, err)
		}
	}

	// Revoked key.
	keyID := strings.TrimPrefix(strings.SplitN(fullKey, ".", 2)[0], "sgd_")
	if err := m.RevokeAPIKey(ctx, keyID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.ValidateAPIKey(ctx, fullKey); !core.IsKind(err, core.KindAuth) {
		t.Errorf("revoked key must fail auth, got %v", err)
	}

	// Expired key.
	expired := time.Now().Add(-time.Hour)
	k2, full2, _ := m.IssueAPIKey(ctx, "org-1", "old", nil)
	stored, _ := store.GetAPIKey(ctx, k2.KeyID)
	stored.ExpiresAt = &expired
	store.CreateAPIKey(ctx, stored)
	if _, _, err := m.ValidateAPIKey(ctx, full2); !core.IsKind(err, core.KindAuth) {
		t.Errorf("expired key must fail auth, got %v", err)
	}
}

func TestValidateAPIKey_SuspendedOrg(t *testing.T) {
	ctx := context.Background()
	m, store := testManager(t)
	_, fullKey, _ := m.IssueAPIKey(ctx, "org-1", "ci", nil)

	org, _ := store.GetOrg(ctx, "org-1")
	org.Status = OrgSuspended
	store.CreateOrg(ctx, org)

	if _, _, err := m.ValidateAPIKey(ctx, fullKey); !core.IsKind(err, core.KindAuth) {
		t.Errorf("suspended org must fail auth, got %v", err)
	}
}

func TestIssueAPIKey_UnknownOrg(t *testing.T) {
	m, _ := testManager(t)
	if _, _, err := m.IssueAPIKey(context.Background(), "nope", "x", nil); !core.IsKind(err, core.KindAuth) {
		t.Errorf("unknown org must fail, got %v", err)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, err := OrgID(ctx); err == nil {
		t.Error("missing org context must error")
	}

	ctx = WithOrg(ctx, "org-9")
	ctx = WithAPIKeyID(ctx, "abcd1234")

	if id, err := OrgID(ctx); err != nil || id != "org-9" {
		t.Errorf("OrgID=%s err=%v", id, err)
	}
	if APIKeyID(ctx) != "abcd1234" {
		t.Errorf("APIKeyID=%s", APIKeyID(ctx))
	}
}
