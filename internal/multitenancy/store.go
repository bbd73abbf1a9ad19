package multitenancy

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Org is a tenant organization. Every render, ingest, and budget line is
// scoped to one org.
type Org struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Status         string    `json:"status"`
	DailyBudgetUSD float64   `json:"daily_budget_usd"`
	CreatedAt      time.Time `json:"created_at"`
}

const (
	OrgActive    = "ACTIVE"
	OrgTrial     = "TRIAL"
	OrgSuspended = "SUSPENDED"
)

// APIKey is the stored half of a key. The secret is bcrypt-hashed; only the
// key ID is recoverable.
type APIKey struct {
	KeyID      string     `json:"key_id"`
	OrgID      string     `json:"org_id"`
	Name       string     `json:"name"`
	SecretHash string     `json:"-"`
	Scopes     []string   `json:"scopes"`
	Active     bool       `json:"active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Store persists orgs and API keys. Lookups return (nil, nil) when the row
// does not exist.
type Store interface {
	GetOrg(ctx context.Context, orgID string) (*Org, error)
	CreateOrg(ctx context.Context, org *Org) error
	GetAPIKey(ctx context.Context, keyID string) (*APIKey, error)
	CreateAPIKey(ctx context.Context, key *APIKey) error
	RevokeAPIKey(ctx context.Context, keyID string) error
}

// ============================================================================
// POSTGRES STORE
// ============================================================================

// PostgresStore backs orgs and API keys with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects and ensures the schema exists.
func NewPostgresStore(dbURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orgs (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'ACTIVE',
			daily_budget_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			key_id      TEXT PRIMARY KEY,
			org_id      TEXT NOT NULL REFERENCES orgs(id),
			name        TEXT NOT NULL,
			secret_hash TEXT NOT NULL,
			scopes      TEXT NOT NULL DEFAULT '',
			active      BOOLEAN NOT NULL DEFAULT true,
			expires_at  TIMESTAMPTZ,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("schema init failed: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetOrg(ctx context.Context, orgID string) (*Org, error) {
	var o Org
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, daily_budget_usd, created_at FROM orgs WHERE id = $1`,
		orgID,
	).Scan(&o.ID, &o.Name, &o.Status, &o.DailyBudgetUSD, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("org lookup failed: %w", err)
	}
	return &o, nil
}

func (s *PostgresStore) CreateOrg(ctx context.Context, org *Org) error {
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orgs (id, name, status, daily_budget_usd, created_at) VALUES ($1, $2, $3, $4, $5)`,
		org.ID, org.Name, org.Status, org.DailyBudgetUSD, org.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("org insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, keyID string) (*APIKey, error) {
	var (
		k      APIKey
		scopes string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key_id, org_id, name, secret_hash, scopes, active, expires_at, created_at
		 FROM api_keys WHERE key_id = $1`,
		keyID,
	).Scan(&k.KeyID, &k.OrgID, &k.Name, &k.SecretHash, &scopes, &k.Active, &k.ExpiresAt, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("api key lookup failed: %w", err)
	}
	if scopes != "" {
		k.Scopes = strings.Split(scopes, ",")
	}
	return &k, nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (key_id, org_id, name, secret_hash, scopes, active, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.KeyID, key.OrgID, key.Name, key.SecretHash,
		strings.Join(key.Scopes, ","), key.Active, key.ExpiresAt, key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("api key insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET active = false WHERE key_id = $1`, keyID,
	)
	if err != nil {
		return fmt.Errorf("api key revoke failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// DB exposes the underlying pool for components that share the database,
// such as the budget audit store.
func (s *PostgresStore) DB() *sql.DB { return s.db }

// ============================================================================
// MEMORY STORE
// ============================================================================

// MemoryStore keeps orgs and keys in process memory. Used in tests and for
// database-less local runs.
type MemoryStore struct {
	mu   sync.RWMutex
	orgs map[string]*Org
	keys map[string]*APIKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs: make(map[string]*Org),
		keys: make(map[string]*APIKey),
	}
}

func (s *MemoryStore) GetOrg(_ context.Context, orgID string) (*Org, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if o, ok := s.orgs[orgID]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) CreateOrg(_ context.Context, org *Org) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	cp := *org
	s.orgs[org.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAPIKey(_ context.Context, keyID string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k, ok := s.keys[keyID]; ok {
		cp := *k
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	cp := *key
	s.keys[key.KeyID] = &cp
	return nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[keyID]; ok {
		k.Active = false
	}
	return nil
}
