package budget

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// AuditStore persists tracked spend to Postgres for retention beyond the
// Redis ring. The db handle may be nil, in which case every call is a no-op;
// writes happen off the request path and never fail a track.
type AuditStore struct {
	db     *sql.DB
	logger *log.Logger
}

func NewAuditStore(db *sql.DB) (*AuditStore, error) {
	s := &AuditStore{
		db:     db,
		logger: log.New(log.Writer(), "[BUDGET-AUDIT] ", log.LstdFlags),
	}
	if db == nil {
		return s, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS budget_audit (
			id         BIGSERIAL PRIMARY KEY,
			org_id     TEXT NOT NULL,
			cost_usd   DOUBLE PRECISION NOT NULL,
			model      TEXT NOT NULL,
			task       TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS budget_audit_org_created
			ON budget_audit (org_id, created_at DESC)`)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Record appends one tracked spend. Errors are logged, not returned: the
// Redis counter is authoritative and the row is bookkeeping.
func (s *AuditStore) Record(ctx context.Context, orgID string, e Entry) {
	if s.db == nil {
		return
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_audit (org_id, cost_usd, model, task, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		orgID, e.CostUSD, e.Model, e.Task, e.Timestamp)
	if err != nil {
		s.logger.Printf("audit insert failed for %s: %v", orgID, err)
	}
}

// History reads back the most recent rows for an org, newest first.
func (s *AuditStore) History(ctx context.Context, orgID string, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT cost_usd, model, task, created_at FROM budget_audit
		 WHERE org_id = $1 ORDER BY created_at DESC LIMIT $2`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.CostUSD, &e.Model, &e.Task, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
