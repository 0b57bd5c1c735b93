// Package audit persists the append-only model.AccrualRecord trail of
// spec.md §4.3. The coordinator appends one record per credited event, one
// per event refused at its daily cap (Reason "cap", zero deltas) and one per
// referral fan-out share (Reason "fanout"); events rejected by validation,
// the rate limiter or the anti-abuse gate leave no record. Grounded in the
// teacher's ledger table
// (internal/db/db.go's `ledger` INSERT pattern in ApplyTapAggregates/
// CreditFromReserve/Transfer): one append-only row per financial event,
// with a JSONB column for the variable metadata — here, the calculator's
// AppliedMultipliers breakdown instead of the teacher's free-form meta map.
package audit

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bkc-labs/reward-engine/internal/errorsx"
	"github.com/bkc-labs/reward-engine/internal/model"
)

// Log appends AccrualRecords and answers idempotency checks by event ID.
type Log interface {
	Append(ctx context.Context, rec model.AccrualRecord) error
	ByEventID(ctx context.Context, eventID string) (*model.AccrualRecord, error)
	ForUser(ctx context.Context, userID int64, limit int) ([]model.AccrualRecord, error)
}

// Postgres is the production Log.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS accrual_records (
  event_id            TEXT PRIMARY KEY,
  user_id             BIGINT NOT NULL,
  fin_delta           BIGINT NOT NULL DEFAULT 0,
  xp_delta            BIGINT NOT NULL DEFAULT 0,
  rp_delta            BIGINT NOT NULL DEFAULT 0,
  applied_multipliers JSONB NOT NULL DEFAULT '{}'::jsonb,
  reason              TEXT NOT NULL DEFAULT '',
  created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS accrual_records_user_id_idx ON accrual_records (user_id, created_at DESC);
`)
	if err != nil {
		return &errorsx.TransientFailure{Op: "audit.Migrate", Err: err}
	}
	return nil
}

func (p *Postgres) Append(ctx context.Context, rec model.AccrualRecord) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO accrual_records (event_id, user_id, fin_delta, xp_delta, rp_delta, applied_multipliers, reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, rec.UserID, rec.FINDelta, rec.XPDelta, rec.RPDelta,
		rec.AppliedMultipliers, rec.Reason, rec.CreatedAt)
	if err != nil {
		return &errorsx.TransientFailure{Op: "audit.Append", Err: err}
	}
	return nil
}

func (p *Postgres) ByEventID(ctx context.Context, eventID string) (*model.AccrualRecord, error) {
	var rec model.AccrualRecord
	row := p.pool.QueryRow(ctx, `
SELECT event_id, user_id, fin_delta, xp_delta, rp_delta, applied_multipliers, reason, created_at
FROM accrual_records WHERE event_id = $1`, eventID)
	if err := row.Scan(&rec.EventID, &rec.UserID, &rec.FINDelta, &rec.XPDelta, &rec.RPDelta,
		&rec.AppliedMultipliers, &rec.Reason, &rec.CreatedAt); err != nil {
		return nil, nil
	}
	return &rec, nil
}

func (p *Postgres) ForUser(ctx context.Context, userID int64, limit int) ([]model.AccrualRecord, error) {
	rows, err := p.pool.Query(ctx, `
SELECT event_id, user_id, fin_delta, xp_delta, rp_delta, applied_multipliers, reason, created_at
FROM accrual_records WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, &errorsx.TransientFailure{Op: "audit.ForUser", Err: err}
	}
	defer rows.Close()

	var out []model.AccrualRecord
	for rows.Next() {
		var rec model.AccrualRecord
		if err := rows.Scan(&rec.EventID, &rec.UserID, &rec.FINDelta, &rec.XPDelta, &rec.RPDelta,
			&rec.AppliedMultipliers, &rec.Reason, &rec.CreatedAt); err != nil {
			return nil, &errorsx.TransientFailure{Op: "audit.ForUser.scan", Err: err}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Memory is an in-process Log for tests and local runs.
type Memory struct {
	mu      sync.Mutex
	byEvent map[string]model.AccrualRecord
	byUser  map[int64][]model.AccrualRecord
}

func NewMemory() *Memory {
	return &Memory{
		byEvent: make(map[string]model.AccrualRecord),
		byUser:  make(map[int64][]model.AccrualRecord),
	}
}

func (m *Memory) Append(ctx context.Context, rec model.AccrualRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEvent[rec.EventID]; ok {
		return nil
	}
	m.byEvent[rec.EventID] = rec
	m.byUser[rec.UserID] = append(m.byUser[rec.UserID], rec)
	return nil
}

func (m *Memory) ByEventID(ctx context.Context, eventID string) (*model.AccrualRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byEvent[eventID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) ForUser(ctx context.Context, userID int64, limit int) ([]model.AccrualRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.byUser[userID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]model.AccrualRecord, limit)
	// Most-recent-first, matching the Postgres ORDER BY created_at DESC.
	for i := 0; i < limit; i++ {
		out[i] = all[len(all)-1-i]
	}
	return out, nil
}
