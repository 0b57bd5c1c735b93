package referral

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bkc-labs/reward-engine/internal/errorsx"
	"github.com/bkc-labs/reward-engine/internal/model"
)

// Postgres is the production EdgeStore, grounded in the same pgx/v5
// Query/Scan/Exec shape as internal/userstore and internal/audit's Postgres
// implementations, storing one row per referral edge (depth 1, 2 or 3)
// rather than the teacher's single-referrer-column users table, since
// spec.md §4.1 needs the full three-level ancestor chain per descendant.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

var _ EdgeStore = (*Postgres)(nil)

func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS referral_edges (
  referrer_id BIGINT NOT NULL,
  referred_id BIGINT NOT NULL,
  depth       INT NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  active      BOOLEAN NOT NULL DEFAULT true,
  PRIMARY KEY (referrer_id, referred_id, depth)
);
CREATE UNIQUE INDEX IF NOT EXISTS referral_edges_depth1_referred_idx
  ON referral_edges (referred_id) WHERE depth = 1;
CREATE INDEX IF NOT EXISTS referral_edges_referred_idx ON referral_edges (referred_id, depth);
CREATE INDEX IF NOT EXISTS referral_edges_referrer_idx ON referral_edges (referrer_id, depth);
`)
	if err != nil {
		return &errorsx.TransientFailure{Op: "referral.Migrate", Err: err}
	}
	return nil
}

func (p *Postgres) HasReferrer(ctx context.Context, referredID int64) (bool, error) {
	var exists bool
	row := p.pool.QueryRow(ctx, `
SELECT EXISTS(SELECT 1 FROM referral_edges WHERE referred_id = $1 AND depth = 1)`, referredID)
	if err := row.Scan(&exists); err != nil {
		return false, &errorsx.TransientFailure{Op: "referral.HasReferrer", Err: err}
	}
	return exists, nil
}

func (p *Postgres) CreateEdge(ctx context.Context, edge model.ReferralEdge) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO referral_edges (referrer_id, referred_id, depth, created_at, active)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (referrer_id, referred_id, depth) DO NOTHING`,
		edge.ReferrerID, edge.ReferredID, edge.Depth, edge.CreatedAt, edge.Active)
	if err != nil {
		return &errorsx.TransientFailure{Op: "referral.CreateEdge", Err: err}
	}
	return nil
}

func (p *Postgres) Ancestors(ctx context.Context, userID int64, maxDepth int) ([]model.ReferralEdge, error) {
	rows, err := p.pool.Query(ctx, `
SELECT referrer_id, referred_id, depth, created_at, active
FROM referral_edges WHERE referred_id = $1 AND depth <= $2
ORDER BY depth ASC`, userID, maxDepth)
	if err != nil {
		return nil, &errorsx.TransientFailure{Op: "referral.Ancestors", Err: err}
	}
	defer rows.Close()

	var out []model.ReferralEdge
	for rows.Next() {
		var e model.ReferralEdge
		if err := rows.Scan(&e.ReferrerID, &e.ReferredID, &e.Depth, &e.CreatedAt, &e.Active); err != nil {
			return nil, &errorsx.TransientFailure{Op: "referral.Ancestors.scan", Err: err}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) Descendants(ctx context.Context, referrerID int64, maxDepth int) ([]model.ReferralEdge, error) {
	rows, err := p.pool.Query(ctx, `
SELECT referrer_id, referred_id, depth, created_at, active
FROM referral_edges WHERE referrer_id = $1 AND depth <= $2
ORDER BY depth ASC`, referrerID, maxDepth)
	if err != nil {
		return nil, &errorsx.TransientFailure{Op: "referral.Descendants", Err: err}
	}
	defer rows.Close()

	var out []model.ReferralEdge
	for rows.Next() {
		var e model.ReferralEdge
		if err := rows.Scan(&e.ReferrerID, &e.ReferredID, &e.Depth, &e.CreatedAt, &e.Active); err != nil {
			return nil, &errorsx.TransientFailure{Op: "referral.Descendants.scan", Err: err}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
