// Package userstore persists model.User and model.DailyCounter, grounded in
// the teacher's internal/db/db.go: a thin *pgxpool.Pool wrapper, explicit
// CREATE TABLE IF NOT EXISTS migrations run at startup, and QueryRow/Scan
// reads. Each Store method runs on its own; there is no transaction helper
// spanning several calls.
package userstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bkc-labs/reward-engine/internal/errorsx"
	"github.com/bkc-labs/reward-engine/internal/model"
)

// ErrNotFound is returned when a lookup finds no row, mirroring pgx.ErrNoRows
// without leaking the pgx type to callers outside this package.
var ErrNotFound = errors.New("userstore: not found")

// Store is everything the accrual coordinator needs from user persistence.
// Defined as an interface so Memory (tests, local dev) and Postgres
// (production) are interchangeable.
type Store interface {
	Get(ctx context.Context, userID int64) (model.User, error)
	Create(ctx context.Context, userID int64, referrerID *int64) (model.User, error)
	Save(ctx context.Context, user model.User) error
	GetDailyCounter(ctx context.Context, userID int64, date string) (*model.DailyCounter, error)
	SaveDailyCounter(ctx context.Context, dc *model.DailyCounter) error
}

// Postgres is the production Store, backed by pgx/v5.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func Connect(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, &errorsx.TransientFailure{Op: "userstore.Connect", Err: err}
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Migrate creates the schema if it does not already exist. It is safe to
// run on every process start, following the teacher's Migrate pattern.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS users (
  id                    BIGINT PRIMARY KEY,
  fin_balance           BIGINT NOT NULL DEFAULT 0,
  total_xp              BIGINT NOT NULL DEFAULT 0,
  total_rp              BIGINT NOT NULL DEFAULT 0,
  level                 INT NOT NULL DEFAULT 0,
  rp_tier               TEXT NOT NULL DEFAULT 'explorer',
  streak_days           INT NOT NULL DEFAULT 0,
  last_active_at        TIMESTAMPTZ,
  kyc_verified          BOOLEAN NOT NULL DEFAULT false,
  human_probability      DOUBLE PRECISION NOT NULL DEFAULT 1.0,
  staking_amount        BIGINT NOT NULL DEFAULT 0,
  staking_started_at    TIMESTAMPTZ,
  referrer_id           BIGINT,
  state                 TEXT NOT NULL DEFAULT 'unverified',
  pending_settlement    BIGINT NOT NULL DEFAULT 0,
  last_settlement_nonce BIGINT NOT NULL DEFAULT 0,
  confirmed_bot_count   INT NOT NULL DEFAULT 0,
  frozen_until          TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS daily_counters (
  user_id        BIGINT NOT NULL,
  day            TEXT NOT NULL,
  kind_counts    JSONB NOT NULL DEFAULT '{}'::jsonb,
  cumulative_xp  BIGINT NOT NULL DEFAULT 0,
  cumulative_fin BIGINT NOT NULL DEFAULT 0,
  PRIMARY KEY (user_id, day)
);
`)
	if err != nil {
		return &errorsx.TransientFailure{Op: "userstore.Migrate", Err: err}
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, userID int64) (model.User, error) {
	var u model.User
	var referrerID *int64
	var lastActiveAt, stakingStartedAt, frozenUntil *time.Time
	row := p.pool.QueryRow(ctx, `
SELECT id, fin_balance, total_xp, total_rp, level, rp_tier, streak_days, last_active_at,
       kyc_verified, human_probability, staking_amount, staking_started_at, referrer_id,
       state, pending_settlement, last_settlement_nonce, confirmed_bot_count, frozen_until
FROM users WHERE id = $1`, userID)
	err := row.Scan(
		&u.ID, &u.FINBalance, &u.TotalXP, &u.TotalRP, &u.Level, &u.RPTier, &u.StreakDays, &lastActiveAt,
		&u.KYCVerified, &u.HumanProbability, &u.StakingAmount, &stakingStartedAt, &referrerID,
		&u.State, &u.PendingSettlement, &u.LastSettlementNonce, &u.ConfirmedBotCount, &frozenUntil,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, &errorsx.TransientFailure{Op: "userstore.Get", Err: err}
	}
	u.ReferrerID = referrerID
	if lastActiveAt != nil {
		u.LastActiveAt = *lastActiveAt
	}
	if stakingStartedAt != nil {
		u.StakingStartedAt = *stakingStartedAt
	}
	if frozenUntil != nil {
		u.FrozenUntil = *frozenUntil
	}
	return u, nil
}

func (p *Postgres) Create(ctx context.Context, userID int64, referrerID *int64) (model.User, error) {
	_, err := p.pool.Exec(ctx, `
INSERT INTO users (id, state, human_probability, referrer_id)
VALUES ($1, 'unverified', 1.0, $2)
ON CONFLICT (id) DO NOTHING`, userID, referrerID)
	if err != nil {
		return model.User{}, &errorsx.TransientFailure{Op: "userstore.Create", Err: err}
	}
	return p.Get(ctx, userID)
}

func (p *Postgres) Save(ctx context.Context, u model.User) error {
	_, err := p.pool.Exec(ctx, `
UPDATE users SET
  fin_balance = $2, total_xp = $3, total_rp = $4, level = $5, rp_tier = $6,
  streak_days = $7, last_active_at = $8, kyc_verified = $9, human_probability = $10,
  staking_amount = $11, staking_started_at = $12, state = $13, pending_settlement = $14,
  last_settlement_nonce = $15, confirmed_bot_count = $16, frozen_until = $17
WHERE id = $1`,
		u.ID, u.FINBalance, u.TotalXP, u.TotalRP, u.Level, u.RPTier,
		u.StreakDays, nullableTime(u.LastActiveAt), u.KYCVerified, u.HumanProbability,
		u.StakingAmount, nullableTime(u.StakingStartedAt), u.State, u.PendingSettlement,
		u.LastSettlementNonce, u.ConfirmedBotCount, nullableTime(u.FrozenUntil),
	)
	if err != nil {
		return &errorsx.TransientFailure{Op: "userstore.Save", Err: err}
	}
	return nil
}

func (p *Postgres) GetDailyCounter(ctx context.Context, userID int64, date string) (*model.DailyCounter, error) {
	dc := model.NewDailyCounter(userID, date)
	row := p.pool.QueryRow(ctx, `
SELECT kind_counts, cumulative_xp, cumulative_fin FROM daily_counters WHERE user_id = $1 AND day = $2`,
		userID, date)
	var kindCounts map[string]int64
	err := row.Scan(&kindCounts, &dc.CumulativeXP, &dc.CumulativeFIN)
	if errors.Is(err, pgx.ErrNoRows) {
		return dc, nil
	}
	if err != nil {
		return nil, &errorsx.TransientFailure{Op: "userstore.GetDailyCounter", Err: err}
	}
	for k, v := range kindCounts {
		dc.KindCounts[model.ActivityKind(k)] = v
	}
	return dc, nil
}

func (p *Postgres) SaveDailyCounter(ctx context.Context, dc *model.DailyCounter) error {
	counts := make(map[string]int64, len(dc.KindCounts))
	for k, v := range dc.KindCounts {
		counts[string(k)] = v
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO daily_counters (user_id, day, kind_counts, cumulative_xp, cumulative_fin)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, day) DO UPDATE SET
  kind_counts = EXCLUDED.kind_counts,
  cumulative_xp = EXCLUDED.cumulative_xp,
  cumulative_fin = EXCLUDED.cumulative_fin`,
		dc.UserID, dc.Date, counts, dc.CumulativeXP, dc.CumulativeFIN)
	if err != nil {
		return &errorsx.TransientFailure{Op: "userstore.SaveDailyCounter", Err: err}
	}
	return nil
}

// CountUsers answers networkstore.Source: total registered users and users
// active within the last 30 days, satisfying the same narrow interface the
// in-memory Memory store implements for local runs.
func (p *Postgres) CountUsers(ctx context.Context) (total int64, active30d int64, err error) {
	row := p.pool.QueryRow(ctx, `
SELECT count(*), count(*) FILTER (WHERE last_active_at > now() - interval '30 days')
FROM users`)
	if err := row.Scan(&total, &active30d); err != nil {
		return 0, 0, &errorsx.TransientFailure{Op: "userstore.CountUsers", Err: err}
	}
	return total, active30d, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
