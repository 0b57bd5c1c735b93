// Package networkstore maintains the bounded-stale NetworkSnapshot cache of
// spec.md §3 and §4.5: a single background refresher polls total_users and
// active_users_30d from storage on an interval, and many readers get an
// atomically-swapped snapshot without touching the database on every
// accrual. Grounded in the teacher's internal/db/db.go GetSystem/
// EnsureSystemState pattern (one row polled and cached) and in
// internal/config's atomic.Pointer[Config] swap discipline.
package networkstore

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/bkc-labs/reward-engine/internal/cacheutil"
	"github.com/bkc-labs/reward-engine/internal/model"
)

// Source is whatever can answer "how big is the network right now" —
// production wires a Postgres COUNT query; tests wire a fake.
type Source interface {
	CountUsers(ctx context.Context) (total int64, active30d int64, err error)
}

// Store holds the current NetworkSnapshot behind an atomic pointer and
// refreshes it on RefreshInterval. Phase is sticky: Refresh never lets
// CurrentPhase move backwards even if a later poll observes fewer users
// than the cached snapshot (spec.md §4.5: "network phase... is monotone,
// never decreasing").
type Store struct {
	snapshot atomic.Pointer[model.NetworkSnapshot]
	source   Source
	phaseFor func(totalUsers int64) model.NetworkPhase
	cache    cacheutil.Cache

	RefreshInterval time.Duration
}

// WithCache attaches a shared cache that every Refresh publishes its new
// snapshot to. Get reads only this instance's own snapshot and never
// consults the cache, so each instance still sees only its own
// RefreshInterval-paced poll of Source.
func (s *Store) WithCache(c cacheutil.Cache) *Store {
	s.cache = c
	return s
}

func New(source Source, phaseFor func(int64) model.NetworkPhase) *Store {
	s := &Store{
		source:          source,
		phaseFor:        phaseFor,
		RefreshInterval: 60 * time.Second,
	}
	s.snapshot.Store(&model.NetworkSnapshot{CurrentPhase: model.Phase1})
	return s
}

// Get returns the most recently refreshed snapshot. Safe for concurrent use
// by every accrual worker.
func (s *Store) Get() model.NetworkSnapshot {
	return *s.snapshot.Load()
}

// Refresh polls Source once and swaps in a new snapshot, holding phase at
// its previous value if the newly observed total_users would regress it.
func (s *Store) Refresh(ctx context.Context, now time.Time) error {
	total, active, err := s.source.CountUsers(ctx)
	if err != nil {
		return err
	}
	prev := s.Get()
	phase := s.phaseFor(total)
	if phase < prev.CurrentPhase {
		phase = prev.CurrentPhase
	}
	next := model.NetworkSnapshot{
		TotalUsers:     total,
		ActiveUsers30D: active,
		CurrentPhase:   phase,
		UpdatedAt:      now,
	}
	s.snapshot.Store(&next)
	if s.cache != nil {
		if err := s.cache.SetNetworkSnapshot(ctx, next); err != nil {
			log.Printf("networkstore: failed to publish snapshot to shared cache: %v", err)
		}
	}
	return nil
}

// Run refreshes on RefreshInterval until ctx is canceled, logging (not
// failing) on transient poll errors so a single bad poll doesn't take down
// the whole process — the prior snapshot simply stays in effect until the
// next successful poll.
func (s *Store) Run(ctx context.Context, clockNow func() time.Time) {
	ticker := time.NewTicker(s.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx, clockNow()); err != nil {
				log.Printf("networkstore: refresh failed: %v", err)
			}
		}
	}
}
