package networkstore

import (
	"context"
	"testing"
	"time"

	"github.com/bkc-labs/reward-engine/internal/cacheutil"
	"github.com/bkc-labs/reward-engine/internal/model"
)

type fakeSource struct {
	total, active int64
	err           error
}

func (f fakeSource) CountUsers(ctx context.Context) (int64, int64, error) {
	return f.total, f.active, f.err
}

func phaseFor(totalUsers int64) model.NetworkPhase {
	switch {
	case totalUsers < 100_000:
		return model.Phase1
	case totalUsers < 1_000_000:
		return model.Phase2
	case totalUsers < 10_000_000:
		return model.Phase3
	default:
		return model.Phase4
	}
}

func TestRefreshUpdatesSnapshot(t *testing.T) {
	s := New(fakeSource{total: 50_000, active: 10_000}, phaseFor)
	now := time.Now()
	if err := s.Refresh(context.Background(), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := s.Get()
	if snap.TotalUsers != 50_000 || snap.ActiveUsers30D != 10_000 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if snap.CurrentPhase != model.Phase1 {
		t.Errorf("expected phase 1, got %v", snap.CurrentPhase)
	}
}

func TestPhaseNeverRegresses(t *testing.T) {
	s := New(fakeSource{total: 2_000_000, active: 0}, phaseFor)
	now := time.Now()
	if err := s.Refresh(context.Background(), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.Get().CurrentPhase; got != model.Phase3 {
		t.Fatalf("expected phase 3, got %v", got)
	}

	// A later poll observes fewer total_users (e.g. a stale read or a count
	// correction) — phase must not move backwards.
	if err := s.Refresh(context.Background(), now.Add(time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s2 := s
	_ = s2
	staleSource := fakeSource{total: 10_000, active: 0}
	s.source = staleSource
	if err := s.Refresh(context.Background(), now.Add(2*time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.Get().CurrentPhase; got != model.Phase3 {
		t.Errorf("expected phase to stay sticky at 3, got %v", got)
	}
}

func TestRefreshPublishesToAttachedCache(t *testing.T) {
	cache := cacheutil.NewMemory()
	s := New(fakeSource{total: 200_000, active: 80_000}, phaseFor).WithCache(cache)
	now := time.Now()
	if err := s.Refresh(context.Background(), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	published, found, err := cache.NetworkSnapshot(context.Background())
	if err != nil || !found {
		t.Fatalf("expected a published snapshot, found=%v err=%v", found, err)
	}
	if published.TotalUsers != 200_000 {
		t.Errorf("expected published snapshot to match, got %+v", published)
	}
}

func TestRefreshPropagatesSourceError(t *testing.T) {
	s := New(fakeSource{err: context.DeadlineExceeded}, phaseFor)
	if err := s.Refresh(context.Background(), time.Now()); err == nil {
		t.Fatalf("expected error to propagate")
	}
	// Snapshot should remain the prior (default) one untouched.
	if s.Get().UpdatedAt.IsZero() == false {
		t.Errorf("expected default snapshot to remain untouched after failed refresh")
	}
}
