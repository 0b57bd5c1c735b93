package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bkc-labs/reward-engine/internal/antiabuse"
	"github.com/bkc-labs/reward-engine/internal/audit"
	"github.com/bkc-labs/reward-engine/internal/clock"
	"github.com/bkc-labs/reward-engine/internal/config"
	"github.com/bkc-labs/reward-engine/internal/errorsx"
	"github.com/bkc-labs/reward-engine/internal/model"
	"github.com/bkc-labs/reward-engine/internal/networkstore"
	"github.com/bkc-labs/reward-engine/internal/ratelimit"
	"github.com/bkc-labs/reward-engine/internal/referral"
	"github.com/bkc-labs/reward-engine/internal/settlement"
	"github.com/bkc-labs/reward-engine/internal/userstore"
)

type fixedSource struct {
	total, active int64
}

func (f fixedSource) CountUsers(ctx context.Context) (int64, int64, error) {
	return f.total, f.active, nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, userstore.Store, audit.Log) {
	t.Helper()
	cfgStore := config.NewStore(config.Load())
	users := userstore.NewMemory()
	auditLog := audit.NewMemory()
	net := networkstore.New(fixedSource{total: 1000, active: 500}, func(total int64) model.NetworkPhase {
		phase, _ := cfgStore.Get().PhaseFor(total)
		return model.NetworkPhase(phase)
	})
	net.Refresh(context.Background(), time.Now())

	gate := antiabuse.NewGate(antiabuse.NewLocal(), cfgStore)

	c := New(Config{
		ConfigStore: cfgStore,
		Users:       users,
		Network:     net,
		Gate:        gate,
		RateLimit:   ratelimit.NewKindLimiter(),
		Referrals:   referral.NewMemoryStore(),
		Audit:       auditLog,
		Settlement:  settlement.NewMemory(),
		Nonces:      settlement.NewNonceTracker(),
		Clock:       clock.Fixed{At: time.Now()},
	})
	return c, users, auditLog
}

func TestCreditAwardsXPAndFIN(t *testing.T) {
	c, users, _ := newTestCoordinator(t)
	event := model.ActivityEvent{
		EventID: "evt-1", UserID: 1, Kind: model.KindPost, Platform: model.PlatformInstagram,
		QualityScore: 1.0, Timestamp: time.Now(),
	}
	res, err := c.Credit(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Record.XPDelta <= 0 {
		t.Errorf("expected positive XP delta, got %d", res.Record.XPDelta)
	}
	if res.Record.FINDelta <= 0 {
		t.Errorf("expected positive FIN delta, got %d", res.Record.FINDelta)
	}

	stored, err := users.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.TotalXP != res.Record.XPDelta {
		t.Errorf("expected stored TotalXP to match credited delta, got %d vs %d", stored.TotalXP, res.Record.XPDelta)
	}
}

func TestCreditIsIdempotentOnEventID(t *testing.T) {
	c, _, auditLog := newTestCoordinator(t)
	event := model.ActivityEvent{
		EventID: "evt-replay", UserID: 2, Kind: model.KindLike, Platform: model.PlatformX,
		QualityScore: 1.0, Timestamp: time.Now(),
	}
	first, err := c.Credit(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := c.Credit(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error on replay: %v", err)
	}
	if !second.Replay {
		t.Errorf("expected replay flag on second credit of the same event")
	}
	if second.Record.FINDelta != first.Record.FINDelta {
		t.Errorf("expected replay to return the original record, got %+v vs %+v", second.Record, first.Record)
	}
	records, _ := auditLog.ForUser(context.Background(), 2, 10)
	if len(records) != 1 {
		t.Errorf("expected exactly one audit record despite the replay, got %d", len(records))
	}
}

func TestCreditRejectsUnknownKind(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	event := model.ActivityEvent{EventID: "evt-bad", UserID: 3, Kind: "not-a-real-kind", QualityScore: 1.0}
	_, err := c.Credit(context.Background(), event)
	var verr *errorsx.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCreditEnforcesDailyCap(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	// Photo's hourly rate window admits one event per hour, so the events are
	// spaced 61 minutes apart, all within one UTC day.
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c.clock = clk
	now := clk.Now()
	for i := 0; i < 20; i++ {
		event := model.ActivityEvent{
			EventID: "evt-photo-" + string(rune('a'+i)), UserID: 4, Kind: model.KindPhoto,
			Platform: model.PlatformTikTok, QualityScore: 1.0, Timestamp: now,
		}
		if _, err := c.Credit(context.Background(), event); err != nil {
			t.Fatalf("unexpected error on event %d: %v", i, err)
		}
		clk.Advance(61 * time.Minute)
	}
	// Photo's daily cap is 20; the 21st should be rejected.
	event := model.ActivityEvent{
		EventID: "evt-photo-overflow", UserID: 4, Kind: model.KindPhoto,
		Platform: model.PlatformTikTok, QualityScore: 1.0, Timestamp: now,
	}
	_, err := c.Credit(context.Background(), event)
	var capErr *errorsx.CapExceeded
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapExceeded once the daily cap is hit, got %v", err)
	}
}

// Scenario 3 from spec.md §8: a referral chain A->B->C->D credits shrinking
// FIN shares up the chain, and RP flows to A/B/C via the tier/network
// formula rather than staying permanently at zero.
func TestCreditFansOutReferralSharesAndRP(t *testing.T) {
	c, users, auditLog := newTestCoordinator(t)
	refs := referral.NewMemoryStore()
	c.referrals = refs

	now := time.Now()
	for _, id := range []int64{1, 2, 3} {
		if _, err := users.Create(context.Background(), id, nil); err != nil {
			t.Fatalf("unexpected error creating user %d: %v", id, err)
		}
	}
	if err := referral.Link(context.Background(), refs, 1, 2, now); err != nil {
		t.Fatalf("unexpected error linking: %v", err)
	}
	if err := referral.Link(context.Background(), refs, 2, 3, now); err != nil {
		t.Fatalf("unexpected error linking: %v", err)
	}
	if err := referral.Link(context.Background(), refs, 3, 4, now); err != nil {
		t.Fatalf("unexpected error linking: %v", err)
	}

	event := model.ActivityEvent{
		EventID: "evt-chain", UserID: 4, Kind: model.KindPost, Platform: model.PlatformInstagram,
		QualityScore: 1.0, Timestamp: now,
	}
	res, err := c.Credit(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Record.FINDelta <= 0 {
		t.Fatalf("expected a positive FIN delta to fan out, got %d", res.Record.FINDelta)
	}

	l1, err := users.Get(context.Background(), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l2, err := users.Get(context.Background(), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l3, err := users.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Shares shrink monotonically with depth (spec.md §8); at these test
	// magnitudes the L3 share can floor to zero, per the explicit
	// fractional-remainder rounding rule package referral documents.
	if l1.FINBalance <= 0 {
		t.Errorf("expected L1 ancestor (user 3) to receive a FIN share, got %d", l1.FINBalance)
	}
	if l2.FINBalance < 0 || l2.FINBalance >= l1.FINBalance {
		t.Errorf("expected L2 share (%d) to be non-negative and smaller than L1 share (%d)", l2.FINBalance, l1.FINBalance)
	}
	if l3.FINBalance < 0 || l3.FINBalance > l2.FINBalance {
		t.Errorf("expected L3 share (%d) to be non-negative and no larger than L2 share (%d)", l3.FINBalance, l2.FINBalance)
	}

	if l1.TotalRP <= 0 {
		t.Errorf("expected the direct referrer (user 3) to accrue RP from its referred user's activity, got %d", l1.TotalRP)
	}

	fanoutRecords, err := auditLog.ForUser(context.Background(), 3, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fanoutRecords) == 0 {
		t.Errorf("expected a fanout audit record for the L1 ancestor")
	}
}

func TestCreditIsolatesUsersConcurrently(t *testing.T) {
	c, users, _ := newTestCoordinator(t)
	done := make(chan error, 2)
	for _, uid := range []int64{10, 11} {
		uid := uid
		go func() {
			_, err := c.Credit(context.Background(), model.ActivityEvent{
				EventID: "evt-user-" + string(rune('a'+uid)), UserID: uid, Kind: model.KindPost,
				Platform: model.PlatformYouTube, QualityScore: 1.0, Timestamp: time.Now(),
			})
			done <- err
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	for _, uid := range []int64{10, 11} {
		u, err := users.Get(context.Background(), uid)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if u.TotalXP <= 0 {
			t.Errorf("expected user %d to have been credited", uid)
		}
	}
}
