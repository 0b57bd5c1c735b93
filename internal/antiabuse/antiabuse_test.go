package antiabuse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bkc-labs/reward-engine/internal/cacheutil"
	"github.com/bkc-labs/reward-engine/internal/config"
	"github.com/bkc-labs/reward-engine/internal/errorsx"
	"github.com/bkc-labs/reward-engine/internal/model"
)

type fixedScorer struct {
	p   float64
	err error
}

func (f fixedScorer) Score(ctx context.Context, user model.User, event model.ActivityEvent) (float64, error) {
	return f.p, f.err
}

func newTestStore() *config.Store {
	return config.NewStore(config.Load())
}

func TestLocalScorerDefaultsToFullTrust(t *testing.T) {
	l := NewLocal()
	p, err := l.Score(context.Background(), model.User{}, model.ActivityEvent{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != 1.0 {
		t.Errorf("expected p=1.0, got %v", p)
	}
}

func TestGateRejectsBelowHardThreshold(t *testing.T) {
	g := NewGate(fixedScorer{p: 0.3}, newTestStore())
	_, err := g.Check(context.Background(), model.User{}, model.ActivityEvent{Kind: model.KindPost}, time.Now())
	var rejected *errorsx.AntiBotRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("expected AntiBotRejected, got %v", err)
	}
}

func TestGateAllowsAboveHardThresholdForOrdinaryKind(t *testing.T) {
	g := NewGate(fixedScorer{p: 0.6}, newTestStore())
	p, err := g.Check(context.Background(), model.User{}, model.ActivityEvent{Kind: model.KindPost}, time.Now())
	if err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
	if p != 0.6 {
		t.Errorf("expected passthrough p=0.6, got %v", p)
	}
}

func TestGateAppliesSoftThresholdToPrivilegedKinds(t *testing.T) {
	g := NewGate(fixedScorer{p: 0.6}, newTestStore())
	_, err := g.Check(context.Background(), model.User{}, model.ActivityEvent{Kind: model.KindQuest}, time.Now())
	var rejected *errorsx.AntiBotRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("expected privileged action at p=0.6 to be rejected by the soft threshold, got %v", err)
	}
}

func TestGateRejectsFrozenAccountRegardlessOfScore(t *testing.T) {
	g := NewGate(fixedScorer{p: 1.0}, newTestStore())
	now := time.Now()
	user := model.User{FrozenUntil: now.Add(time.Hour)}
	_, err := g.Check(context.Background(), user, model.ActivityEvent{Kind: model.KindPost}, now)
	var rejected *errorsx.AntiBotRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("expected frozen account to be rejected, got %v", err)
	}
}

func TestGateAllowsOnceFreezeExpires(t *testing.T) {
	g := NewGate(fixedScorer{p: 1.0}, newTestStore())
	now := time.Now()
	user := model.User{FrozenUntil: now.Add(-time.Hour)}
	if _, err := g.Check(context.Background(), user, model.ActivityEvent{Kind: model.KindPost}, now); err != nil {
		t.Fatalf("expected expired freeze to no longer block, got %v", err)
	}
}

func TestGateSurfacesScorerFailureAsTransient(t *testing.T) {
	g := NewGate(fixedScorer{err: errors.New("scorer unavailable")}, newTestStore())
	_, err := g.Check(context.Background(), model.User{}, model.ActivityEvent{Kind: model.KindPost}, time.Now())
	var transient *errorsx.TransientFailure
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientFailure, got %v", err)
	}
}

func TestGateDiscountsVelocityBeyondLimit(t *testing.T) {
	g := NewGate(fixedScorer{p: 1.0}, newTestStore()).WithBurstCache(cacheutil.NewMemory())
	ctx := context.Background()
	user := model.User{ID: 7}
	now := time.Now()

	var lastP float64
	var lastErr error
	for i := 0; i < 2*VelocityLimit; i++ {
		lastP, lastErr = g.Check(ctx, user, model.ActivityEvent{Kind: model.KindLike}, now)
	}
	if lastErr == nil {
		t.Fatalf("expected the burst of likes past VelocityLimit to eventually be rejected")
	}
	if lastP >= 1.0 {
		t.Errorf("expected velocity penalty to discount human_probability below 1.0, got %v", lastP)
	}
}

func TestGateWithoutBurstCacheNeverPenalizesVelocity(t *testing.T) {
	g := NewGate(fixedScorer{p: 1.0}, newTestStore())
	ctx := context.Background()
	user := model.User{ID: 8}
	now := time.Now()
	for i := 0; i < VelocityLimit+5; i++ {
		if _, err := g.Check(ctx, user, model.ActivityEvent{Kind: model.KindLike}, now); err != nil {
			t.Fatalf("expected no rejection without a burst cache wired, got %v", err)
		}
	}
}

func TestRecordConfirmedBotFreezesAtThreshold(t *testing.T) {
	now := time.Now()
	count, frozenUntil := RecordConfirmedBot(0, now)
	if count != 1 || !frozenUntil.IsZero() {
		t.Fatalf("first detection should not freeze yet, got count=%d frozenUntil=%v", count, frozenUntil)
	}
	count, frozenUntil = RecordConfirmedBot(count, now)
	if count != 2 || frozenUntil.IsZero() {
		t.Fatalf("second detection within window should freeze, got count=%d frozenUntil=%v", count, frozenUntil)
	}
	if !frozenUntil.Equal(now.Add(FreezeDuration)) {
		t.Errorf("expected freeze to last FreezeDuration, got until=%v", frozenUntil)
	}
}
