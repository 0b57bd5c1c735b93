// Package antiabuse implements spec.md §4.4's human-probability gate: a
// pluggable Scorer plus the hard/soft threshold policy and the freeze
// computation of spec.md §4.6 (RecordConfirmedBot); there is no cooling
// transition. Grounded in the
// teacher's internal/security/enhanced_security.go, which validates request
// shape before trusting it (ValidateInput's SQL/XSS pattern checks,
// SecurityMiddleware's header hardening) — this package generalizes that
// "don't trust the caller, score the request" posture to activity events
// instead of HTTP payloads.
package antiabuse

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/bkc-labs/reward-engine/internal/cacheutil"
	"github.com/bkc-labs/reward-engine/internal/config"
	"github.com/bkc-labs/reward-engine/internal/errorsx"
	"github.com/bkc-labs/reward-engine/internal/model"
)

// Scorer produces a human_probability in [0, 1] for a user's activity
// pattern. Production deployments wire an external ML scorer over the
// network; tests and local runs use Local.
type Scorer interface {
	Score(ctx context.Context, user model.User, event model.ActivityEvent) (float64, error)
}

// Local is the no-external-dependency fallback: it reports full trust
// (1.0) for every event and logs a warning once, on first use, since a
// deployment running without a real scorer is operating with a materially
// weaker anti-abuse posture than spec.md §4.4 assumes. It checks no signals
// of its own; the only local signal the gate adds on top is the
// burst-velocity discount in Gate.velocityPenalty.
type Local struct {
	warnedOnce bool
}

func NewLocal() *Local { return &Local{} }

func (l *Local) Score(ctx context.Context, user model.User, event model.ActivityEvent) (float64, error) {
	if !l.warnedOnce {
		log.Printf("antiabuse: no external scorer configured, all activity defaults to human_probability=1.0")
		l.warnedOnce = true
	}
	return 1.0, nil
}

// Gate applies spec.md §4.4's hard/soft thresholds and §4.6's freeze state
// machine on top of whatever Scorer produced.
type Gate struct {
	scorer Scorer
	cfg    *config.Store
	burst  cacheutil.Cache
}

func NewGate(scorer Scorer, cfg *config.Store) *Gate {
	return &Gate{scorer: scorer, cfg: cfg}
}

// WithBurstCache attaches a shared burst counter so the gate can discount
// human_probability for event rates no person sustains, across every
// instance rather than just whichever one happens to be holding the user's
// shard lock. Optional: a nil burst cache simply skips the velocity check.
func (g *Gate) WithBurstCache(c cacheutil.Cache) *Gate {
	g.burst = c
	return g
}

// VelocityWindow and VelocityLimit bound how many events of one kind a
// user can log before the gate treats the pattern as faster than a person
// types, clicks or scrolls, and discounts the scorer's human_probability
// accordingly rather than outright rejecting (the hard/soft threshold
// still makes the final call).
const VelocityWindow = time.Minute
const VelocityLimit = 20

func (g *Gate) velocityPenalty(ctx context.Context, userID int64, kind model.ActivityKind) float64 {
	if g.burst == nil {
		return 1.0
	}
	count, err := g.burst.IncrementBurst(ctx, fmt.Sprintf("%d:%s", userID, kind), VelocityWindow)
	if err != nil || count <= VelocityLimit {
		return 1.0
	}
	penalty := 1.0 - float64(count-VelocityLimit)/float64(VelocityLimit)
	if penalty < 0 {
		penalty = 0
	}
	return penalty
}

// Privileged activity kinds require the stricter soft threshold, per
// spec.md §4.4 ("privileged actions... rejected below the soft threshold").
var privilegedKinds = map[model.ActivityKind]bool{
	model.KindQuest: true,
}

// Check rejects the event while user.FrozenUntil lies ahead; otherwise it
// scores the event and either clears the user to proceed (returning the
// human_probability to feed into the reward calculator) or returns an
// *errorsx.AntiBotRejected. It only reads the freeze: it sets no cooling or
// freeze state, and a rejection does not call RecordConfirmedBot.
func (g *Gate) Check(ctx context.Context, user model.User, event model.ActivityEvent, now time.Time) (float64, error) {
	if !user.FrozenUntil.IsZero() && now.Before(user.FrozenUntil) {
		return 0, &errorsx.AntiBotRejected{
			Reason:           "account frozen pending review",
			HumanProbability: 0,
		}
	}

	p, err := g.scorer.Score(ctx, user, event)
	if err != nil {
		return 0, &errorsx.TransientFailure{Op: "antiabuse.Score", Err: err}
	}
	p *= g.velocityPenalty(ctx, user.ID, event.Kind)
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}

	cfg := g.cfg.Get()
	threshold := cfg.AntiBotHardThreshold
	if privilegedKinds[event.Kind] {
		threshold = cfg.AntiBotSoftThreshold
	}

	if p < threshold {
		return p, &errorsx.AntiBotRejected{
			Reason:           "human probability below threshold",
			HumanProbability: p,
		}
	}
	return p, nil
}

// FreezeWindow is the lookback window in which repeated confirmed-bot
// detections trigger a freeze, per spec.md §4.6.
const FreezeWindow = 24 * time.Hour

// FreezeDuration is how long a frozen account stays frozen once triggered.
const FreezeDuration = 7 * 24 * time.Hour

// ConfirmedBotThreshold is the number of confirmed-bot detections within
// FreezeWindow that triggers a freeze.
const ConfirmedBotThreshold = 2

// RecordConfirmedBot increments the user's confirmed-bot counter and
// returns the FrozenUntil to persist once the threshold is reached; it
// returns the zero time if no freeze should be applied yet. Callers own
// resetting ConfirmedBotCount once FreezeWindow has elapsed without a new
// detection — this function only computes the transition for a single
// detection event.
func RecordConfirmedBot(currentCount int, now time.Time) (newCount int, frozenUntil time.Time) {
	newCount = currentCount + 1
	if newCount >= ConfirmedBotThreshold {
		return newCount, now.Add(FreezeDuration)
	}
	return newCount, time.Time{}
}
