// Package coordinator implements the Accrual Coordinator of spec.md §4.3:
// the single place an ActivityEvent becomes a persisted balance change. It
// owns per-user serialization (a sharded keyed-lock map, so two events for
// the same user never race, while users whose IDs hash to
// different shards credit in parallel), a bounded worker pool, and the ordered ten-step credit
// pipeline.
//
// The read-state/validate/tx.Begin/mutate/tx.Commit shape follows the
// teacher's internal/mining/mining.go ProcessTaps: reload state, check
// limits, compute the reward, persist inside a single transactional unit.
// The sharded lock and worker pool are new relative to the teacher (its
// per-row Postgres transaction was the only serialization it needed,
// because collector-mode/loan-debt state lived entirely in the database);
// this engine layers an in-process lock on top because the anti-abuse
// gate call and calculator evaluation both need to run before the
// transactional persist, and must see a consistent in-flight view of the
// user for that whole window.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bkc-labs/reward-engine/internal/antiabuse"
	"github.com/bkc-labs/reward-engine/internal/audit"
	"github.com/bkc-labs/reward-engine/internal/calculator"
	"github.com/bkc-labs/reward-engine/internal/clock"
	"github.com/bkc-labs/reward-engine/internal/config"
	"github.com/bkc-labs/reward-engine/internal/errorsx"
	"github.com/bkc-labs/reward-engine/internal/metrics"
	"github.com/bkc-labs/reward-engine/internal/model"
	"github.com/bkc-labs/reward-engine/internal/networkstore"
	"github.com/bkc-labs/reward-engine/internal/ratelimit"
	"github.com/bkc-labs/reward-engine/internal/referral"
	"github.com/bkc-labs/reward-engine/internal/settlement"
	"github.com/bkc-labs/reward-engine/internal/userstore"
)

// shardedLocks partitions per-user mutexes across a fixed number of
// shards, keyed by an FNV-1a hash of the decimal userID modulo the shard
// count, so the lock table itself never grows
// unbounded the way a map[int64]*sync.Mutex with no eviction would.
type shardedLocks struct {
	shards []sync.Mutex
}

func newShardedLocks(n int) *shardedLocks {
	if n <= 0 {
		n = 256
	}
	return &shardedLocks{shards: make([]sync.Mutex, n)}
}

func (s *shardedLocks) lockFor(userID int64) *sync.Mutex {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d", userID)
	idx := int(h.Sum32()) % len(s.shards)
	if idx < 0 {
		idx += len(s.shards)
	}
	return &s.shards[idx]
}

// Coordinator wires the stores, the calculator, the anti-abuse gate and
// the referral/settlement side effects into one Credit operation.
type Coordinator struct {
	cfg       *config.Store
	users     userstore.Store
	network   *networkstore.Store
	gate      *antiabuse.Gate
	rateLimit *ratelimit.KindLimiter
	referrals referral.EdgeStore
	auditLog  audit.Log
	settle    settlement.Adapter
	nonces    *settlement.NonceTracker
	metrics   *metrics.Metrics
	clock     clock.Clock

	locks *shardedLocks
	sem   chan struct{} // bounds in-flight Credit calls to WorkerPoolSize
}

type Config struct {
	ConfigStore *config.Store
	Users       userstore.Store
	Network     *networkstore.Store
	Gate        *antiabuse.Gate
	RateLimit   *ratelimit.KindLimiter
	Referrals   referral.EdgeStore
	Audit       audit.Log
	Settlement  settlement.Adapter
	Nonces      *settlement.NonceTracker
	Metrics     *metrics.Metrics
	Clock       clock.Clock
}

func New(c Config) *Coordinator {
	cfg := c.ConfigStore.Get()
	if c.Clock == nil {
		c.Clock = clock.Real
	}
	return &Coordinator{
		cfg:       c.ConfigStore,
		users:     c.Users,
		network:   c.Network,
		gate:      c.Gate,
		rateLimit: c.RateLimit,
		referrals: c.Referrals,
		auditLog:  c.Audit,
		settle:    c.Settlement,
		nonces:    c.Nonces,
		metrics:   c.Metrics,
		clock:     c.Clock,
		locks:     newShardedLocks(cfg.ShardCount),
		sem:       make(chan struct{}, cfg.WorkerPoolSize),
	}
}

// CreditResult is what the ingestion layer needs to answer the caller.
type CreditResult struct {
	Record  model.AccrualRecord
	User    model.User
	Replay  bool // true if this EventID was already credited
}

// Credit runs the credit pipeline of spec.md §4.3 for one ActivityEvent:
// acquire a worker-pool slot, return early for an already-credited event
// ID, load (or create) the user, call the anti-abuse gate (deliberately
// before taking the user's shard lock, so a slow external scorer never
// holds the per-user lock), then under the lock re-check idempotency and
// reload the user, check the daily cap and hourly rate limit, evaluate the
// reward calculator, recompute level/tier, persist atomically, and run the
// referral fan-out and settlement handoff (whose chain submission is
// asynchronous) before the lock is released.
func (c *Coordinator) Credit(ctx context.Context, event model.ActivityEvent) (CreditResult, error) {
	cfg := c.cfg.Get()
	deadline := time.Duration(cfg.TapDeadlineMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return CreditResult{}, &errorsx.TransientFailure{Op: "coordinator.acquire-slot", Err: ctx.Err()}
	}

	// Idempotency check happens before the lock: a replayed event_id is a
	// read-only fast path and should never contend with live traffic for
	// the same user.
	if existing, _ := c.auditLog.ByEventID(ctx, event.EventID); existing != nil {
		user, err := c.users.Get(ctx, event.UserID)
		if err != nil {
			return CreditResult{}, err
		}
		return CreditResult{Record: *existing, User: user, Replay: true}, nil
	}

	user, err := c.users.Get(ctx, event.UserID)
	if err != nil {
		if err == userstore.ErrNotFound {
			user, err = c.users.Create(ctx, event.UserID, nil)
		}
		if err != nil {
			return CreditResult{}, err
		}
	}

	// Anti-abuse gate is called before the per-user lock is acquired: an
	// external scorer call can be slow, and there is no reason to hold up
	// every other event for this user while it's in flight.
	now := c.clock.Now()
	humanProbability, err := c.gate.Check(ctx, user, event, now)
	if err != nil {
		c.recordRejection(ctx, event, err)
		return CreditResult{}, err
	}

	mu := c.locks.lockFor(event.UserID)
	mu.Lock()
	defer mu.Unlock()

	// Re-check idempotency and reload the user under the lock: another credit
	// for this user may have committed since the pre-lock reads above.
	if existing, _ := c.auditLog.ByEventID(ctx, event.EventID); existing != nil {
		fresh, err := c.users.Get(ctx, event.UserID)
		if err != nil {
			return CreditResult{}, err
		}
		return CreditResult{Record: *existing, User: fresh, Replay: true}, nil
	}
	if user, err = c.users.Get(ctx, event.UserID); err != nil {
		return CreditResult{}, err
	}

	return c.creditLocked(ctx, event, user, humanProbability, now)
}

func (c *Coordinator) creditLocked(ctx context.Context, event model.ActivityEvent, user model.User, humanProbability float64, now time.Time) (CreditResult, error) {
	cfg := c.cfg.Get()
	rpBefore := user.TotalRP

	dailyCap, ok := cfg.DailyCaps[string(event.Kind)]
	if !ok {
		return CreditResult{}, &errorsx.ValidationError{Field: "kind", Reason: "unknown activity kind"}
	}

	date := now.Format("2006-01-02")
	dc, err := c.users.GetDailyCounter(ctx, event.UserID, date)
	if err != nil {
		return CreditResult{}, err
	}
	if dailyCap.PlatformMax > 0 && dc.KindCounts[event.Kind] >= int64(dailyCap.PlatformMax) {
		rec := model.AccrualRecord{EventID: event.EventID, UserID: event.UserID, Reason: "cap", CreatedAt: now}
		c.auditLog.Append(ctx, rec)
		if c.metrics != nil {
			c.metrics.ObserveEventRejected("cap")
		}
		return CreditResult{Record: rec, User: user}, &errorsx.CapExceeded{Kind: string(event.Kind)}
	}
	if !c.rateLimit.Allow(event.UserID, event.Kind, dailyCap, now) {
		if c.metrics != nil {
			c.metrics.ObserveEventRejected("rate_limited")
		}
		return CreditResult{}, &errorsx.RateLimited{Key: fmt.Sprintf("%d:%s", event.UserID, event.Kind), ResetAt: now.Add(time.Hour)}
	}

	snap := c.network.Get()
	phase, table := cfg.PhaseFor(snap.TotalUsers)
	// Phase is sticky: never price a credit below the phase the network
	// snapshot has already reached.
	if p := int(snap.CurrentPhase); p > phase && p <= len(cfg.Phases) {
		phase, table = p, cfg.Phases[p-1]
	}

	activeReferrals := c.countActiveReferrals(ctx, event.UserID)

	xp := calculator.XPGain(calculator.XPInputs{
		BaseXP:             float64(dailyCap.BaseXP),
		PlatformMultiplier: platformMultiplier(cfg, event.Platform),
		QualityScore:       event.QualityScore,
		StreakDays:         user.StreakDays,
		Level:              user.Level,
		KLevel:             cfg.RegressionKLevel,
		Viral:              event.Engagement.Viral(),
		StakingTier:        calculator.StakingTierFor(user.StakingAmount),
	})

	mining := calculator.MiningRate(calculator.MiningInputs{
		Phase:            phase,
		BaseRate:         table.BaseRate,
		FinizenBonus:     table.FinizenBonus,
		TotalUsers:       snap.TotalUsers,
		ActiveReferrals:  activeReferrals,
		KYCVerified:      user.KYCVerified,
		FINBalance:       user.FINBalance,
		KHoldings:        cfg.RegressionKHoldings,
		Level:            user.Level,
		RPTier:           user.RPTier,
		StakingTier:      calculator.StakingTierFor(user.StakingAmount),
		LoyaltyMonths:    user.LoyaltyMonths(now),
		HumanProbability: humanProbability,
	})
	hourlyRate := calculator.ApplyPhaseDailyCap(mining.Rate, table.DailyCapFIN)
	// One credited event approximates one hour-equivalent of accrual, scaled
	// from whole FIN to the smallest denomination the balance is stored in.
	finDelta := calculator.ToFINUnits(hourlyRate)

	user.TotalXP += xp
	user.FINBalance += finDelta
	user.PendingSettlement += finDelta
	user.Level = calculator.Level(user.TotalXP)
	user.RPTier = calculator.RPTierForTotal(user.TotalRP)
	user.LastActiveAt = now
	if user.State == model.StateUnverified && user.KYCVerified {
		user.State = model.StateVerified
	}
	if user.State == model.StateVerified {
		user.State = model.StateActive
	}

	dc.KindCounts[event.Kind]++
	dc.CumulativeXP += xp
	dc.CumulativeFIN += finDelta

	if err := c.users.Save(ctx, user); err != nil {
		return CreditResult{}, err
	}
	if err := c.users.SaveDailyCounter(ctx, dc); err != nil {
		return CreditResult{}, err
	}

	record := model.AccrualRecord{
		EventID: event.EventID,
		UserID:  event.UserID,
		FINDelta: finDelta,
		XPDelta:  xp,
		// RP is earned from the people a user has referred, not from their
		// own activity, so this is 0 here; rpBefore exists to keep that an
		// explicit computation rather than a hardcoded constant, and so this
		// record stays correct if a future step ever credits RP to the
		// acting user directly.
		RPDelta: user.TotalRP - rpBefore,
		AppliedMultipliers: map[string]float64{
			"finizen":  mining.FinizenFactor,
			"referral": mining.ReferralFactor,
			"kyc":      mining.KYCFactor,
			"holdings": mining.HoldingsRegression,
			"level":    mining.LevelMultiplier,
			"tier":     mining.TierMultiplier,
			"staking":  mining.StakingFactor,
			"human":    mining.HumanFactor,
		},
		CreatedAt: now,
	}
	if err := c.auditLog.Append(ctx, record); err != nil {
		return CreditResult{}, err
	}

	if c.metrics != nil {
		c.metrics.ObserveEventCredited(string(event.Kind))
		c.metrics.ObserveMiningRate(mining.Rate)
		c.metrics.ObserveXPGain(xp)
	}

	c.fanoutReferralShares(ctx, event, finDelta, now)
	c.maybeSettle(ctx, user)

	return CreditResult{Record: record, User: user}, nil
}

// countActiveReferrals counts userID's own direct (L1) referral edges that
// are still active, for the mining formula's active_referrals term. This is
// the number of people userID has referred, not userID's cumulative RP
// score — the two are unrelated quantities.
func (c *Coordinator) countActiveReferrals(ctx context.Context, userID int64) int {
	if c.referrals == nil {
		return 0
	}
	edges, err := c.referrals.Descendants(ctx, userID, 1)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range edges {
		if e.Depth == 1 && e.Active {
			n++
		}
	}
	return n
}

func (c *Coordinator) recordRejection(ctx context.Context, event model.ActivityEvent, err error) {
	if c.metrics == nil {
		return
	}
	reason := "rejected"
	var abr *errorsx.AntiBotRejected
	if errors.As(err, &abr) {
		reason = "anti_bot"
	}
	c.metrics.ObserveEventRejected(reason)
}

// fanoutReferralShares distributes a portion of finDelta to the credited
// user's L1/L2/L3 referral ancestors, and recomputes each ancestor's RP
// from their own current referral network, per spec.md §4.1/§4.4. This
// must not be gated on finDelta: an event that earns no FIN (a rate that
// rounds to zero units, or a phase with a near-zero base rate) still
// represents referral activity — the referred user stayed active — so an
// ancestor's RP (a function of their network's activity, not of this one
// FIN amount) still needs recomputing. Failures here are swallowed, without
// logging, relative to the
// primary credit, since the originating user's own credit has already been
// durably persisted and must not be rolled back by a downstream
// distribution problem.
func (c *Coordinator) fanoutReferralShares(ctx context.Context, event model.ActivityEvent, finDelta int64, now time.Time) {
	if c.referrals == nil {
		return
	}
	ancestors, err := c.referrals.Ancestors(ctx, event.UserID, referral.MaxDepth)
	if err != nil || len(ancestors) == 0 {
		return
	}

	var finShares map[int64]int64
	if finDelta > 0 {
		finShares = referral.Shares(ancestors, finDelta)
	}

	cfg := c.cfg.Get()
	for _, a := range ancestors {
		if !a.Active {
			continue
		}
		ancestorID := a.ReferrerID
		ancestor, err := c.users.Get(ctx, ancestorID)
		if err != nil {
			continue
		}

		finShare := finShares[ancestorID]
		if finShare > 0 {
			ancestor.FINBalance += finShare
			ancestor.PendingSettlement += finShare
		}

		rpBefore := ancestor.TotalRP
		in, err := c.buildRPInputs(ctx, cfg, ancestorID, now)
		if err == nil {
			ancestor.TotalRP = calculator.RPValue(in)
			ancestor.RPTier = calculator.RPTierForTotal(ancestor.TotalRP)
		}
		rpDelta := ancestor.TotalRP - rpBefore

		if err := c.users.Save(ctx, ancestor); err != nil {
			continue
		}

		if finShare > 0 || rpDelta != 0 {
			c.auditLog.Append(ctx, model.AccrualRecord{
				EventID:  fmt.Sprintf("%s:fanout:%d:%d", event.EventID, a.Depth, ancestorID),
				UserID:   ancestorID,
				FINDelta: finShare,
				RPDelta:  rpDelta,
				Reason:   "fanout",
				CreatedAt: now,
			})
		}
		c.maybeSettle(ctx, ancestor)
	}
}

// buildRPInputs gathers referrerID's own L1/L2/L3 referral network into the
// tier/network formula's inputs (calculator.RPValue), per spec.md §4.1's
// p(user, referral_network) and the Open Question decision recorded in
// DESIGN.md to use this formula rather than a flat percentage of a
// descendant's XP.
func (c *Coordinator) buildRPInputs(ctx context.Context, cfg *config.Config, referrerID int64, now time.Time) (calculator.RPInputs, error) {
	descendants, err := c.referrals.Descendants(ctx, referrerID, referral.MaxDepth)
	if err != nil {
		return calculator.RPInputs{}, err
	}

	var l1 []calculator.ReferralActivity
	var l2Count, l3Count int
	for _, d := range descendants {
		if !d.Active {
			continue
		}
		switch d.Depth {
		case 1:
			child, err := c.users.Get(ctx, d.ReferredID)
			if err != nil {
				continue
			}
			l1 = append(l1, calculator.ReferralActivity{
				Level:           child.Level,
				DaysSinceActive: now.Sub(child.LastActiveAt).Hours() / 24,
			})
		case 2:
			l2Count++
		case 3:
			l3Count++
		}
	}

	var activeFraction, avgLevel float64
	if len(l1) > 0 {
		var activeCount, levelSum int
		for _, r := range l1 {
			levelSum += r.Level
			if r.DaysSinceActive <= 30 {
				activeCount++
			}
		}
		activeFraction = float64(activeCount) / float64(len(l1))
		avgLevel = float64(levelSum) / float64(len(l1))
	}
	networkQuality := avgLevel / 50.0
	if networkQuality > 1.0 {
		networkQuality = 1.0
	}

	return calculator.RPInputs{
		L1:             l1,
		L2Count:        l2Count,
		L3Count:        l3Count,
		ActiveFraction: activeFraction,
		AvgLevel:       avgLevel,
		RetentionScore: activeFraction,
		NetworkSize:    int64(len(descendants)),
		NetworkQuality: networkQuality,
		KNetwork:       cfg.RegressionKNetwork,
	}, nil
}

// maybeSettle hands the user's accumulated pending balance to the
// settlement adapter once it crosses the configured threshold. The
// handoff itself — zeroing PendingSettlement and bumping
// LastSettlementNonce — is persisted synchronously so a concurrent credit
// can never observe the same pending balance twice; the actual chain
// submission is fire-and-forget relative to the credit pipeline per
// spec.md §4.3.
func (c *Coordinator) maybeSettle(ctx context.Context, user model.User) {
	cfg := c.cfg.Get()
	if c.settle == nil || user.PendingSettlement < cfg.SettlementThresholdFIN {
		return
	}
	amount := user.PendingSettlement
	nonce := c.nonces.Next(user.ID)

	user.PendingSettlement = 0
	user.LastSettlementNonce = nonce
	if err := c.users.Save(ctx, user); err != nil {
		return
	}

	go func() {
		_, err := c.settle.Submit(context.Background(), settlement.Request{
			UserID: user.ID,
			Amount: amount,
			Nonce:  nonce,
		})
		if c.metrics != nil {
			c.metrics.ObserveSettlement(err == nil)
		}
	}()
}

func platformMultiplier(cfg *config.Config, platform model.Platform) float64 {
	if m, ok := config.PlatformMultipliers()[string(platform)]; ok {
		return m
	}
	return 1.0
}

// RunBatch fans a batch of events out across the worker pool concurrently,
// collecting results in input order, using golang.org/x/sync/errgroup the
// way the rest of the pack's services do for bounded fan-out.
func (c *Coordinator) RunBatch(ctx context.Context, events []model.ActivityEvent) ([]CreditResult, error) {
	results := make([]CreditResult, len(events))
	g, gctx := errgroup.WithContext(ctx)
	for i, event := range events {
		i, event := i, event
		g.Go(func() error {
			res, err := c.Credit(gctx, event)
			if err != nil {
				var capExceeded *errorsx.CapExceeded
				var rejected *errorsx.AntiBotRejected
				var limited *errorsx.RateLimited
				if errors.As(err, &capExceeded) || errors.As(err, &rejected) || errors.As(err, &limited) {
					results[i] = res
					return nil
				}
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
