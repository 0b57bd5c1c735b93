package calculator

import (
	"math"
	"testing"
	"time"

	"github.com/bkc-labs/reward-engine/internal/model"
)

func TestLevelMatchesSpecFormula(t *testing.T) {
	cases := []struct {
		totalXP int64
		want    int
	}{
		{0, 0},
		{99, 0},
		{100, 1},
		{399, 1},
		{400, 2},
		{10_000, 10},
		{1_000_000, 100},
	}
	for _, c := range cases {
		if got := Level(c.totalXP); got != c.want {
			t.Errorf("Level(%d) = %d, want %d", c.totalXP, got, c.want)
		}
	}
}

func TestLevelNeverNegative(t *testing.T) {
	for _, xp := range []int64{0, 1, 50, 100, 1_000_000_000} {
		if Level(xp) < 0 {
			t.Errorf("Level(%d) negative", xp)
		}
	}
}

// Scenario 1 from spec.md §8: first post, Phase 1, KYC-verified, 0 referrals.
func TestFirstPostScenario(t *testing.T) {
	xp := XPGain(XPInputs{
		BaseXP:             50,
		PlatformMultiplier: 1.2, // instagram
		QualityScore:       1.0,
		StreakDays:         0,
		Level:              0,
		KLevel:             1e-2,
		Viral:              false,
		StakingTier:        StakeNone,
	})
	if xp != 60 {
		t.Errorf("expected XP 60, got %d", xp)
	}

	comp := MiningRate(MiningInputs{
		Phase:            1,
		BaseRate:         0.1,
		FinizenBonus:     2.0,
		TotalUsers:       0,
		ActiveReferrals:  0,
		KYCVerified:      true,
		FINBalance:       0,
		KHoldings:        1e-3,
		Level:            0,
		RPTier:           model.TierExplorer,
		StakingTier:      StakeNone,
		LoyaltyMonths:    0,
		HumanProbability: 1.0,
	})
	if math.Abs(comp.Rate-0.24) > 1e-9 {
		t.Errorf("expected mining rate 0.24, got %v", comp.Rate)
	}
	if units := ToFINUnits(comp.Rate); units != 240 {
		t.Errorf("expected 0.24 FIN to scale to 240 smallest-denomination units, got %d", units)
	}
}

// Every phase's daily cap divided by 24 is a sub-1.0 FIN/hour rate, so a
// naive int64() truncation floors every realistic credit to zero; FINScale
// must be large enough that it doesn't.
func TestToFINUnitsNeverFlattensARealisticRate(t *testing.T) {
	for _, dailyCap := range []float64{4.8, 1.8, 0.72, 0.24} {
		rate := ApplyPhaseDailyCap(dailyCap/24.0*0.7, dailyCap) // a representative sub-cap rate
		if units := ToFINUnits(rate); units <= 0 {
			t.Errorf("daily cap %v: rate %v scaled to %d units, expected > 0", dailyCap, rate, units)
		}
	}
}

func TestMiningRateNeverExceedsPhaseDailyCapDividedBy24(t *testing.T) {
	// Stack every bonus to the maximum to try to break the post-computation
	// cap (spec.md §8 invariant, §9 "cap is enforced post-computation").
	comp := MiningRate(MiningInputs{
		Phase:            1,
		BaseRate:         0.1,
		FinizenBonus:     2.0,
		TotalUsers:       0,
		ActiveReferrals:  100,
		KYCVerified:      true,
		FINBalance:       0,
		KHoldings:        1e-3,
		Level:            500,
		RPTier:           model.TierAmbassador,
		StakingTier:      StakePlatinum,
		LoyaltyMonths:    12,
		HumanProbability: 1.0,
	})
	capped := ApplyPhaseDailyCap(comp.Rate, 4.8)
	if capped > 4.8/24.0+1e-12 {
		t.Errorf("capped rate %v exceeds daily cap bound %v", capped, 4.8/24.0)
	}
}

func TestXPGainFloorsAndNeverNegative(t *testing.T) {
	for lvl := 0; lvl < 2000; lvl += 37 {
		x := XPGain(XPInputs{
			BaseXP: 5, PlatformMultiplier: 1.0, QualityScore: 0.5,
			StreakDays: 0, Level: lvl, KLevel: 1e-2,
		})
		if x < 0 {
			t.Fatalf("XPGain negative at level %d: %d", lvl, x)
		}
	}
}

func TestStreakBonusCapsAtThree(t *testing.T) {
	if got := StreakBonus(1000); got != 3.0 {
		t.Errorf("StreakBonus(1000) = %v, want 3.0", got)
	}
	if got := StreakBonus(0); got != 1.0 {
		t.Errorf("StreakBonus(0) = %v, want 1.0", got)
	}
}

func TestRPTierBandsOrdering(t *testing.T) {
	tiers := []model.RPTier{
		RPTierForTotal(0),
		RPTierForTotal(999),
		RPTierForTotal(1000),
		RPTierForTotal(5000),
		RPTierForTotal(15000),
		RPTierForTotal(50000),
		RPTierForTotal(1_000_000),
	}
	want := []model.RPTier{
		model.TierExplorer, model.TierExplorer, model.TierConnector,
		model.TierInfluencer, model.TierLeader, model.TierAmbassador, model.TierAmbassador,
	}
	for i := range tiers {
		if tiers[i] != want[i] {
			t.Errorf("index %d: got %s want %s", i, tiers[i], want[i])
		}
	}
}

func TestMiningRateDeterministic(t *testing.T) {
	in := MiningInputs{
		Phase: 2, BaseRate: 0.05, FinizenBonus: 1.5, TotalUsers: 500_000,
		ActiveReferrals: 12, KYCVerified: false, FINBalance: 1500, KHoldings: 1e-3,
		Level: 33, RPTier: model.TierConnector, StakingTier: StakeSilver,
		LoyaltyMonths: 4, HumanProbability: 0.82,
	}
	a := MiningRate(in)
	b := MiningRate(in)
	if a.Rate != b.Rate {
		t.Fatalf("non-deterministic mining rate: %v vs %v", a.Rate, b.Rate)
	}
}

func TestCardMultiplierComposesWithinCategory(t *testing.T) {
	now := time.Now()
	cards := []model.Card{
		{Category: model.CardMining, EffectMultiplier: 1.5, State: model.CardEquipped, UsesRemaining: 1, DurationMS: 0},
		{Category: model.CardMining, EffectMultiplier: 2.0, State: model.CardEquipped, UsesRemaining: 1, DurationMS: 0},
		{Category: model.CardXP, EffectMultiplier: 3.0, State: model.CardEquipped, UsesRemaining: 1, DurationMS: 0},
	}
	got := CardMultiplierAt(cards, model.CardMining, now)
	if math.Abs(got-3.0) > 1e-9 {
		t.Errorf("expected composed multiplier 3.0, got %v", got)
	}
}

func TestSynergyBonusRequiresTwoCategories(t *testing.T) {
	now := time.Now()
	oneCategory := []model.Card{
		{Category: model.CardMining, EffectMultiplier: 1.5, State: model.CardEquipped, UsesRemaining: 1},
	}
	if SynergyBonus(oneCategory, now) != 1.0 {
		t.Errorf("expected no synergy with a single category active")
	}
	twoCategories := append(oneCategory, model.Card{
		Category: model.CardXP, EffectMultiplier: 1.2, State: model.CardEquipped, UsesRemaining: 1,
	})
	if SynergyBonus(twoCategories, now) <= 1.0 {
		t.Errorf("expected synergy bonus with two categories active")
	}
}
