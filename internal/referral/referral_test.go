package referral

import (
	"context"
	"testing"
	"time"

	"github.com/bkc-labs/reward-engine/internal/model"
)

var (
	_ EdgeStore = (*MemoryStore)(nil)
	_ EdgeStore = (*Postgres)(nil)
)

func TestLinkCreatesDepthOneEdge(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	if err := Link(context.Background(), store, 1, 2, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ancestors, _ := store.Ancestors(context.Background(), 2, MaxDepth)
	if len(ancestors) != 1 || ancestors[0].ReferrerID != 1 || ancestors[0].Depth != 1 {
		t.Fatalf("expected a single depth-1 edge, got %+v", ancestors)
	}
}

func TestLinkRejectsSelfReferral(t *testing.T) {
	store := NewMemoryStore()
	if err := Link(context.Background(), store, 1, 1, time.Now()); err != ErrSelfReferral {
		t.Errorf("expected ErrSelfReferral, got %v", err)
	}
}

func TestLinkRejectsDoubleLinking(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	if err := Link(context.Background(), store, 1, 2, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Link(context.Background(), store, 3, 2, now); err != ErrAlreadyLinked {
		t.Errorf("expected ErrAlreadyLinked, got %v", err)
	}
}

func TestLinkBuildsThreeLevelChain(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	// 1 refers 2, 2 refers 3, 3 refers 4: user 4's ancestors should be
	// 3 (depth 1), 2 (depth 2), 1 (depth 3).
	if err := Link(context.Background(), store, 1, 2, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Link(context.Background(), store, 2, 3, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Link(context.Background(), store, 3, 4, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ancestors, _ := store.Ancestors(context.Background(), 4, MaxDepth)
	byDepth := map[int]int64{}
	for _, a := range ancestors {
		byDepth[a.Depth] = a.ReferrerID
	}
	if byDepth[1] != 3 || byDepth[2] != 2 || byDepth[3] != 1 {
		t.Fatalf("expected chain 3/2/1 by depth, got %+v", byDepth)
	}
}

func TestLinkDoesNotExceedMaxDepth(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	if err := Link(context.Background(), store, 1, 2, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Link(context.Background(), store, 2, 3, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Link(context.Background(), store, 3, 4, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Link(context.Background(), store, 4, 5, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ancestors, _ := store.Ancestors(context.Background(), 5, MaxDepth)
	if len(ancestors) != MaxDepth {
		t.Fatalf("expected exactly %d ancestor edges, got %d: %+v", MaxDepth, len(ancestors), ancestors)
	}
	for _, a := range ancestors {
		if a.ReferrerID == 1 {
			t.Errorf("user 1 is 4 levels up from user 5 and should not earn a share")
		}
	}
}

func TestDescendantsReturnsTheReferrersOwnNetwork(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	// 1 refers 2, 2 refers 3, 3 refers 4: from 1's perspective, 2 is an L1
	// descendant, 3 is L2, 4 is L3.
	if err := Link(context.Background(), store, 1, 2, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Link(context.Background(), store, 2, 3, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Link(context.Background(), store, 3, 4, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	descendants, err := store.Descendants(context.Background(), 1, MaxDepth)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	byDepth := map[int]int64{}
	for _, d := range descendants {
		byDepth[d.Depth] = d.ReferredID
	}
	if byDepth[1] != 2 || byDepth[2] != 3 || byDepth[3] != 4 {
		t.Fatalf("expected 1's descendants to be 2/3/4 at depth 1/2/3, got %+v", byDepth)
	}

	noDescendants, err := store.Descendants(context.Background(), 4, MaxDepth)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(noDescendants) != 0 {
		t.Errorf("expected leaf user 4 to have no descendants, got %+v", noDescendants)
	}
}

func TestSharesAppliesNominalPercentages(t *testing.T) {
	ancestors := []model.ReferralEdge{
		{ReferrerID: 10, Depth: 1, Active: true},
		{ReferrerID: 20, Depth: 2, Active: true},
		{ReferrerID: 30, Depth: 3, Active: true},
	}
	shares := Shares(ancestors, 1000)
	if shares[10] != 100 {
		t.Errorf("expected L1 share 100 (10%%), got %d", shares[10])
	}
	if shares[20] != 30 {
		t.Errorf("expected L2 share 30 (3%%), got %d", shares[20])
	}
	if shares[30] != 1 {
		t.Errorf("expected L3 share 1 (0.1%%), got %d", shares[30])
	}
}

func TestSharesIgnoresInactiveEdges(t *testing.T) {
	ancestors := []model.ReferralEdge{
		{ReferrerID: 10, Depth: 1, Active: false},
	}
	shares := Shares(ancestors, 1000)
	if len(shares) != 0 {
		t.Errorf("expected inactive edges to contribute no share, got %+v", shares)
	}
}

func TestSharesNeverExceedsTotalBudget(t *testing.T) {
	// Upper bound check from spec.md §8: the sum of all referral shares
	// must never exceed the combined nominal rate (0.1+0.03+0.001 = 0.131) of
	// the originator's own delta.
	ancestors := []model.ReferralEdge{
		{ReferrerID: 1, Depth: 1, Active: true},
		{ReferrerID: 2, Depth: 2, Active: true},
		{ReferrerID: 3, Depth: 3, Active: true},
	}
	earned := int64(10_000)
	shares := Shares(ancestors, earned)
	var total int64
	for _, v := range shares {
		total += v
	}
	if float64(total) > 0.131*float64(earned)+1 {
		t.Errorf("total referral share %d exceeds 13.1%% bound of %d", total, earned)
	}
}

func TestCodeRoundTrips(t *testing.T) {
	for _, id := range []int64{1, 42, 999_999, 1_000_000_000} {
		code := EncodeCode(id)
		if !CodePattern.MatchString(code) {
			t.Fatalf("code %q for user %d does not match CodePattern", code, id)
		}
		got, err := DecodeCode(code)
		if err != nil {
			t.Fatalf("unexpected error decoding %q: %v", code, err)
		}
		if got != id {
			t.Errorf("expected round trip to recover %d, got %d", id, got)
		}
	}
}

func TestDecodeCodeRejectsMalformedInput(t *testing.T) {
	for _, bad := range []string{"abc123", "TOO-SHORT1", "THIS-CODE-IS-WAY-TOO-LONG-FOR-THE-PATTERN"} {
		if _, err := DecodeCode(bad); err != ErrInvalidCode {
			t.Errorf("expected ErrInvalidCode for %q, got %v", bad, err)
		}
	}
}
