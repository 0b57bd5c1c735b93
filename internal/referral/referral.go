// Package referral implements spec.md §4.1's referral fan-out: linking a
// new user to its referrer chain up to depth 3, and splitting a portion of
// that user's mining reward up to its L1/L2/L3 ancestors (10%/3%/0.1%).
// Grounded in the teacher's internal/db/db.go RegisterReferral: the
// exists-check before inserting (WasReferred), and the append-only ledger
// entry pattern for the credited bonus — generalized here from a single
// referrer level to the three-level chain spec.md requires, and made
// idempotent per event instead of per referred-user milestone.
package referral

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bkc-labs/reward-engine/internal/model"
)

// SharePercent is the fraction of a descendant's mining reward that flows to
// an ancestor at the given depth (1, 2 or 3): 10%/3%/0.1%, realized here as
// the chain 0.1, 0.3*0.1, 0.1*0.1*0.1 — each
// level takes a fraction of the level above, so the effective share thins
// out geometrically instead of needing three independent constants.
func SharePercent(depth int) float64 {
	switch depth {
	case 1:
		return 0.1
	case 2:
		return 0.3 * 0.1
	case 3:
		return 0.1 * 0.1 * 0.1
	default:
		return 0
	}
}

var ErrSelfReferral = errors.New("referral: a user cannot refer itself")
var ErrAlreadyLinked = errors.New("referral: referred user already has a referrer")
var ErrInvalidCode = errors.New("referral: code does not match the required format")

// CodePattern is the wire format of spec.md §6's POST /referral/link: an
// uppercase alphanumeric string 6-12 characters long.
var CodePattern = regexp.MustCompile(`^[A-Z0-9]{6,12}$`)

// EncodeCode derives a referral code for userID: base36, upper-cased, left
// padded with zeroes to a minimum of 6 characters so every code satisfies
// CodePattern regardless of how small the user ID is.
func EncodeCode(userID int64) string {
	code := strings.ToUpper(strconv.FormatInt(userID, 36))
	for len(code) < 6 {
		code = "0" + code
	}
	return code
}

// DecodeCode recovers the referrer's user ID from a code minted by
// EncodeCode. Returns ErrInvalidCode if the code doesn't match CodePattern
// or doesn't decode to a valid base36 integer.
func DecodeCode(code string) (int64, error) {
	if !CodePattern.MatchString(code) {
		return 0, ErrInvalidCode
	}
	id, err := strconv.ParseInt(strings.ToLower(code), 36, 64)
	if err != nil {
		return 0, ErrInvalidCode
	}
	return id, nil
}

// EdgeStore persists ReferralEdge rows and answers the ancestor- and
// descendant-chain queries the fan-out and RP calculations need.
type EdgeStore interface {
	HasReferrer(ctx context.Context, referredID int64) (bool, error)
	CreateEdge(ctx context.Context, edge model.ReferralEdge) error
	Ancestors(ctx context.Context, userID int64, maxDepth int) ([]model.ReferralEdge, error)
	// Descendants returns the edges recorded for referrerID as the referrer
	// (i.e. the users referrerID has, directly or transitively, referred),
	// capped at maxDepth. Used by the RP tier/network formula, which reads
	// a referrer's own L1/L2/L3 network rather than an ancestor chain.
	Descendants(ctx context.Context, referrerID int64, maxDepth int) ([]model.ReferralEdge, error)
}

// MaxDepth is the deepest ancestor tier that still earns a referral share.
const MaxDepth = 3

// Link records referrerID -> referredID at depth 1, plus synthetic depth-2
// and depth-3 edges against referrerID's own ancestors, so a later fan-out
// calculation can walk straight from referredID to all of its paying
// ancestors without a recursive query. Idempotent: a referredID that
// already has a depth-1 edge is left untouched and Link returns
// ErrAlreadyLinked. Cycle-free by construction — referredID is a user that,
// by definition of being newly linked, has no existing referral edges of
// its own to loop back through.
func Link(ctx context.Context, store EdgeStore, referrerID, referredID int64, now time.Time) error {
	if referrerID == referredID {
		return ErrSelfReferral
	}
	exists, err := store.HasReferrer(ctx, referredID)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyLinked
	}

	if err := store.CreateEdge(ctx, model.ReferralEdge{
		ReferrerID: referrerID, ReferredID: referredID, Depth: 1, CreatedAt: now, Active: true,
	}); err != nil {
		return err
	}

	upstream, err := store.Ancestors(ctx, referrerID, MaxDepth-1)
	if err != nil {
		return err
	}
	for _, a := range upstream {
		depth := a.Depth + 1
		if depth > MaxDepth {
			continue
		}
		if err := store.CreateEdge(ctx, model.ReferralEdge{
			ReferrerID: a.ReferrerID, ReferredID: referredID, Depth: depth, CreatedAt: now, Active: true,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Shares computes the per-ancestor FIN bonus for one descendant's mining
// reward, keyed by ancestor user ID. Floors each share to the nearest
// smallest denomination unit, per spec.md §9's explicit-rounding-rule
// requirement — fractional remainders are simply not distributed, same as
// the XP/RP formulas.
func Shares(ancestors []model.ReferralEdge, earnedFIN int64) map[int64]int64 {
	shares := make(map[int64]int64, len(ancestors))
	for _, a := range ancestors {
		if !a.Active {
			continue
		}
		pct := SharePercent(a.Depth)
		if pct <= 0 {
			continue
		}
		amount := int64(float64(earnedFIN) * pct)
		if amount <= 0 {
			continue
		}
		shares[a.ReferrerID] += amount
	}
	return shares
}
