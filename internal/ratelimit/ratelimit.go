// Package ratelimit enforces spec.md §4.2's per-(user, kind) rate limiting
// and the transport-level IP guard, adapted from the teacher's
// internal/security/guard.go token-bucket algorithm. The per-kind limiter
// swaps the teacher's hand-rolled bucket for golang.org/x/time/rate, since
// the per-kind hourly windows here are a straight rate.Limiter use case; the
// IP guard keeps the teacher's own bucket/ban bookkeeping because it needs
// the auth-fail-threshold banning behavior x/time/rate doesn't provide.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bkc-labs/reward-engine/internal/config"
	"github.com/bkc-labs/reward-engine/internal/model"
)

// KindLimiter enforces one rate.Limiter per (user, kind), sized from the
// kind's config.DailyCap.HourlyWindow so a burst of activity in one hour
// can't blow through the day's PlatformMax ahead of schedule.
type KindLimiter struct {
	mu          sync.Mutex
	limiters    map[int64]map[model.ActivityKind]*rate.Limiter
	lastCleanup time.Time
	entryTTL    time.Duration
}

func NewKindLimiter() *KindLimiter {
	return &KindLimiter{
		limiters:    make(map[int64]map[model.ActivityKind]*rate.Limiter),
		lastCleanup: time.Now(),
		entryTTL:    30 * time.Minute,
	}
}

// Allow reports whether userID may perform one more event of kind right now,
// given cap's hourly window. A cap with PlatformMax == 0 (no daily limit) is
// always allowed.
func (k *KindLimiter) Allow(userID int64, kind model.ActivityKind, cap config.DailyCap, now time.Time) bool {
	if cap.PlatformMax <= 0 {
		return true
	}
	lim := k.limiterFor(userID, kind, cap, now)
	return lim.AllowN(now, 1)
}

func (k *KindLimiter) limiterFor(userID int64, kind model.ActivityKind, cap config.DailyCap, now time.Time) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.cleanupLocked(now)

	perUser, ok := k.limiters[userID]
	if !ok {
		perUser = make(map[model.ActivityKind]*rate.Limiter)
		k.limiters[userID] = perUser
	}
	lim, ok := perUser[kind]
	if !ok {
		ratePerSec := float64(cap.HourlyWindow) / 3600.0
		lim = rate.NewLimiter(rate.Limit(ratePerSec), cap.HourlyWindow)
		perUser[kind] = lim
	}
	return lim
}

// cleanupLocked, at most once per entryTTL, discards every per-user limiter
// map once more than 100,000 users are tracked, loosely mirroring the
// teacher's cleanupLocked in guard.go. rate.Limiter carries no LastSeen
// itself, so idle users are not tracked individually: entries accumulate
// until the whole table is dropped, and limiters are rebuilt lazily (with a
// full burst) on next use.
func (k *KindLimiter) cleanupLocked(now time.Time) {
	if now.Sub(k.lastCleanup) < k.entryTTL {
		return
	}
	k.lastCleanup = now
	if len(k.limiters) > 100_000 {
		k.limiters = make(map[int64]map[model.ActivityKind]*rate.Limiter)
	}
}

// --- Transport-level IP guard, adapted from guard.go's allowIP/bucket/ban ---

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

type failState struct {
	count      int
	windowFrom time.Time
	lastSeen   time.Time
}

// IPGuard rate-limits and bans by client IP ahead of the ingestion API,
// grounded in the teacher's Guard (internal/security/guard.go): same
// token-bucket refill math, same auth-fail-threshold-triggers-ban behavior.
type IPGuard struct {
	rate  float64
	burst float64

	authFailWindow    time.Duration
	authFailThreshold int
	banDuration       time.Duration
	entryTTL          time.Duration

	mu          sync.Mutex
	buckets     map[string]*bucket
	authFails   map[string]*failState
	bannedUntil map[string]time.Time
	lastCleanup time.Time
}

func NewIPGuard(ratePerSec, burst float64, authFailWindow time.Duration, authFailThreshold int, banDuration time.Duration) *IPGuard {
	if ratePerSec < 1 {
		ratePerSec = 1
	}
	if burst < ratePerSec {
		burst = ratePerSec * 2
	}
	return &IPGuard{
		rate:              ratePerSec,
		burst:             burst,
		authFailWindow:    authFailWindow,
		authFailThreshold: authFailThreshold,
		banDuration:       banDuration,
		entryTTL:          15 * time.Minute,
		buckets:           make(map[string]*bucket),
		authFails:         make(map[string]*failState),
		bannedUntil:       make(map[string]time.Time),
		lastCleanup:       time.Now(),
	}
}

func (g *IPGuard) IsBanned(ip string, now time.Time) bool {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.bannedUntil[ip]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(g.bannedUntil, ip)
		return false
	}
	return true
}

// Allow reports whether ip may make one more request right now.
func (g *IPGuard) Allow(ip string, now time.Time) bool {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleanupLocked(now)

	if until, ok := g.bannedUntil[ip]; ok {
		if now.Before(until) {
			return false
		}
		delete(g.bannedUntil, ip)
	}

	b := g.buckets[ip]
	if b == nil {
		b = &bucket{tokens: g.burst, lastSeen: now}
		g.buckets[ip] = b
	}
	allow := allowBucket(b, now, g.rate, g.burst)
	b.lastSeen = now
	return allow
}

// RecordAuthFail accumulates a failed-auth count within the window and bans
// the IP once the threshold is hit, per the teacher's RecordAuthFail.
func (g *IPGuard) RecordAuthFail(ip string, now time.Time) {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleanupLocked(now)

	fs := g.authFails[ip]
	if fs == nil {
		fs = &failState{windowFrom: now, lastSeen: now}
		g.authFails[ip] = fs
	}
	if now.Sub(fs.windowFrom) > g.authFailWindow {
		fs.count = 0
		fs.windowFrom = now
	}
	fs.count++
	fs.lastSeen = now
	if fs.count >= g.authFailThreshold {
		g.bannedUntil[ip] = now.Add(g.banDuration)
		fs.count = 0
		fs.windowFrom = now
	}
}

func allowBucket(b *bucket, now time.Time, ratePerSec, burst float64) bool {
	if ratePerSec <= 0 {
		return true
	}
	if burst <= 0 {
		burst = ratePerSec
	}
	if b.tokens > burst {
		b.tokens = burst
	}
	elapsed := now.Sub(b.lastSeen).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * ratePerSec
		if b.tokens > burst {
			b.tokens = burst
		}
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (g *IPGuard) cleanupLocked(now time.Time) {
	if now.Sub(g.lastCleanup) < 30*time.Second {
		return
	}
	g.lastCleanup = now
	for ip, b := range g.buckets {
		if b == nil || now.Sub(b.lastSeen) > g.entryTTL {
			delete(g.buckets, ip)
		}
	}
	for ip, fs := range g.authFails {
		if fs == nil || now.Sub(fs.lastSeen) > g.entryTTL {
			delete(g.authFails, ip)
		}
	}
	for ip, until := range g.bannedUntil {
		if now.After(until) {
			delete(g.bannedUntil, ip)
		}
	}
}
