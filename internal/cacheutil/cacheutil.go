// Package cacheutil wraps Redis for the two cross-instance caching needs
// the engine has once it runs as more than one process: a shared
// NetworkSnapshot so every instance's phase gate agrees without all of them
// hammering the users table, and a shared burst counter the anti-abuse
// gate can use to see a user's recent event volume across instances rather
// than just the one that happens to hold their shard lock.
//
// Trimmed from the teacher's internal/cache/upstash_manager.go: the
// options/PoolSize/timeout shape, the JSON-envelope Set/Get, and the
// rate-limit counter pattern are kept; the session/anti-fraud-blob/
// generic-user-cache methods are dropped since this engine has no sessions
// of its own (the Ingestion API is stateless, JWT-authenticated) and no
// free-form per-user blob to cache.
package cacheutil

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bkc-labs/reward-engine/internal/model"
)

// Cache is the surface the rest of the engine depends on, so production
// code can wire *Manager while tests wire the in-memory double below.
type Cache interface {
	SetNetworkSnapshot(ctx context.Context, snap model.NetworkSnapshot) error
	NetworkSnapshot(ctx context.Context) (model.NetworkSnapshot, bool, error)
	IncrementBurst(ctx context.Context, identifier string, window time.Duration) (int, error)
	BurstCount(ctx context.Context, identifier string, window time.Duration) (int, error)
}

type Manager struct {
	client *redis.Client
}

var _ Cache = (*Manager)(nil)

func NewManager(addr, password string) *Manager {
	opt := &redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	}
	return &Manager{client: redis.NewClient(opt)}
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *Manager) Close() error {
	return m.client.Close()
}

func (m *Manager) setJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cacheutil: marshal %s: %w", key, err)
	}
	return m.client.Set(ctx, key, data, ttl).Err()
}

func (m *Manager) getJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := m.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("cacheutil: get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("cacheutil: unmarshal %s: %w", key, err)
	}
	return true, nil
}

const networkSnapshotKey = "reward_engine:network_snapshot"

// SetNetworkSnapshot publishes a freshly refreshed snapshot so every other
// instance's next Refresh-less read can see it immediately instead of
// waiting out its own RefreshInterval.
func (m *Manager) SetNetworkSnapshot(ctx context.Context, snap model.NetworkSnapshot) error {
	return m.setJSON(ctx, networkSnapshotKey, snap, 5*time.Minute)
}

// NetworkSnapshot reads the shared snapshot, if any instance has published
// one recently. Returns found=false on a cache miss, never an error, since
// a miss just means the caller should fall back to its own local snapshot.
func (m *Manager) NetworkSnapshot(ctx context.Context) (model.NetworkSnapshot, bool, error) {
	var snap model.NetworkSnapshot
	found, err := m.getJSON(ctx, networkSnapshotKey, &snap)
	return snap, found, err
}

// burstEntry is the fixed-window counter stored per (user, kind) burst key,
// mirroring the teacher's RateLimitEntry.
type burstEntry struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
}

// IncrementBurst increments the event counter for identifier within the
// current fixed window, resetting it if the window has rolled over, and
// returns the post-increment count. The anti-abuse gate feeds this count
// (scaled against the fixed antiabuse.VelocityLimit) into its human_probability signal
// alongside whatever the configured Scorer itself returns.
func (m *Manager) IncrementBurst(ctx context.Context, identifier string, window time.Duration) (int, error) {
	key := fmt.Sprintf("reward_engine:burst:%s", identifier)

	var entry burstEntry
	found, err := m.getJSON(ctx, key, &entry)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	if !found || now.Sub(entry.WindowStart) >= window {
		entry = burstEntry{Count: 0, WindowStart: now}
	}
	entry.Count++
	if err := m.setJSON(ctx, key, entry, window); err != nil {
		return 0, err
	}
	return entry.Count, nil
}

// BurstCount reads the current window's count without incrementing it, for
// inspection (e.g. enginectl diagnostics).
func (m *Manager) BurstCount(ctx context.Context, identifier string, window time.Duration) (int, error) {
	key := fmt.Sprintf("reward_engine:burst:%s", identifier)
	var entry burstEntry
	found, err := m.getJSON(ctx, key, &entry)
	if err != nil || !found {
		return 0, err
	}
	if time.Since(entry.WindowStart) >= window {
		return 0, nil
	}
	return entry.Count, nil
}
