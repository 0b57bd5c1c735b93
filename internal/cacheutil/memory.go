package cacheutil

import (
	"context"
	"sync"
	"time"

	"github.com/bkc-labs/reward-engine/internal/model"
)

// Memory is an in-process stand-in for Manager, used by tests and by any
// single-instance deployment that runs without Redis configured.
type Memory struct {
	mu       sync.Mutex
	snapshot *model.NetworkSnapshot
	bursts   map[string]burstEntry
}

func NewMemory() *Memory {
	return &Memory{bursts: make(map[string]burstEntry)}
}

var _ Cache = (*Memory)(nil)

func (m *Memory) SetNetworkSnapshot(ctx context.Context, snap model.NetworkSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := snap
	m.snapshot = &cp
	return nil
}

func (m *Memory) NetworkSnapshot(ctx context.Context) (model.NetworkSnapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot == nil {
		return model.NetworkSnapshot{}, false, nil
	}
	return *m.snapshot, true, nil
}

func (m *Memory) IncrementBurst(ctx context.Context, identifier string, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	entry, ok := m.bursts[identifier]
	if !ok || now.Sub(entry.WindowStart) >= window {
		entry = burstEntry{WindowStart: now}
	}
	entry.Count++
	m.bursts[identifier] = entry
	return entry.Count, nil
}

func (m *Memory) BurstCount(ctx context.Context, identifier string, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.bursts[identifier]
	if !ok || time.Since(entry.WindowStart) >= window {
		return 0, nil
	}
	return entry.Count, nil
}
