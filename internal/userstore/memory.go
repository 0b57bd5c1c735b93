package userstore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/bkc-labs/reward-engine/internal/model"
)

// Memory is an in-process Store used by tests and local runs without a
// Postgres instance, mirroring the teacher's own sqlx-skip-if-no-db test
// convention but providing a real implementation instead of skipping.
type Memory struct {
	mu       sync.Mutex
	users    map[int64]model.User
	counters map[string]*model.DailyCounter
}

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[int64]model.User),
		counters: make(map[string]*model.DailyCounter),
	}
}

func (m *Memory) Get(ctx context.Context, userID int64) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) Create(ctx context.Context, userID int64, referrerID *int64) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	u := model.User{
		ID:               userID,
		RPTier:           "explorer",
		HumanProbability: 1.0,
		State:            model.StateUnverified,
		ReferrerID:       referrerID,
	}
	m.users[userID] = u
	return u, nil
}

func (m *Memory) Save(ctx context.Context, u model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func counterKey(userID int64, date string) string {
	return date + ":" + strconv.FormatInt(userID, 10)
}

func (m *Memory) GetDailyCounter(ctx context.Context, userID int64, date string) (*model.DailyCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := counterKey(userID, date)
	if dc, ok := m.counters[key]; ok {
		return cloneCounter(dc), nil
	}
	return model.NewDailyCounter(userID, date), nil
}

func (m *Memory) SaveDailyCounter(ctx context.Context, dc *model.DailyCounter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[counterKey(dc.UserID, dc.Date)] = cloneCounter(dc)
	return nil
}

// CountUsers answers networkstore.Source from the in-memory table, active
// meaning LastActiveAt fell within the last 30 days.
func (m *Memory) CountUsers(ctx context.Context) (total int64, active30d int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := nowFunc().Add(-30 * 24 * time.Hour)
	for _, u := range m.users {
		total++
		if u.LastActiveAt.After(cutoff) {
			active30d++
		}
	}
	return total, active30d, nil
}

// nowFunc is a package-level indirection so CountUsers doesn't hardcode
// time.Now (kept trivial rather than threading a clock.Clock through the
// store, since this is the only place Memory needs wall-clock time).
var nowFunc = time.Now

func cloneCounter(dc *model.DailyCounter) *model.DailyCounter {
	clone := model.NewDailyCounter(dc.UserID, dc.Date)
	clone.CumulativeXP = dc.CumulativeXP
	clone.CumulativeFIN = dc.CumulativeFIN
	for k, v := range dc.KindCounts {
		clone.KindCounts[k] = v
	}
	return clone
}
