// Package config loads the engine's immutable, versioned parameter set from
// the environment, following the env-var-with-defaults style of the
// teacher's internal/config/config.go (mustEnv/envInt64/envFloat64/envBool
// helpers). Config is reloaded behind an atomic.Pointer so readers never
// observe a half-updated value (spec.md §9: "global singletons... become a
// read-mostly Config with atomic swap on reload").
package config

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

// PhaseTable holds the base rate, finizen bonus and daily FIN cap for one
// network phase, per spec.md §4.1.
type PhaseTable struct {
	UserThreshold int64 // total_users below which this phase applies (0 = no upper bound, i.e. phase 4)
	BaseRate      float64
	FinizenBonus  float64
	DailyCapFIN   float64
}

// Config is the immutable parameter set. A new Config is constructed wholesale
// on reload; existing holders of a *Config see a consistent, unchanging view.
type Config struct {
	// Phase thresholds, in ascending total_users order. Phase is sticky:
	// callers must never move network phase backwards even if total_users
	// later reads lower (stale snapshot, correction, etc).
	Phases []PhaseTable

	RegressionKHoldings float64 // k_holdings, exp(-k*fin_balance) in mining rate
	RegressionKLevel    float64 // k_level, exp(-k*level) in XP gain
	RegressionKNetwork  float64 // k_net, exp(-k*network_size*network_quality) in RP value

	DailyCaps map[string]DailyCap

	SettlementThresholdFIN int64 // pending FIN that triggers a settlement request

	AntiBotHardThreshold float64 // reject below this human_probability
	AntiBotSoftThreshold float64 // privileged actions rejected below this

	WorkerPoolSize  int
	ShardCount      int // per-user lock shards, power of two
	QueueHighWater  int

	TapDeadlineMS int64 // default per-task deadline

	DatabaseURL string
	RedisURL    string
	ListenAddr  string

	JWTSecret         string
	AdminTokenHash    string
	CORSOrigins       []string

	SolanaRPCEndpoint string
	SolanaAdminWallet string

	MetricsPort int
}

// DailyCap is the per-kind daily count limit and the base XP/hourly rate
// limit window used to convert it into a sliding-window rate (spec.md §4.2).
type DailyCap struct {
	BaseXP        int
	PlatformMax   int // daily count limit; 0 means unlimited
	HourlyWindow  int // N events per hour accepted by the rate-limit layer
}

// DefaultPhases returns the phase table from spec.md §4.1.
func DefaultPhases() []PhaseTable {
	return []PhaseTable{
		{UserThreshold: 100_000, BaseRate: 0.1, FinizenBonus: 2.0, DailyCapFIN: 4.8},
		{UserThreshold: 1_000_000, BaseRate: 0.05, FinizenBonus: 1.5, DailyCapFIN: 1.8},
		{UserThreshold: 10_000_000, BaseRate: 0.025, FinizenBonus: 1.2, DailyCapFIN: 0.72},
		{UserThreshold: 0, BaseRate: 0.01, FinizenBonus: 1.0, DailyCapFIN: 0.24}, // phase 4, no upper bound
	}
}

// DefaultDailyCaps returns the per-kind base XP and daily-count limits from
// spec.md §4.1. HourlyWindow approximates the daily PlatformMax spread
// across a day (rounded up), per spec.md §4.2's "daily limits converted to
// hourly" rate-limit layer; kinds with no daily cap get a generous hourly
// ceiling instead of an unbounded window.
func DefaultDailyCaps() map[string]DailyCap {
	hourly := func(dailyLimit int) int {
		if dailyLimit <= 0 {
			return 1000
		}
		w := dailyLimit/24 + 1
		if w < 1 {
			w = 1
		}
		return w
	}
	caps := map[string]DailyCap{
		"post":         {BaseXP: 50, PlatformMax: 0},
		"photo":        {BaseXP: 75, PlatformMax: 20},
		"video":        {BaseXP: 150, PlatformMax: 10},
		"story":        {BaseXP: 25, PlatformMax: 50},
		"comment":      {BaseXP: 25, PlatformMax: 100},
		"like":         {BaseXP: 5, PlatformMax: 200},
		"share":        {BaseXP: 15, PlatformMax: 50},
		"follow":       {BaseXP: 20, PlatformMax: 25},
		"daily-login":  {BaseXP: 10, PlatformMax: 1},
		"quest":        {BaseXP: 100, PlatformMax: 3},
	}
	for k, v := range caps {
		v.HourlyWindow = hourly(v.PlatformMax)
		caps[k] = v
	}
	return caps
}

// PlatformMultipliers from spec.md §4.1.
func PlatformMultipliers() map[string]float64 {
	return map[string]float64{
		"tiktok": 1.3, "instagram": 1.2, "youtube": 1.4,
		"facebook": 1.1, "x": 1.2, "internal": 1.0,
	}
}

func mustEnv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat64(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return n
}

func envInt(key string, def int) int {
	return int(envInt64(key, int64(def)))
}

func parseCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load builds a Config from the environment, falling back to the spec's
// defaults for every reward-math parameter (these are not meant to be
// casually overridden in production, but env overrides let operators tune
// rollout behavior without a rebuild).
func Load() *Config {
	return &Config{
		Phases:                 DefaultPhases(),
		RegressionKHoldings:    envFloat64("REGRESSION_K_HOLDINGS", 1e-3),
		RegressionKLevel:       envFloat64("REGRESSION_K_LEVEL", 1e-2),
		RegressionKNetwork:     envFloat64("REGRESSION_K_NETWORK", 1e-4),
		DailyCaps:              DefaultDailyCaps(),
		SettlementThresholdFIN: envInt64("SETTLEMENT_THRESHOLD_FIN", 100), // 0.1 FIN at calculator.FINScale=1000
		AntiBotHardThreshold:   envFloat64("ANTI_BOT_HARD_THRESHOLD", 0.5),
		AntiBotSoftThreshold:   envFloat64("ANTI_BOT_SOFT_THRESHOLD", 0.7),
		WorkerPoolSize:         envInt("WORKER_POOL_SIZE", 32),
		ShardCount:             envInt("SHARD_COUNT", 256),
		QueueHighWater:         envInt("QUEUE_HIGH_WATER", 10_000),
		TapDeadlineMS:          envInt64("TASK_DEADLINE_MS", 5000),
		DatabaseURL:            mustEnv("DATABASE_URL", ""),
		RedisURL:               mustEnv("REDIS_URL", ""),
		ListenAddr:             mustEnv("LISTEN_ADDR", ":8080"),
		JWTSecret:              mustEnv("JWT_SECRET", "dev-insecure-secret-change-me"),
		AdminTokenHash:         mustEnv("ADMIN_TOKEN_HASH", ""),
		CORSOrigins:            parseCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),
		SolanaRPCEndpoint:      mustEnv("SOLANA_RPC_ENDPOINT", "https://api.mainnet-beta.solana.com"),
		SolanaAdminWallet:      mustEnv("SOLANA_ADMIN_WALLET", ""),
		MetricsPort:            envInt("METRICS_PORT", 9090),
	}
}

// PhaseFor returns the phase table entry matching totalUsers, per the
// thresholds in spec.md §4.1. Phase assignment here is a pure function of
// totalUsers; stickiness (never regressing) is the caller's responsibility
// — networkstore.Store keeps model.NetworkSnapshot.CurrentPhase from
// regressing, and the coordinator never prices a credit below it.
func (c *Config) PhaseFor(totalUsers int64) (phase int, table PhaseTable) {
	for i, p := range c.Phases {
		if p.UserThreshold == 0 || totalUsers < p.UserThreshold {
			return i + 1, p
		}
	}
	last := c.Phases[len(c.Phases)-1]
	return len(c.Phases), last
}

// Store is an atomically-swappable Config reference, letting a background
// reload (e.g. the HTTP API's POST /admin/config/reload) replace the whole parameter set
// without readers ever observing a torn value.
type Store struct {
	ptr atomic.Pointer[Config]
}

func NewStore(initial *Config) *Store {
	s := &Store{}
	s.ptr.Store(initial)
	return s
}

func (s *Store) Get() *Config { return s.ptr.Load() }

func (s *Store) Swap(next *Config) { s.ptr.Store(next) }
