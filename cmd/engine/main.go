// Command engine runs the reward accrual engine: it wires the config,
// Postgres pool, Redis cache, network snapshot refresher, accrual
// coordinator and Ingestion API together and serves until a termination
// signal is received, following the teacher's cmd/server/main.go
// load-env/init-subsystems/serve/graceful-shutdown shape.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/bkc-labs/reward-engine/internal/antiabuse"
	"github.com/bkc-labs/reward-engine/internal/audit"
	"github.com/bkc-labs/reward-engine/internal/cacheutil"
	"github.com/bkc-labs/reward-engine/internal/clock"
	"github.com/bkc-labs/reward-engine/internal/config"
	"github.com/bkc-labs/reward-engine/internal/coordinator"
	"github.com/bkc-labs/reward-engine/internal/httpapi"
	"github.com/bkc-labs/reward-engine/internal/metrics"
	"github.com/bkc-labs/reward-engine/internal/model"
	"github.com/bkc-labs/reward-engine/internal/networkstore"
	"github.com/bkc-labs/reward-engine/internal/ratelimit"
	"github.com/bkc-labs/reward-engine/internal/referral"
	"github.com/bkc-labs/reward-engine/internal/settlement"
	"github.com/bkc-labs/reward-engine/internal/userstore"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("engine: no .env file loaded: %v", err)
	}

	cfgStore := config.NewStore(config.Load())
	cfg := cfgStore.Get()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var users userstore.Store = userstore.NewMemory()
	var edges referral.EdgeStore = referral.NewMemoryStore()
	var auditLog audit.Log = audit.NewMemory()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("engine: failed to connect to Postgres: %v", err)
		}
		defer pool.Close()

		pgUsers := userstore.NewPostgres(pool)
		if err := pgUsers.Migrate(ctx); err != nil {
			log.Fatalf("engine: failed to migrate users: %v", err)
		}
		users = pgUsers

		pgEdges := referral.NewPostgres(pool)
		if err := pgEdges.Migrate(ctx); err != nil {
			log.Fatalf("engine: failed to migrate referral edges: %v", err)
		}
		edges = pgEdges

		pgAudit := audit.NewPostgres(pool)
		if err := pgAudit.Migrate(ctx); err != nil {
			log.Fatalf("engine: failed to migrate audit log: %v", err)
		}
		auditLog = pgAudit
	} else {
		log.Printf("engine: DATABASE_URL not set, falling back to in-memory stores")
	}

	var cache cacheutil.Cache = cacheutil.NewMemory()
	if cfg.RedisURL != "" {
		cache = cacheutil.NewManager(cfg.RedisURL, "")
	}

	net := networkstore.New(&userCountSource{users: users}, func(total int64) model.NetworkPhase {
		phase, _ := cfgStore.Get().PhaseFor(total)
		return model.NetworkPhase(phase)
	}).WithCache(cache)
	if err := net.Refresh(ctx, time.Now()); err != nil {
		log.Printf("engine: initial network refresh failed, starting from default snapshot: %v", err)
	}
	go net.Run(ctx, time.Now)

	m := metrics.New(cfg.MetricsPort)
	if err := m.StartServer(); err != nil {
		log.Printf("engine: metrics server failed to start: %v", err)
	}
	defer m.Shutdown(context.Background())

	gate := antiabuse.NewGate(antiabuse.NewLocal(), cfgStore).WithBurstCache(cache)

	var settle settlement.Adapter = settlement.NewMemory()
	if cfg.SolanaRPCEndpoint != "" && cfg.SolanaAdminWallet != "" {
		log.Printf("engine: Solana settlement adapter requires an admin key; falling back to memory queue until one is provisioned")
	}

	coord := coordinator.New(coordinator.Config{
		ConfigStore: cfgStore,
		Users:       users,
		Network:     net,
		Gate:        gate,
		RateLimit:   ratelimit.NewKindLimiter(),
		Referrals:   edges,
		Audit:       auditLog,
		Settlement:  settle,
		Nonces:      settlement.NewNonceTracker(),
		Metrics:     m,
		Clock:       clock.Real,
	})

	srv := httpapi.New(httpapi.Config{
		Coordinator:    coord,
		Users:          users,
		Referrals:      edges,
		JWTSecret:      cfg.JWTSecret,
		CORSOrigins:    cfg.CORSOrigins,
		Clock:          clock.Real,
		Configs:        cfgStore,
		AdminTokenHash: cfg.AdminTokenHash,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("engine: server failed: %v", err)
		}
	}()
	log.Printf("engine: listening on %s, metrics on :%d", cfg.ListenAddr, cfg.MetricsPort)

	<-ctx.Done()
	log.Printf("engine: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("engine: forced shutdown: %v", err)
	}
	log.Printf("engine: shutdown complete")
}

// userCountSource answers networkstore.Source from whatever user store is
// wired, production Postgres or the in-memory fallback alike.
type userCountSource struct {
	users userstore.Store
}

func (s *userCountSource) CountUsers(ctx context.Context) (int64, int64, error) {
	counter, ok := s.users.(interface {
		CountUsers(ctx context.Context) (int64, int64, error)
	})
	if !ok {
		return 0, 0, nil
	}
	return counter.CountUsers(ctx)
}
