// Package metrics exposes the reward engine's Prometheus surface, trimmed
// from the teacher's internal/monitoring/prometheus_metrics.go down to the
// gauges/counters/histograms relevant to accrual and settlement: the
// business-metrics/performance-metrics/system-metrics grouping and the
// own-registry-plus-StartServer/Shutdown lifecycle are kept as-is; the
// game/NFT/payment-chain metric groups are dropped since this engine has
// no games, NFTs or inbound payment chains.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry
	server   *http.Server
	port     int

	activeUsers       prometheus.Gauge
	dailyActiveUsers  prometheus.Gauge
	networkPhase      prometheus.Gauge
	eventsCredited    *prometheus.CounterVec
	eventsRejected    *prometheus.CounterVec
	miningRate        prometheus.Histogram
	xpGain            prometheus.Histogram
	settlementQueue   prometheus.Gauge
	settlementSuccess prometheus.Counter
	settlementFailure prometheus.Counter

	requestDuration *prometheus.HistogramVec
	requestCount    *prometheus.CounterVec

	dbQueryDuration *prometheus.HistogramVec
	dbErrors        *prometheus.CounterVec

	goroutineCount prometheus.Gauge
	memoryUsage    prometheus.Gauge
}

func New(port int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		port:     port,
	}
	m.initialize()
	m.register()
	return m
}

func (m *Metrics) initialize() {
	m.activeUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reward_engine_active_users", Help: "Cached active-users-30d from the network snapshot.",
	})
	m.dailyActiveUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reward_engine_daily_active_users", Help: "Users with at least one credited event today.",
	})
	m.networkPhase = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reward_engine_network_phase", Help: "Current network phase (1-4).",
	})
	m.eventsCredited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_engine_events_credited_total", Help: "Activity events successfully credited, by kind.",
	}, []string{"kind"})
	m.eventsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_engine_events_rejected_total", Help: "Activity events rejected, by reason.",
	}, []string{"reason"})
	m.miningRate = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "reward_engine_mining_rate_fin_per_hour", Help: "Distribution of computed mining rates.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	m.xpGain = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "reward_engine_xp_gain", Help: "Distribution of XP awarded per credited event.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})
	m.settlementQueue = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reward_engine_settlement_queue_depth", Help: "Users with a pending settlement above threshold.",
	})
	m.settlementSuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reward_engine_settlement_success_total", Help: "Settlement submissions accepted by the adapter.",
	})
	m.settlementFailure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reward_engine_settlement_failure_total", Help: "Settlement submissions rejected by the adapter.",
	})

	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "reward_engine_http_request_duration_seconds", Help: "Ingestion API request latency.",
	}, []string{"method", "route", "status"})
	m.requestCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_engine_http_requests_total", Help: "Ingestion API requests served.",
	}, []string{"method", "route", "status"})

	m.dbQueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "reward_engine_db_query_duration_seconds", Help: "Store query latency, by operation.",
	}, []string{"op"})
	m.dbErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_engine_db_errors_total", Help: "Store errors, by operation.",
	}, []string{"op"})

	m.goroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reward_engine_goroutines", Help: "Current goroutine count.",
	})
	m.memoryUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reward_engine_memory_bytes", Help: "Current process heap allocation.",
	})
}

func (m *Metrics) register() {
	collectors := []prometheus.Collector{
		m.activeUsers, m.dailyActiveUsers, m.networkPhase,
		m.eventsCredited, m.eventsRejected, m.miningRate, m.xpGain,
		m.settlementQueue, m.settlementSuccess, m.settlementFailure,
		m.requestDuration, m.requestCount,
		m.dbQueryDuration, m.dbErrors,
		m.goroutineCount, m.memoryUsage,
	}
	for _, c := range collectors {
		m.registry.MustRegister(c)
	}
}

func (m *Metrics) StartServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.server = &http.Server{Addr: fmt.Sprintf(":%d", m.port), Handler: mux}
	go func() {
		_ = m.server.ListenAndServe()
	}()
	return nil
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

func (m *Metrics) ObserveEventCredited(kind string) {
	m.eventsCredited.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveEventRejected(reason string) {
	m.eventsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveMiningRate(rate float64) {
	m.miningRate.Observe(rate)
}

func (m *Metrics) ObserveXPGain(xp int64) {
	m.xpGain.Observe(float64(xp))
}

func (m *Metrics) SetSettlementQueueDepth(n float64) {
	m.settlementQueue.Set(n)
}

func (m *Metrics) ObserveSettlement(success bool) {
	if success {
		m.settlementSuccess.Inc()
	} else {
		m.settlementFailure.Inc()
	}
}

func (m *Metrics) SetActiveUsers(n float64)      { m.activeUsers.Set(n) }
func (m *Metrics) SetDailyActiveUsers(n float64) { m.dailyActiveUsers.Set(n) }
func (m *Metrics) SetNetworkPhase(n float64)     { m.networkPhase.Set(n) }

func (m *Metrics) ObserveHTTPRequest(method, route, status string, d time.Duration) {
	m.requestDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
	m.requestCount.WithLabelValues(method, route, status).Inc()
}

func (m *Metrics) ObserveDBQuery(op string, d time.Duration) {
	m.dbQueryDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) RecordDBError(op string) {
	m.dbErrors.WithLabelValues(op).Inc()
}

// CollectSystemMetrics samples goroutine count and heap usage, mirroring
// the teacher's CollectSystemMetrics. Intended to be called on a ticker.
func (m *Metrics) CollectSystemMetrics() {
	m.goroutineCount.Set(float64(runtime.NumGoroutine()))
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.memoryUsage.Set(float64(mem.Alloc))
}
