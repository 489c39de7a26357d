// Package metrics exposes filtering activity as Prometheus metrics.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haukened/rr-shield/internal/shield/common/log"
	"github.com/haukened/rr-shield/internal/shield/domain"
)

const namespace = "rr_shield"

const (
	engineLabel = "engine"
	sourceLabel = "source"
	resultLabel = "result"
)

// Sync results recorded by ObserveSync.
const (
	SyncApplied     = "applied"
	SyncNotModified = "not_modified"
	SyncNetworkFail = "network_failure"
	SyncCorrupt     = "corrupt"
)

// CacheStatsFunc reports cumulative decision cache counters and its size.
type CacheStatsFunc func() (hits, misses, evictions uint64, size int)

// Metrics defines the Prometheus metrics of the daemon.
type Metrics struct {
	Registry *prometheus.Registry

	blocked  *prometheus.CounterVec
	syncs    *prometheus.CounterVec
	lastSync *prometheus.GaugeVec
	logger   log.Logger
}

// New creates the metrics and registers them on a fresh registry.
func New(logger log.Logger) *Metrics {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		logger:   logger,
	}

	m.blocked = newCounter(reg,
		"blocked_requests_total",
		"Count of requests blocked, labeled by the engine that blocked them.",
		[]string{engineLabel})

	m.syncs = newCounter(reg,
		"rulesync_downloads_total",
		"Count of rule data sync attempts, labeled by source and result.",
		[]string{sourceLabel, resultLabel})

	m.lastSync = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rulesync_last_success_timestamp_seconds",
		Help:      "Unix time of the last applied rule data per source.",
	}, []string{sourceLabel})
	reg.MustRegister(m.lastSync)

	return m
}

func newCounter(reg *prometheus.Registry, name, help string, labels []string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
	reg.MustRegister(counter)
	return counter
}

// OnBlocked counts one blocked request.
func (m *Metrics) OnBlocked(engine domain.EngineKind, _ string) {
	m.blocked.With(prometheus.Labels{engineLabel: engine.String()}).Inc()
}

// ObserveSync counts one sync attempt of source.
func (m *Metrics) ObserveSync(source, result string) {
	m.syncs.With(prometheus.Labels{sourceLabel: source, resultLabel: result}).Inc()
	if result == SyncApplied {
		m.lastSync.With(prometheus.Labels{sourceLabel: source}).Set(float64(time.Now().Unix()))
	}
}

// RegisterCache exports decision cache counters read from stats at scrape
// time.
func (m *Metrics) RegisterCache(stats CacheStatsFunc) error {
	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_cache_hits_total",
			Help:      "Decision cache hits.",
		}, func() float64 { h, _, _, _ := stats(); return float64(h) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_cache_misses_total",
			Help:      "Decision cache misses.",
		}, func() float64 { _, mi, _, _ := stats(); return float64(mi) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_cache_evictions_total",
			Help:      "Decision cache evictions, including purges.",
		}, func() float64 { _, _, e, _ := stats(); return float64(e) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "decision_cache_entries",
			Help:      "Entries currently in the decision cache.",
		}, func() float64 { _, _, _, n := stats(); return float64(n) }),
	}
	for _, c := range collectors {
		if err := m.Registry.Register(c); err != nil {
			return fmt.Errorf("registering cache metrics: %w", err)
		}
	}
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
		ErrorLog:            promLogger{m.logger},
		MaxRequestsInFlight: 5,
		Timeout:             10 * time.Second,
	})
}

type promLogger struct {
	logger log.Logger
}

func (l promLogger) Println(v ...any) {
	l.logger.Warn(map[string]any{"error": fmt.Sprint(v...)}, "metrics_handler_error")
}
