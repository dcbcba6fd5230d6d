// Package metrics exposes daemon counters over the Prometheus text format.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vaultagent"

// Outcomes recorded for handled requests.
const (
	OutcomeOK      = "ok"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

// Metrics owns a private registry so tests and multiple daemons in one
// process do not collide. A nil *Metrics ignores every observation.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	unlocks  *prometheus.CounterVec
	dropped  prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Agent and exchange requests handled, by message type and outcome.",
		}, []string{"type", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from frame receipt to response, including prompts.",
			Buckets:   []float64{.005, .05, .5, 1, 5, 15, 60, 300},
		}, []string{"type"}),
		unlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlocks_total",
			Help:      "Vault unlock attempts by result.",
		}, []string{"result"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Frames dropped before dispatch because they were too short.",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.duration,
		m.unlocks,
		m.dropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRequest records one handled frame.
func (m *Metrics) ObserveRequest(msgType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(msgType, outcome).Inc()
	m.duration.WithLabelValues(msgType).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveUnlock(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.unlocks.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDroppedFrame() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

// RegisterSession exports whether the vault session is unlocked and the
// seconds left before it locks.
func (m *Metrics) RegisterSession(unlocked func() bool, remaining func() time.Duration) {
	if m == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_unlocked",
			Help:      "1 when a vault session is live.",
		}, func() float64 {
			if unlocked() {
				return 1
			}
			return 0
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_remaining_seconds",
			Help:      "Seconds until the live session auto-locks, 0 when locked or without timeout.",
		}, func() float64 {
			return remaining().Seconds()
		}),
	)
}

// ItemStats is satisfied by cache.Items.
type ItemStats interface {
	Stats() (size int, hits, misses int64, inflight int)
}

// RegisterItemCache exports the vault item cache counters.
func (m *Metrics) RegisterItemCache(stats ItemStats) {
	if m == nil {
		return
	}
	m.registry.MustRegister(&itemCollector{
		stats: stats,
		size: prometheus.NewDesc(prometheus.BuildFQName(namespace, "item_cache", "size"),
			"Vault items currently cached.", nil, nil),
		hits: prometheus.NewDesc(prometheus.BuildFQName(namespace, "item_cache", "hits_total"),
			"Item cache lookups served from memory.", nil, nil),
		misses: prometheus.NewDesc(prometheus.BuildFQName(namespace, "item_cache", "misses_total"),
			"Item cache lookups that went to the vault.", nil, nil),
		inflight: prometheus.NewDesc(prometheus.BuildFQName(namespace, "item_cache", "inflight"),
			"Vault listings in progress.", nil, nil),
	})
}

type itemCollector struct {
	stats                         ItemStats
	size, hits, misses, inflight *prometheus.Desc
}

func (c *itemCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.hits
	ch <- c.misses
	ch <- c.inflight
}

func (c *itemCollector) Collect(ch chan<- prometheus.Metric) {
	size, hits, misses, inflight := c.stats.Stats()
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(size))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(misses))
	ch <- prometheus.MustNewConstMetric(c.inflight, prometheus.GaugeValue, float64(inflight))
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return m.serve(ctx, ln, logger)
}

func (m *Metrics) serve(ctx context.Context, ln net.Listener, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "component", "metrics", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
