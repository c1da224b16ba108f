// Package metrics содержит Prometheus-метрики сервиса.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gophermart"

// Metrics хранит собственный реестр и коллекторы сервиса.
// Методы безопасно вызывать на nil.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	rewards      *prometheus.CounterVec
	rewardPoints *prometheus.CounterVec
	ledger       *prometheus.CounterVec

	scanRuns     *prometheus.CounterVec
	scanDuration prometheus.Histogram
	flags        *prometheus.CounterVec

	notifications *prometheus.CounterVec
}

// New создаёт и регистрирует коллекторы.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "route"}),
		rewards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rewards",
			Name:      "operations_total",
			Help:      "Reward issuance and reversal outcomes.",
		}, []string{"operation", "reason", "result"}),
		rewardPoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rewards",
			Name:      "points_total",
			Help:      "Points moved by issued and reversed rewards.",
		}, []string{"operation", "reason"}),
		ledger: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "rejections_total",
			Help:      "Ledger appends rejected by balance or validation rules.",
		}, []string{"reason"}),
		scanRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fraud",
			Name:      "scans_total",
			Help:      "Fraud scan runs by outcome.",
		}, []string{"result"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fraud",
			Name:      "scan_duration_seconds",
			Help:      "Duration of fraud scan runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		flags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fraud",
			Name:      "flags_created_total",
			Help:      "Fraud flags created by rule.",
		}, []string{"rule"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Reward notification deliveries by outcome.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.rewards,
		m.rewardPoints,
		m.ledger,
		m.scanRuns,
		m.scanDuration,
		m.flags,
		m.notifications,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	return m
}

// Registry возвращает реестр; используется в тестах.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler отдаёт метрики в формате Prometheus.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RewardIssued учитывает итог выдачи награды.
func (m *Metrics) RewardIssued(reason, result string, amount int64) {
	if m == nil {
		return
	}
	m.rewards.WithLabelValues("issue", reason, result).Inc()
	if result == "issued" {
		m.rewardPoints.WithLabelValues("issue", reason).Add(float64(amount))
	}
}

// RewardReversed учитывает отмену награды.
func (m *Metrics) RewardReversed(reason string, amount int64) {
	if m == nil {
		return
	}
	m.rewards.WithLabelValues("reverse", reason, "reversed").Inc()
	m.rewardPoints.WithLabelValues("reverse", reason).Add(float64(amount))
}

// LedgerRejected учитывает отклонённую запись журнала.
func (m *Metrics) LedgerRejected(reason string) {
	if m == nil {
		return
	}
	m.ledger.WithLabelValues(reason).Inc()
}

// ScanFinished учитывает прогон сканера антифрода.
func (m *Metrics) ScanFinished(result string, duration time.Duration, flagsByRule map[string]int) {
	if m == nil {
		return
	}
	m.scanRuns.WithLabelValues(result).Inc()
	m.scanDuration.Observe(duration.Seconds())
	for rule, n := range flagsByRule {
		m.flags.WithLabelValues(rule).Add(float64(n))
	}
}

// NotificationDelivered учитывает доставку уведомления.
func (m *Metrics) NotificationDelivered(ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "delivered"
	}
	m.notifications.WithLabelValues(result).Inc()
}

// InstrumentHandler собирает метрики HTTP-запросов. Маршрут берётся из шаблона chi.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		method := strings.ToUpper(r.Method)

		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
