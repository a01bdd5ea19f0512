// Package metrics exposes Prometheus collectors for the loyalty engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine collectors on a private registry. A nil *Metrics
// records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	eventsIngested *prometheus.CounterVec
	consumerErrors *prometheus.CounterVec
	pointsBooked   *prometheus.CounterVec
	rewardsIssued  *prometheus.CounterVec
	spins          *prometheus.CounterVec
	sweepRows      *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDurations  *prometheus.HistogramVec
}

// New creates and registers the engine collectors under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "loyalty"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Domain events accepted by type and outcome.",
		}, []string{"type", "outcome"}),
		consumerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_errors_total",
			Help:      "Event consumer failures by consumer.",
		}, []string{"consumer"}),
		pointsBooked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_booked_total",
			Help:      "Absolute points written to ledgers by transaction type.",
		}, []string{"type"}),
		rewardsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewards_issued_total",
			Help:      "Reward issuance requests by source and reward type.",
		}, []string{"source", "reward_type"}),
		spins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spins_total",
			Help:      "Spin attempts by wheel and outcome.",
		}, []string{"wheel", "outcome"}),
		sweepRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_rows_total",
			Help:      "Rows changed by expiry sweeps.",
		}, []string{"sweep"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	m.registry.MustRegister(
		m.eventsIngested,
		m.consumerErrors,
		m.pointsBooked,
		m.rewardsIssued,
		m.spins,
		m.sweepRows,
		m.httpRequests,
		m.httpDurations,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.eventsIngested.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) IncConsumerError(consumer string) {
	if m == nil {
		return
	}
	m.consumerErrors.WithLabelValues(consumer).Inc()
}

func (m *Metrics) AddPoints(txType string, amount float64) {
	if m == nil || amount == 0 {
		return
	}
	if amount < 0 {
		amount = -amount
	}
	m.pointsBooked.WithLabelValues(txType).Add(amount)
}

func (m *Metrics) IncReward(source, rewardType string) {
	if m == nil {
		return
	}
	m.rewardsIssued.WithLabelValues(source, rewardType).Inc()
}

func (m *Metrics) ObserveSpin(wheelID, outcome string) {
	if m == nil {
		return
	}
	m.spins.WithLabelValues(wheelID, outcome).Inc()
}

func (m *Metrics) AddSweepRows(sweep string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepRows.WithLabelValues(sweep).Add(float64(n))
}

func (m *Metrics) ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDurations.WithLabelValues(route, method).Observe(elapsed.Seconds())
}
