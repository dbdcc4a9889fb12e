package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lendingdash"

var (
	txflowMetricsOnce sync.Once
	txflowRegistry    *TxFlowMetrics

	apiMetricsOnce sync.Once
	apiRegistry    *APIMetrics

	feedMetricsOnce sync.Once
	feedRegistry    *FeedMetrics
)

// TxFlowMetrics wraps collectors tracking transaction orchestration.
type TxFlowMetrics struct {
	preparations  *prometheus.CounterVec
	submissions   *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	settleLatency *prometheus.HistogramVec
	inFlight      *prometheus.GaugeVec
	loadingDepth  prometheus.Gauge
	notifications *prometheus.CounterVec
	transitions   *prometheus.CounterVec
}

// TxFlow exposes the lazily initialised orchestration metrics registry.
func TxFlow() *TxFlowMetrics {
	txflowMetricsOnce.Do(func() {
		txflowRegistry = &TxFlowMetrics{
			preparations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "txflow",
				Name:      "preparations_total",
				Help:      "Call preparations segmented by kind and result.",
			}, []string{"kind", "result"}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "txflow",
				Name:      "submissions_total",
				Help:      "Transactions handed to the provider segmented by kind and result.",
			}, []string{"kind", "result"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "txflow",
				Name:      "settlements_total",
				Help:      "Terminal settlement observations segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			settleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "txflow",
				Name:      "settlement_latency_seconds",
				Help:      "Time from submission to terminal outcome.",
				Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
			}, []string{"kind"}),
			inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "txflow",
				Name:      "in_flight",
				Help:      "Transactions currently awaiting settlement.",
			}, []string{"kind"}),
			loadingDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "txflow",
				Name:      "loading_depth",
				Help:      "Number of leases currently holding the global loading indicator open.",
			}),
			notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "txflow",
				Name:      "notifications_total",
				Help:      "User notifications emitted segmented by level.",
			}, []string{"level"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "txflow",
				Name:      "liquidation_transitions_total",
				Help:      "Liquidation state machine transitions.",
			}, []string{"from", "to"}),
		}
		prometheus.MustRegister(
			txflowRegistry.preparations,
			txflowRegistry.submissions,
			txflowRegistry.settlements,
			txflowRegistry.settleLatency,
			txflowRegistry.inFlight,
			txflowRegistry.loadingDepth,
			txflowRegistry.notifications,
			txflowRegistry.transitions,
		)
	})
	return txflowRegistry
}

// RecordPreparation counts a prepare attempt.
func (m *TxFlowMetrics) RecordPreparation(kind string, ok bool) {
	if m == nil {
		return
	}
	m.preparations.WithLabelValues(label(kind), result(ok)).Inc()
}

// RecordSubmission counts a submit attempt.
func (m *TxFlowMetrics) RecordSubmission(kind string, ok bool) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(label(kind), result(ok)).Inc()
}

// RecordSettlement counts a terminal outcome and, when known, its latency.
// Outcomes should be stable strings such as "succeeded", "reverted", or
// "timeout".
func (m *TxFlowMetrics) RecordSettlement(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(label(kind), label(outcome)).Inc()
	if d > 0 {
		m.settleLatency.WithLabelValues(label(kind)).Observe(d.Seconds())
	}
}

// AddInFlight adjusts the in-flight gauge by delta.
func (m *TxFlowMetrics) AddInFlight(kind string, delta float64) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(label(kind)).Add(delta)
}

// SetLoadingDepth records the current loading lease count.
func (m *TxFlowMetrics) SetLoadingDepth(depth int) {
	if m == nil {
		return
	}
	m.loadingDepth.Set(float64(depth))
}

// RecordNotification counts an emitted notification.
func (m *TxFlowMetrics) RecordNotification(level string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(label(level)).Inc()
}

// RecordTransition counts a liquidation state change.
func (m *TxFlowMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(from), label(to)).Inc()
}

// APIMetrics records dashboard HTTP API activity.
type APIMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	throttle *prometheus.CounterVec
}

// API returns the lazily initialised HTTP API metrics registry.
func API() *APIMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &APIMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route, method, and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttle: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Requests rejected by the mutation rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttle,
		)
	})
	return apiRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *APIMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = label(route)
	method = label(method)
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle counts a rate-limited request.
func (m *APIMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttle.WithLabelValues(label(route)).Inc()
}

// FeedMetrics tracks the candidate data feed.
type FeedMetrics struct {
	refreshes  *prometheus.CounterVec
	candidates prometheus.Gauge
}

// Feed returns the lazily initialised feed metrics registry.
func Feed() *FeedMetrics {
	feedMetricsOnce.Do(func() {
		feedRegistry = &FeedMetrics{
			refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "feed",
				Name:      "refreshes_total",
				Help:      "Feed refresh attempts segmented by result.",
			}, []string{"result"}),
			candidates: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "feed",
				Name:      "candidates",
				Help:      "Liquidation candidates in the latest refresh.",
			}),
		}
		prometheus.MustRegister(feedRegistry.refreshes, feedRegistry.candidates)
	})
	return feedRegistry
}

// RecordRefresh counts a refresh and, on success, the candidate count.
func (m *FeedMetrics) RecordRefresh(candidates int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.refreshes.WithLabelValues("error").Inc()
		return
	}
	m.refreshes.WithLabelValues("success").Inc()
	m.candidates.Set(float64(candidates))
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
