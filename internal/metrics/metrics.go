package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type CompletionMetrics struct {
	Completions          *prometheus.CounterVec
	Duration             prometheus.Histogram
	StockCompensations   prometheus.Counter
	CompensationFailures prometheus.Counter
	ExpiredCheckouts     prometheus.Counter
	ApprovedPastExpiry   prometheus.Counter
}

func NewCompletionMetrics() *CompletionMetrics {
	completions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: "completion",
		Name:      "attempts_total",
		Help:      "Checkout completion attempts by outcome.",
	}, []string{"result"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "checkout",
		Subsystem: "completion",
		Name:      "duration_seconds",
		Help:      "Duration of the full completion sequence while holding the lock.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})
	compensations := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: "completion",
		Name:      "stock_compensations_total",
		Help:      "Stock restorations performed after a failed completion attempt.",
	})
	compensationFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: "completion",
		Name:      "compensation_failures_total",
		Help:      "Stock restorations that failed and need out-of-band reconciliation.",
	})
	expired := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: "sweeper",
		Name:      "expired_checkouts_total",
		Help:      "Checkouts moved to EXPIRED by the sweeper.",
	})
	approvedPastExpiry := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: "sweeper",
		Name:      "approved_past_expiry_total",
		Help:      "Overdue checkouts skipped because their payment is already APPROVED and awaiting retry.",
	})

	prometheus.MustRegister(completions, duration, compensations, compensationFailures, expired, approvedPastExpiry)
	return &CompletionMetrics{
		Completions:          completions,
		Duration:             duration,
		StockCompensations:   compensations,
		CompensationFailures: compensationFailures,
		ExpiredCheckouts:     expired,
		ApprovedPastExpiry:   approvedPastExpiry,
	}
}

// Recording goes through nil-safe methods so wiring metrics stays optional
// (tests and the stress tool run without a registry).

func (m *CompletionMetrics) RecordAttempt(result string, seconds float64) {
	if m == nil {
		return
	}
	m.Completions.WithLabelValues(result).Inc()
	m.Duration.Observe(seconds)
}

func (m *CompletionMetrics) RecordStockCompensation() {
	if m == nil {
		return
	}
	m.StockCompensations.Inc()
}

func (m *CompletionMetrics) RecordCompensationFailure() {
	if m == nil {
		return
	}
	m.CompensationFailures.Inc()
}

func (m *CompletionMetrics) RecordExpiredCheckout() {
	if m == nil {
		return
	}
	m.ExpiredCheckouts.Inc()
}

func (m *CompletionMetrics) RecordApprovedPastExpiry() {
	if m == nil {
		return
	}
	m.ApprovedPastExpiry.Inc()
}

func Handler() http.Handler {
	return promhttp.Handler()
}
