package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics records ledger operation activity for the Prometheus
// endpoint: request counts by operation and outcome, handler latency, and
// liquidation volume.
type LedgerMetrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	liquidations prometheus.Counter
	accruals     prometheus.Counter
}

var (
	ledgerOnce sync.Once
	ledgerReg  *LedgerMetrics
)

// Ledger returns the lazily-initialised ledger metrics registry. Collectors
// register once against the default registerer regardless of how many
// callers ask for the handle.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerReg = &LedgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditd",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Total ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "creditd",
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for ledger operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			liquidations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "creditd",
				Subsystem: "ledger",
				Name:      "liquidations_total",
				Help:      "Count of completed liquidations.",
			}),
			accruals: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "creditd",
				Subsystem: "ledger",
				Name:      "accruals_total",
				Help:      "Count of persisted interest accruals.",
			}),
		}
		prometheus.MustRegister(
			ledgerReg.operations,
			ledgerReg.latency,
			ledgerReg.liquidations,
			ledgerReg.accruals,
		)
	})
	return ledgerReg
}

// Observe records one ledger operation with its duration and outcome.
func (m *LedgerMetrics) Observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// RecordLiquidation bumps the liquidation counter.
func (m *LedgerMetrics) RecordLiquidation() {
	if m == nil {
		return
	}
	m.liquidations.Inc()
}

// RecordAccrual bumps the accrual counter.
func (m *LedgerMetrics) RecordAccrual() {
	if m == nil {
		return
	}
	m.accruals.Inc()
}
