// Package observability provides Prometheus metrics for the ledger and its collaborators.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"liquidityLedger/internal/model"
)

// Metrics holds the Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	// Ledger metrics
	Operations        *prometheus.CounterVec
	OperationErrors   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	OpenPositions     prometheus.Gauge

	// Collaborator metrics
	StoreCommitDuration prometheus.Histogram
	RPCCallLatency      *prometheus.HistogramVec
}

// NewMetrics registers every collector with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "liquidity_ledger"
	}
	factory := promauto.With(reg)

	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by operation and outcome",
		}, []string{"op", "outcome"}),
		OperationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operation_errors_total",
			Help:      "Failed ledger operations by operation and error kind",
		}, []string{"op", "kind"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "positions",
			Help:      "Number of position records held by the ledger",
		}),
		StoreCommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "commit_duration_seconds",
			Help:      "Store commit latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		RPCCallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "rpc_call_latency_seconds",
			Help:      "Chain RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// Handler returns an HTTP handler serving the metrics in g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordOperation records one ledger operation and its outcome.
func (m *Metrics) RecordOperation(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
	if err != nil {
		m.Operations.WithLabelValues(op, "error").Inc()
		m.OperationErrors.WithLabelValues(op, model.ErrorKind(err)).Inc()
		return
	}
	m.Operations.WithLabelValues(op, "ok").Inc()
}

// SetPositions updates the position count gauge.
func (m *Metrics) SetPositions(n int) {
	if m == nil {
		return
	}
	m.OpenPositions.Set(float64(n))
}

// RecordCommit records store commit latency.
func (m *Metrics) RecordCommit(started time.Time) {
	if m == nil {
		return
	}
	m.StoreCommitDuration.Observe(time.Since(started).Seconds())
}

// RecordRPCLatency records chain call latency.
func (m *Metrics) RecordRPCLatency(method string, started time.Time) {
	if m == nil {
		return
	}
	m.RPCCallLatency.WithLabelValues(method).Observe(time.Since(started).Seconds())
}
