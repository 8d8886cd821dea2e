package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus registry and the arcsync meters.
type Metrics struct {
	Registry            *prometheus.Registry
	OperationDuration   *prometheus.HistogramVec
	OperationTotal      *prometheus.CounterVec
	MessagesTotal       *prometheus.CounterVec
	MessagesDropped     *prometheus.CounterVec
	Corrections         prometheus.Counter
	TransactionsApplied prometheus.Counter
	InvalidTransactions *prometheus.CounterVec
	PeersConnected      *prometheus.GaugeVec
	ErrorsTotal         *prometheus.CounterVec
}

// NewMetrics creates a custom registry with the sync, storage and
// operation meters registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arcsync_operation_duration_seconds",
			Help:    "Duration of operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		OperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arcsync_operation_total",
			Help: "Total number of operations.",
		}, []string{"operation", "status"}),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arcsync_sync_messages_total",
			Help: "Sync messages exchanged with peers.",
		}, []string{"direction", "action"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arcsync_sync_messages_dropped_total",
			Help: "Incoming sync messages dropped without being applied.",
		}, []string{"reason"}),
		Corrections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arcsync_sync_corrections_total",
			Help: "Known-state corrections received from peers.",
		}),
		TransactionsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arcsync_transactions_applied_total",
			Help: "Transactions appended from peer content.",
		}),
		InvalidTransactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arcsync_invalid_transactions_total",
			Help: "Transactions excluded from materialization.",
		}, []string{"reason"}),
		PeersConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arcsync_peers_connected",
			Help: "Currently connected sync peers.",
		}, []string{"role"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arcsync_errors_total",
			Help: "Total number of errors.",
		}, []string{"operation", "type"}),
	}

	reg.MustRegister(
		m.OperationDuration,
		m.OperationTotal,
		m.MessagesTotal,
		m.MessagesDropped,
		m.Corrections,
		m.TransactionsApplied,
		m.InvalidTransactions,
		m.PeersConnected,
		m.ErrorsTotal,
	)
	return m
}
