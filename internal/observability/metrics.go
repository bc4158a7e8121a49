package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/objlink/objlink/internal/wire"
)

var (
	registerOnce sync.Once

	transactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "objlink",
			Subsystem: "rpc",
			Name:      "transactions_total",
			Help:      "Total transactions processed, by direction and mode.",
		},
		[]string{"direction", "mode"},
	)
	transactionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "objlink",
			Subsystem: "rpc",
			Name:      "transaction_errors_total",
			Help:      "Transactions that completed with a transport status.",
		},
		[]string{"status"},
	)
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "objlink",
			Subsystem: "rpc",
			Name:      "connections_active",
			Help:      "Open connections across all sessions.",
		},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "objlink",
			Subsystem: "rpc",
			Name:      "sessions_active",
			Help:      "Live sessions.",
		},
	)
	onewayDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "objlink",
			Subsystem: "rpc",
			Name:      "oneway_overflows_total",
			Help:      "One-way queue overflows that tore a session down.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			transactions, transactionErrors, connectionsActive,
			sessionsActive, onewayDropped,
		)
	})
}

func RecordTransaction(direction, mode string, status wire.Status) {
	RegisterMetrics()
	transactions.WithLabelValues(direction, mode).Inc()
	if status != wire.StatusOK {
		transactionErrors.WithLabelValues(status.String()).Inc()
	}
}

func ConnectionOpened() {
	RegisterMetrics()
	connectionsActive.Inc()
}

func ConnectionClosed() {
	RegisterMetrics()
	connectionsActive.Dec()
}

func SessionOpened() {
	RegisterMetrics()
	sessionsActive.Inc()
}

func SessionClosed() {
	RegisterMetrics()
	sessionsActive.Dec()
}

func OnewayOverflow() {
	RegisterMetrics()
	onewayDropped.Inc()
}
