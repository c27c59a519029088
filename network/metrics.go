package network

import (
	"github.com/prometheus/client_golang/prometheus"

	"lanwarp/models"
)

// DefaultMetricsNamespace prefixes every metric name.
const DefaultMetricsNamespace = "lanwarp"

// Metrics records connection and transfer counters.
//
// A nil *Metrics is valid and records nothing.
//
//	lanwarp_bootstrap_attempts_total
//	lanwarp_duplex_attempts_total
//	lanwarp_connect_results_total{result="connected|error"}
//	lanwarp_transfer_outcomes_total{status="<transfer status>"}
//	lanwarp_remote_status_changes_total{status="<remote status>"}
type Metrics struct {
	bootstrapAttempts prometheus.Counter
	duplexAttempts    prometheus.Counter
	connectResults    *prometheus.CounterVec
	transferOutcomes  *prometheus.CounterVec
	statusChanges     *prometheus.CounterVec
}

// NewMetrics registers metrics with the default registry. It panics on duplicate registration.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer registers metrics with registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultMetricsNamespace
	}

	m := &Metrics{
		bootstrapAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bootstrap_attempts_total",
			Help:      "Certificate request datagrams sent to peers.",
		}),
		duplexAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplex_attempts_total",
			Help:      "Duplex probes sent to peers.",
		}),
		connectResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_results_total",
			Help:      "Finished connect attempts by result.",
		}, []string{"result"}),
		transferOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_outcomes_total",
			Help:      "Inbound transfer streams by terminal status.",
		}, []string{"status"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_status_changes_total",
			Help:      "Remote status transitions by target status.",
		}, []string{"status"}),
	}

	registerer.MustRegister(
		m.bootstrapAttempts,
		m.duplexAttempts,
		m.connectResults,
		m.transferOutcomes,
		m.statusChanges,
	)
	return m
}

func (m *Metrics) bootstrapAttempt() {
	if m == nil {
		return
	}
	m.bootstrapAttempts.Inc()
}

func (m *Metrics) duplexAttempt() {
	if m == nil {
		return
	}
	m.duplexAttempts.Inc()
}

func (m *Metrics) connectResult(result string) {
	if m == nil {
		return
	}
	m.connectResults.WithLabelValues(result).Inc()
}

func (m *Metrics) transferOutcome(status models.TransferStatus) {
	if m == nil {
		return
	}
	m.transferOutcomes.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) statusChange(status models.RemoteStatus) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(string(status)).Inc()
}
