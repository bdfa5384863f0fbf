// Package metrics exposes Prometheus counters and gauges for the
// coordinator: lease churn, poll outcomes, reconcile actions, and HTTP
// request counts (C14). Metrics are ambient observability, not a spec
// feature, so nothing in this package blocks or alters request handling.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LeaseChangesTotal counts lease grants/revocations by source kind
	// and action ("add"/"remove"/"purge").
	LeaseChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shuthost_lease_changes_total",
		Help: "Total number of lease store mutations, by source kind and action.",
	}, []string{"source_kind", "action"})

	// PollOutcomesTotal counts host status probe results by classification.
	PollOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shuthost_poll_outcomes_total",
		Help: "Total number of host status probes, by resulting classification.",
	}, []string{"state"})

	// ReconcileActionsTotal counts reconcile-triggered wake/shutdown
	// attempts by kind and outcome.
	ReconcileActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shuthost_reconcile_actions_total",
		Help: "Total number of reconcile control actions, by kind and outcome.",
	}, []string{"kind", "outcome"})

	// HostsOnline tracks the current count of hosts classified online.
	HostsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shuthost_hosts_online",
		Help: "Current number of hosts classified online.",
	})

	// HTTPRequestsTotal counts HTTP requests by route pattern, method, and
	// status class.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shuthost_http_requests_total",
		Help: "Total number of HTTP requests, by route, method, and status code.",
	}, []string{"route", "method", "status"})

	// WSConnectionsActive tracks the current number of open WebSocket
	// subscriber connections.
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shuthost_ws_connections_active",
		Help: "Current number of open WebSocket subscriber connections.",
	})
)

// RecordLeaseChange increments the lease-churn counter.
func RecordLeaseChange(sourceKind, action string) {
	LeaseChangesTotal.WithLabelValues(sourceKind, action).Inc()
}

// RecordPollOutcome increments the poll-outcome counter.
func RecordPollOutcome(state string) {
	PollOutcomesTotal.WithLabelValues(state).Inc()
}

// RecordReconcileAction increments the reconcile-action counter.
func RecordReconcileAction(kind, outcome string) {
	ReconcileActionsTotal.WithLabelValues(kind, outcome).Inc()
}

// SetHostsOnline sets the online-hosts gauge.
func SetHostsOnline(count float64) {
	HostsOnline.Set(count)
}

// RecordHTTPRequest increments the HTTP request counter.
func RecordHTTPRequest(route, method, status string) {
	HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
}
