// Package metrics defines the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Signing service metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsigner_requests_total",
			Help: "Signer requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nsigner_request_duration_seconds",
			Help:    "Time from request to result, including user approval",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 15, 30, 60},
		},
		[]string{"operation"},
	)

	// Permission and approval metrics
	PermissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsigner_permission_decisions_total",
			Help: "Permission check results",
		},
		[]string{"decision"},
	)

	PendingApprovals = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nsigner_pending_approvals",
			Help: "Approval requests waiting for the user",
		},
	)

	ApprovalResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsigner_approval_resolutions_total",
			Help: "Approval requests by final resolution",
		},
		[]string{"resolution"},
	)

	// Vault metrics
	VaultUnlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsigner_vault_unlock_attempts_total",
			Help: "Vault unlock attempts by result",
		},
		[]string{"result"},
	)

	VaultUnlocked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nsigner_vault_unlocked",
			Help: "1 while the vault is unlocked",
		},
	)

	// Bunker metrics
	BunkerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsigner_bunker_messages_total",
			Help: "Bunker messages by outcome",
		},
		[]string{"outcome"},
	)

	RelayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nsigner_relay_connections",
			Help: "Relay websocket connections currently open",
		},
	)

	// IPC metrics
	RPCCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsigner_rpc_calls_total",
			Help: "JSON-RPC calls by method and outcome code",
		},
		[]string{"method", "outcome"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsigner_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"server", "method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nsigner_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server", "path"},
	)
)
