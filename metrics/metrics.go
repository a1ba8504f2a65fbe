// Package metrics exposes the Prometheus collectors this module updates.
// Every collector here is registered against the default registry at
// package init; callers elsewhere in this module only ever
// Set/Inc/Observe, never construct or register a collector themselves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tsconn"

var (
	// ConnectionState is 1 for the (node, state) pair currently in
	// effect, 0 for every other state of that node. Overwritten on every
	// legal transition.
	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connection_state",
		Help:      "Current connection state per page server node (one-hot across state label values).",
	}, []string{"node", "state"})

	// MainConnRotations counts every time reset_main_connection actually
	// changed which handler is main, not every call to it.
	MainConnRotations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "main_conn_rotations_total",
		Help:      "Number of times the main connection pointer changed handler.",
	})

	// MainConnAvailable is 0 whenever reset_main_connection finds no
	// connected handler at all.
	MainConnAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "main_conn_available",
		Help:      "1 if a main connection is currently set, 0 otherwise.",
	})

	// ConsensusLsa is the most recently computed consensus LSA, or -1
	// (NULL_LSA) when quorum was unmet at last computation.
	ConsensusLsa = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "consensus_lsa",
		Help:      "Most recently computed consensus LSA across connected page servers.",
	})

	// ReconnectAttempts and ReconnectSuccesses are both keyed by node so
	// a flapping page server stands out in the per-node rate.
	ReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnect_attempts_total",
		Help:      "Reconnect attempts made by the page-server connector daemon.",
	}, []string{"node"})

	ReconnectSuccesses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnect_successes_total",
		Help:      "Reconnect attempts that transitioned a handler out of IDLE.",
	}, []string{"node"})

	// SendReceiveLatencySeconds is labeled by request kind so a slow PS
	// on one code path doesn't hide behind the aggregate.
	SendReceiveLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "send_receive_latency_seconds",
		Help:      "Round-trip latency of ConnectionHandler.SendReceive by request kind.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	// ClientPartitionHint mirrors CSS_MAX_CLIENTS, the configured upper
	// bound on response fan-out width, as a gauge so it's visible
	// alongside the metrics it bounds rather than only in config dumps.
	ClientPartitionHint = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "client_partition_hint",
		Help:      "Configured CSS_MAX_CLIENTS upper bound on response partitioning.",
	})
)
