// Package metrics exposes internal reconciler instrumentation. These are
// distinct from the out-of-scope profile-sample metric exporters: nothing
// here describes profiled processes, only the health of the control plane
// itself.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PendingCommands tracks the current number of commands in a
	// non-terminal status, by command_type.
	PendingCommands = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "profctl_pending_commands",
		Help: "Current number of commands in pending or sent status",
	}, []string{"command_type"})

	// CapacityRejections tracks bulk submissions rejected by the
	// capacity gate (C6).
	CapacityRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "profctl_capacity_rejections_total",
		Help: "Total number of bulk submissions rejected by the capacity gate",
	})

	// HeartbeatLatency tracks how long heartbeat handling takes end to
	// end, the primary latency budget named by §5 (target p99 < 100ms).
	HeartbeatLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "profctl_heartbeat_duration_seconds",
		Help:    "Duration of heartbeat handling from liveness upsert through command dispatch",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	// CompletionsTotal tracks completion reports by terminal status and
	// whether they applied to the current command or a superseded one.
	CompletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "profctl_completions_total",
		Help: "Total number of completion reports processed",
	}, []string{"status", "applied"})

	// ActiveHosts tracks the current number of live hosts per service.
	ActiveHosts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "profctl_active_hosts",
		Help: "Current number of hosts with a recent heartbeat",
	}, []string{"service"})
)
