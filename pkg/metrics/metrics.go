// Package metrics exposes the gateway's prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lifecycle metrics
	TenantsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "okapi_tenants_total",
			Help: "Total number of tenants known to this instance",
		},
	)

	InstallJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "okapi_install_jobs_total",
			Help: "Install jobs run, by result",
		},
		[]string{"result"},
	)

	HookInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "okapi_hook_invocations_total",
			Help: "Module system-interface invocations, by interface and result",
		},
		[]string{"interface", "result"},
	)

	HookDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "okapi_hook_duration_seconds",
			Help:    "Duration of module system-interface invocations",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Timer metrics
	TimerFiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "okapi_timer_fires_total",
			Help: "Timer routing entries fired on this instance",
		},
		[]string{"tenant", "module"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "okapi_raft_is_leader",
			Help: "Whether this node is the raft leader (1 = leader, 0 = follower)",
		},
	)
)

// Register registers all gateway metrics with the default registry.
func Register() {
	prometheus.MustRegister(
		TenantsTotal,
		InstallJobsTotal,
		HookInvocationsTotal,
		HookDuration,
		TimerFiresTotal,
		RaftLeader,
	)
}

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
