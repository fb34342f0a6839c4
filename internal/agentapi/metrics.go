package agentapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	execsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worldbox_executions_total",
		Help: "Executions by outcome.",
	}, []string{"outcome"})

	execDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "worldbox_exec_duration_seconds",
		Help:    "Wall time of world executions.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worldbox_active_streams",
		Help: "Interactive PTY streams currently attached.",
	})

	policyReloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worldbox_policy_reloads_total",
		Help: "Successful policy hot reloads.",
	})
)

// PolicyReloaded bumps the reload counter; the watcher calls it through the
// serve command.
func PolicyReloaded() { policyReloads.Inc() }
