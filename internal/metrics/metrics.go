// Package metrics exposes prometheus counters for the rerun protocol.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pbs_server"

// Rerun outcomes recorded by RerunRequests.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

// Metrics holds the server's collectors.
type Metrics struct {
	RerunRequests  *prometheus.CounterVec
	ForcedRequeues prometheus.Counter
	HostRejects    *prometheus.CounterVec
	RerunTimeouts  prometheus.Counter
	JobsRequeued   prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RerunRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerun_requests_total",
			Help:      "Rerun requests by target kind and outcome.",
		}, []string{"target", "outcome"}),
		ForcedRequeues: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forced_requeues_total",
			Help:      "Jobs requeued locally without MOM confirmation.",
		}),
		HostRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerun_host_rejects_total",
			Help:      "Rerun signals refused by the execution host, by PBSE code.",
		}, []string{"code"}),
		RerunTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerun_timeouts_total",
			Help:      "Rerun requests answered because the MOM did not respond in time.",
		}),
		JobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_requeued_total",
			Help:      "Jobs returned to a runnable state or purged for rerun.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.RerunRequests, m.ForcedRequeues, m.HostRejects, m.RerunTimeouts, m.JobsRequeued)
	}
	return m
}
