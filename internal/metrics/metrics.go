package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsOriginated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trunkdial_calls_originated_total",
		Help: "Total number of call originations attempted",
	})

	CallsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trunkdial_calls_completed_total",
		Help: "Total number of calls completed, by outcome",
	}, []string{"outcome"})

	OriginateErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trunkdial_originate_errors_total",
		Help: "Total number of failed originations, by kind",
	}, []string{"kind"})

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trunkdial_active_jobs",
		Help: "Number of dial jobs currently running",
	})

	PortsInCall = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trunkdial_ports_in_call",
		Help: "Number of ports currently carrying a call",
	})

	OriginateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trunkdial_originate_duration_seconds",
		Help:    "Time spent waiting for origination accept/reject",
		Buckets: prometheus.DefBuckets,
	})
)
