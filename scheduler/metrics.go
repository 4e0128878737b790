package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "salesflow_scheduler_ticks_total",
		Help: "Scheduler ticks executed, including empty ones.",
	})

	metricTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "salesflow_scheduler_tick_duration_seconds",
		Help:    "Wall-clock duration of a full tick.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	metricClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "salesflow_timers_claimed_total",
		Help: "Due timers claimed from the store.",
	})

	metricProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salesflow_timers_processed_total",
		Help: "Timer processing results.",
	}, []string{"result"})

	metricSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salesflow_escalation_steps_total",
		Help: "Escalation step outcomes.",
	}, []string{"outcome"})
)
