package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "detectord"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of worker launches.",
		}, []string{"name"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of restarts, health-triggered or operator-initiated.",
		}, []string{"name", "reason"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of stops by outcome (graceful or killed).",
		}, []string{"name", "outcome"},
	)
	workerStartupFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "startup_failures_total",
			Help:      "Number of failed startup attempts by cause.",
		}, []string{"name", "cause"},
	)
	workerReadyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "ready_duration_seconds",
			Help:      "Time from launch until the worker announced readiness.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "health_checks_total",
			Help:      "Number of periodic health checks by result.",
		}, []string{"name", "result"},
	)

	analysisRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "requests_total",
			Help:      "Number of Analyze calls by final outcome.",
		}, []string{"outcome"},
	)
	analysisAttemptFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "attempt_failures_total",
			Help:      "Number of failed attempts by failure class.",
		}, []string{"class"},
	)
	analysisDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "duration_seconds",
			Help:      "Wall time of Analyze calls including retries.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		workerStarts, workerRestarts, workerStops, workerStartupFailures, workerReadyDuration,
		stateTransitions, currentStates, healthChecks,
		analysisRequests, analysisAttemptFailures, analysisDuration,
		cpuPercent, memoryRSS, numThreads,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has succeeded.

func IncStart(name string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name, reason string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(name, reason).Inc()
	}
}

func IncStop(name string, forced bool) {
	if regOK.Load() {
		outcome := "graceful"
		if forced {
			outcome = "killed"
		}
		workerStops.WithLabelValues(name, outcome).Inc()
	}
}

func IncStartupFailure(name, cause string) {
	if regOK.Load() {
		workerStartupFailures.WithLabelValues(name, cause).Inc()
	}
}

func ObserveReadyDuration(name string, seconds float64) {
	if regOK.Load() {
		workerReadyDuration.WithLabelValues(name).Observe(seconds)
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

func IncHealthCheck(name, result string) {
	if regOK.Load() {
		healthChecks.WithLabelValues(name, result).Inc()
	}
}

func IncAnalysis(outcome string) {
	if regOK.Load() {
		analysisRequests.WithLabelValues(outcome).Inc()
	}
}

func IncAnalysisAttemptFailure(class string) {
	if regOK.Load() {
		analysisAttemptFailures.WithLabelValues(class).Inc()
	}
}

func ObserveAnalysisDuration(seconds float64) {
	if regOK.Load() {
		analysisDuration.Observe(seconds)
	}
}
