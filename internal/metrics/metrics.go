package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aoctl",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker starts.",
		}, []string{"name"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aoctl",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of worker exits and stop requests.",
		}, []string{"name"},
	)
	ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aoctl",
			Subsystem: "schedule",
			Name:      "ticks_total",
			Help:      "Number of scheduled ticks by result (success, failure).",
		}, []string{"tick", "result"},
	)
	tickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aoctl",
			Subsystem: "schedule",
			Name:      "tick_duration_seconds",
			Help:      "Duration of successful scheduled ticks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tick"},
	)
	consecutiveFailures = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "aoctl",
			Subsystem: "schedule",
			Name:      "consecutive_failures",
			Help:      "Current count of consecutive failed ticks.",
		}, []string{"tick"},
	)
	escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aoctl",
			Subsystem: "schedule",
			Name:      "escalations_total",
			Help:      "Number of times a schedule stopped after exhausting its retries.",
		}, []string{"tick"},
	)
	devServerReady = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "aoctl",
			Subsystem: "devserver",
			Name:      "ready_seconds",
			Help:      "Time from dev server spawn to its readiness signal.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{workerStarts, workerStops, ticks, tickDuration, consecutiveFailures, escalations, devServerReady, workerCPU, workerRSS, workerThreads}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// already registered with this registerer: keep the existing one
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

// The helpers below no-op until Register succeeded.

func IncStart(name string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		workerStops.WithLabelValues(name).Inc()
	}
}

func ObserveTickSuccess(tick string, seconds float64) {
	if regOK.Load() {
		ticks.WithLabelValues(tick, "success").Inc()
		tickDuration.WithLabelValues(tick).Observe(seconds)
		consecutiveFailures.WithLabelValues(tick).Set(0)
	}
}

func ObserveTickFailure(tick string, failures int) {
	if regOK.Load() {
		ticks.WithLabelValues(tick, "failure").Inc()
		consecutiveFailures.WithLabelValues(tick).Set(float64(failures))
	}
}

func IncEscalation(tick string) {
	if regOK.Load() {
		escalations.WithLabelValues(tick).Inc()
		consecutiveFailures.WithLabelValues(tick).Set(0)
	}
}

func ObserveDevServerReady(seconds float64) {
	if regOK.Load() {
		devServerReady.Observe(seconds)
	}
}
