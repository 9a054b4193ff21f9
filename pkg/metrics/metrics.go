// Package metrics exposes Prometheus collectors for the reconstruction
// pipeline. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "slidetomo"

// Collector groups the pipeline metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	iterations  prometheus.Counter
	objective   prometheus.Gauge
	gradient    prometheus.Gauge
	checkpoints prometheus.Counter
	solves      *prometheus.CounterVec
	operators   *prometheus.HistogramVec
}

// New creates a Collector registered on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solver",
			Name:      "iterations_total",
			Help:      "Solver iterations completed.",
		}),
		objective: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "solver",
			Name:      "objective",
			Help:      "Objective value after the latest iteration.",
		}),
		gradient: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "solver",
			Name:      "gradient_norm",
			Help:      "Gradient norm after the latest iteration.",
		}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solver",
			Name:      "checkpoints_total",
			Help:      "Checkpoints written.",
		}),
		solves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solver",
			Name:      "solves_total",
			Help:      "Completed solves by terminal status.",
		}, []string{"status"}),
		operators: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "duration_seconds",
			Help:      "Duration of projection operator calls.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"operator"}),
	}
	c.registry.MustRegister(c.iterations, c.objective, c.gradient, c.checkpoints, c.solves, c.operators)
	return c
}

// Registry returns the registry holding the collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collectors in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveIteration records one completed solver iteration.
func (c *Collector) ObserveIteration(objective, gradientNorm float64) {
	if c == nil {
		return
	}
	c.iterations.Inc()
	c.objective.Set(objective)
	c.gradient.Set(gradientNorm)
}

// ObserveCheckpoint records a checkpoint write.
func (c *Collector) ObserveCheckpoint() {
	if c == nil {
		return
	}
	c.checkpoints.Inc()
}

// ObserveSolve records the terminal status of a solve.
func (c *Collector) ObserveSolve(status string) {
	if c == nil {
		return
	}
	c.solves.WithLabelValues(status).Inc()
}

// ObserveOperator records the duration of a projection operator call.
func (c *Collector) ObserveOperator(name string, d time.Duration) {
	if c == nil {
		return
	}
	c.operators.WithLabelValues(name).Observe(d.Seconds())
}
