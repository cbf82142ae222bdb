// Package metrics exposes the execution engine's Prometheus metrics:
// submission/dispatch/completion counters, execution latency, and pool
// occupancy gauges.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for one pool-manager instance.
type Collector struct {
	executionsSubmitted  prometheus.Counter
	executionsDispatched prometheus.Counter
	executionsSucceeded  prometheus.Counter
	executionsFailed     prometheus.Counter
	executionsTimedOut   prometheus.Counter
	executionsCancelled  prometheus.Counter

	executionLatency prometheus.Histogram

	poolSize  prometheus.Gauge
	idleSlots prometheus.Gauge
	busySlots prometheus.Gauge
}

// NewCollector creates and registers a metrics collector.
func NewCollector() *Collector {
	c := &Collector{
		executionsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bifrost_executions_submitted_total",
			Help: "Total number of executions submitted",
		}),
		executionsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bifrost_executions_dispatched_total",
			Help: "Total number of executions handed off to the pool",
		}),
		executionsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bifrost_executions_succeeded_total",
			Help: "Total number of executions that reached SUCCESS",
		}),
		executionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bifrost_executions_failed_total",
			Help: "Total number of executions that reached FAILED or COMPLETED_WITH_ERRORS",
		}),
		executionsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bifrost_executions_timed_out_total",
			Help: "Total number of executions that reached TIMEOUT",
		}),
		executionsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bifrost_executions_cancelled_total",
			Help: "Total number of executions that reached CANCELLED",
		}),
		executionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bifrost_execution_latency_seconds",
			Help:    "Execution wall time from RUNNING to terminal",
			Buckets: prometheus.DefBuckets,
		}),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bifrost_pool_size",
			Help: "Current number of process slots",
		}),
		idleSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bifrost_pool_idle_slots",
			Help: "Current number of IDLE process slots",
		}),
		busySlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bifrost_pool_busy_slots",
			Help: "Current number of BUSY process slots",
		}),
	}

	prometheus.MustRegister(
		c.executionsSubmitted, c.executionsDispatched, c.executionsSucceeded,
		c.executionsFailed, c.executionsTimedOut, c.executionsCancelled,
		c.executionLatency, c.poolSize, c.idleSlots, c.busySlots,
	)
	return c
}

func (c *Collector) RecordSubmitted()  { c.executionsSubmitted.Inc() }
func (c *Collector) RecordDispatched() { c.executionsDispatched.Inc() }

// RecordTerminal records a terminal transition and its latency in one
// call, keyed by the status the record reached.
func (c *Collector) RecordTerminal(status string, latencySeconds float64) {
	c.executionLatency.Observe(latencySeconds)
	switch status {
	case "SUCCESS":
		c.executionsSucceeded.Inc()
	case "FAILED", "COMPLETED_WITH_ERRORS":
		c.executionsFailed.Inc()
	case "TIMEOUT":
		c.executionsTimedOut.Inc()
	case "CANCELLED":
		c.executionsCancelled.Inc()
	}
}

// UpdatePoolStats reflects the pool manager's current occupancy.
func (c *Collector) UpdatePoolStats(size, idle, busy int) {
	c.poolSize.Set(float64(size))
	c.idleSlots.Set(float64(idle))
	c.busySlots.Set(float64(busy))
}

// StartServer starts the Prometheus metrics HTTP server. Intended to
// run in its own goroutine; blocks until the server stops.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
