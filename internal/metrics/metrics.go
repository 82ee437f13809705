package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the worker's prometheus metrics on a private registry. A
// nil Collector records nothing
type Collector struct {
	registry *prometheus.Registry

	tasks           *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	busySlots       prometheus.Gauge
	sandboxSpawns   prometheus.Counter
	provisionFails  prometheus.Counter
	rateLimited     prometheus.Counter
	jobOutcomes     *prometheus.CounterVec
	generationBumps prometheus.Counter
}

const namespace = "argyll_worker"

// NewCollector creates and registers the worker metrics
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks executed by the pool, by terminal status",
		}, []string{"operation", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution time in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"operation"}),
		busySlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "busy_slots",
			Help:      "Worker slots currently running a task",
		}),
		sandboxSpawns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_spawns_total",
			Help:      "Sandbox processes started",
		}),
		provisionFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_provision_failures_total",
			Help:      "Sandboxes that failed to start or connect",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_jobs_total",
			Help:      "Jobs deferred by the per-project rate limiter",
		}),
		jobOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_outcomes_total",
			Help:      "Consumed jobs by outcome",
		}, []string{"job_type", "outcome"}),
		generationBumps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_bumps_total",
			Help:      "Execution generation increments",
		}),
	}

	c.registry.MustRegister(
		c.tasks,
		c.taskDuration,
		c.busySlots,
		c.sandboxSpawns,
		c.provisionFails,
		c.rateLimited,
		c.jobOutcomes,
		c.generationBumps,
	)
	return c
}

// Handler returns the HTTP handler that serves the registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordTask records one finished task
func (c *Collector) RecordTask(operation, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.tasks.WithLabelValues(operation, status).Inc()
	c.taskDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// SlotAcquired marks a slot busy
func (c *Collector) SlotAcquired() {
	if c != nil {
		c.busySlots.Inc()
	}
}

// SlotReleased marks a slot free
func (c *Collector) SlotReleased() {
	if c != nil {
		c.busySlots.Dec()
	}
}

// SandboxSpawned counts a started sandbox
func (c *Collector) SandboxSpawned() {
	if c != nil {
		c.sandboxSpawns.Inc()
	}
}

// ProvisionFailed counts a sandbox that never became usable
func (c *Collector) ProvisionFailed() {
	if c != nil {
		c.provisionFails.Inc()
	}
}

// RateLimited counts a rate-limited job
func (c *Collector) RateLimited() {
	if c != nil {
		c.rateLimited.Inc()
	}
}

// RecordOutcome counts a consumed job by outcome
func (c *Collector) RecordOutcome(jobType, outcome string) {
	if c != nil {
		c.jobOutcomes.WithLabelValues(jobType, outcome).Inc()
	}
}

// GenerationBumped counts a generation increment
func (c *Collector) GenerationBumped() {
	if c != nil {
		c.generationBumps.Inc()
	}
}
