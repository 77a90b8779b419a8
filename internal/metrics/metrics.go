// ============================================================================
// transcodeq Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collects and exposes orchestrator metrics.
//
// Counters track job flow (enqueued, completed, failed, requeued), machine
// churn (spawned, reused, stopped), and recovery sweeps. Gauges mirror the
// queue depth and pool occupancy as last observed by the hot path. The job
// duration histogram feeds latency SLOs.
//
// All metrics register on a collector-private registry so multiple
// collectors can coexist in one process (and in tests).
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every Prometheus metric the orchestrator emits.
type Collector struct {
	registry *prometheus.Registry

	jobsEnqueued  prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsRequeued  prometheus.Counter

	machinesSpawned prometheus.Counter
	machinesReused  prometheus.Counter
	machinesStopped prometheus.Counter
	uploadsRescued  prometheus.Counter

	jobDuration prometheus.Histogram

	pendingJobs prometheus.Gauge
	activeJobs  prometheus.Gauge
	poolSize    prometheus.Gauge
}

// NewCollector creates and registers the metric set.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcodeq_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcodeq_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcodeq_jobs_failed_total",
			Help: "Total number of jobs that ended failed",
		}),
		jobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcodeq_jobs_requeued_total",
			Help: "Total number of job requeues",
		}),
		machinesSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcodeq_machines_spawned_total",
			Help: "Total number of machines created at the provider",
		}),
		machinesReused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcodeq_machines_reused_total",
			Help: "Total number of stopped machines restarted instead of created",
		}),
		machinesStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcodeq_machines_stopped_total",
			Help: "Total number of idle machines stopped by the reaper",
		}),
		uploadsRescued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcodeq_uploads_rescued_total",
			Help: "Total number of stuck uploads recovered to pending",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcodeq_job_duration_seconds",
			Help:    "Transcoding job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		pendingJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transcodeq_jobs_pending",
			Help: "Pending-queue depth as last observed",
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transcodeq_jobs_active",
			Help: "Active-map size as last observed",
		}),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transcodeq_machine_pool_size",
			Help: "Machine pool size as last observed",
		}),
	}

	reg.MustRegister(
		c.jobsEnqueued, c.jobsCompleted, c.jobsFailed, c.jobsRequeued,
		c.machinesSpawned, c.machinesReused, c.machinesStopped,
		c.uploadsRescued, c.jobDuration,
		c.pendingJobs, c.activeJobs, c.poolSize,
	)
	return c
}

// Handler serves the collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordEnqueue()      { c.jobsEnqueued.Inc() }
func (c *Collector) RecordFailed()       { c.jobsFailed.Inc() }
func (c *Collector) RecordRequeue()      { c.jobsRequeued.Inc() }
func (c *Collector) RecordSpawn()        { c.machinesSpawned.Inc() }
func (c *Collector) RecordReuse()        { c.machinesReused.Inc() }
func (c *Collector) RecordIdleStop()     { c.machinesStopped.Inc() }
func (c *Collector) RecordUploadRescue() { c.uploadsRescued.Inc() }

// RecordCompleted counts a success and observes its duration when known.
func (c *Collector) RecordCompleted(durationSeconds float64) {
	c.jobsCompleted.Inc()
	if durationSeconds > 0 {
		c.jobDuration.Observe(durationSeconds)
	}
}

// UpdateQueueStats refreshes the queue and pool gauges.
func (c *Collector) UpdateQueueStats(pending, active int64, pool int) {
	c.pendingJobs.Set(float64(pending))
	c.activeJobs.Set(float64(active))
	c.poolSize.Set(float64(pool))
}
