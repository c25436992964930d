// Package metrics provides Prometheus metrics collection for the fleet
// control plane: probe duration/outcome, queue depth, pipeline success
// rate, and alert delivery latency.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the control plane registers.
type Metrics struct {
	// Health probing
	ProbeDuration *prometheus.HistogramVec
	ProbesTotal   *prometheus.CounterVec

	// Build queue
	QueueDepth        *prometheus.GaugeVec
	BuildsTotal       *prometheus.CounterVec
	BuildDuration     *prometheus.HistogramVec
	ActiveBuildSlots  *prometheus.GaugeVec

	// Deployment
	DeploymentsTotal    *prometheus.CounterVec
	DeploymentDuration  *prometheus.HistogramVec

	// Pipeline
	PipelineRunsTotal    *prometheus.CounterVec
	PipelineStageRetries *prometheus.CounterVec

	// Alerts
	AlertsFiredTotal    *prometheus.CounterVec
	AlertDeliveryLatency *prometheus.HistogramVec

	// Resource groups / allocations
	AllocationsOpen *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against a custom
// registerer (tests use prometheus.NewRegistry() to avoid collisions with
// the global default registry across parallel test packages).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProbeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleet_probe_duration_seconds",
				Help:    "Duration of health probes against fleet assets.",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"kind", "outcome"},
		),
		ProbesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_probes_total",
				Help: "Total number of health probes run, by asset kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleet_build_queue_depth",
				Help: "Current number of build jobs waiting in the queue, by priority.",
			},
			[]string{"priority"},
		),
		BuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_builds_total",
				Help: "Total number of build jobs completed, by outcome.",
			},
			[]string{"outcome"},
		),
		BuildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleet_build_duration_seconds",
				Help:    "Duration of executed build jobs.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"outcome"},
		),
		ActiveBuildSlots: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleet_build_active_slots",
				Help: "Currently occupied concurrent-build slots, by build server.",
			},
			[]string{"server_id"},
		),
		DeploymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_deployments_total",
				Help: "Total number of deployments, by target kind and outcome.",
			},
			[]string{"target_kind", "outcome"},
		),
		DeploymentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleet_deployment_duration_seconds",
				Help:    "Duration of deployments from transfer through boot verification.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"target_kind"},
		),
		PipelineRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_pipeline_runs_total",
				Help: "Total number of pipeline runs, by outcome.",
			},
			[]string{"outcome"},
		),
		PipelineStageRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_pipeline_stage_retries_total",
				Help: "Total number of pipeline stage retry attempts, by stage type.",
			},
			[]string{"stage_type"},
		),
		AlertsFiredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_alerts_fired_total",
				Help: "Total number of alerts fired, by severity.",
			},
			[]string{"severity"},
		),
		AlertDeliveryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleet_alert_delivery_latency_seconds",
				Help:    "Time from alert firing to successful channel delivery.",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
			},
			[]string{"channel"},
		),
		AllocationsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleet_allocations_open",
				Help: "Currently open resource-group allocations, by group.",
			},
			[]string{"group_id"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.ProbeDuration, m.ProbesTotal,
			m.QueueDepth, m.BuildsTotal, m.BuildDuration, m.ActiveBuildSlots,
			m.DeploymentsTotal, m.DeploymentDuration,
			m.PipelineRunsTotal, m.PipelineStageRetries,
			m.AlertsFiredTotal, m.AlertDeliveryLatency,
			m.AllocationsOpen,
		)
	}
	return m
}

// RecordProbe records the outcome and duration of one health probe.
func (m *Metrics) RecordProbe(kind, outcome string, duration time.Duration) {
	m.ProbeDuration.WithLabelValues(kind, outcome).Observe(duration.Seconds())
	m.ProbesTotal.WithLabelValues(kind, outcome).Inc()
}

// SetQueueDepth reports the current queue depth for a priority band.
func (m *Metrics) SetQueueDepth(priority string, depth int) {
	m.QueueDepth.WithLabelValues(priority).Set(float64(depth))
}

// RecordBuild records a completed build job.
func (m *Metrics) RecordBuild(outcome string, duration time.Duration) {
	outcome = normalizeOutcome(outcome)
	m.BuildsTotal.WithLabelValues(outcome).Inc()
	m.BuildDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// SetActiveBuildSlots reports occupied concurrent-build slots for a server.
func (m *Metrics) SetActiveBuildSlots(serverID string, count int) {
	m.ActiveBuildSlots.WithLabelValues(serverID).Set(float64(count))
}

// RecordDeployment records a completed deployment.
func (m *Metrics) RecordDeployment(targetKind, outcome string, duration time.Duration) {
	outcome = normalizeOutcome(outcome)
	m.DeploymentsTotal.WithLabelValues(targetKind, outcome).Inc()
	m.DeploymentDuration.WithLabelValues(targetKind).Observe(duration.Seconds())
}

// RecordPipelineRun records a completed pipeline run.
func (m *Metrics) RecordPipelineRun(outcome string) {
	m.PipelineRunsTotal.WithLabelValues(outcome).Inc()
}

// RecordStageRetry records one pipeline stage retry attempt.
func (m *Metrics) RecordStageRetry(stageType string) {
	m.PipelineStageRetries.WithLabelValues(stageType).Inc()
}

// RecordAlert records an alert firing; delivery latency is recorded
// separately by RecordAlertDelivery.
func (m *Metrics) RecordAlert(severity string) {
	m.AlertsFiredTotal.WithLabelValues(severity).Inc()
}

// RecordAlertDelivery records the latency of a successful channel delivery.
func (m *Metrics) RecordAlertDelivery(channel string, latency time.Duration) {
	m.AlertDeliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// SetAllocationsOpen reports the current open-allocation count for a group.
func (m *Metrics) SetAllocationsOpen(groupID string, count int) {
	m.AllocationsOpen.WithLabelValues(groupID).Set(float64(count))
}

// Global metrics instance, initialized lazily by Init.
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance, if it has not been already.
func Init() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New()
	}
	return globalMetrics
}

// Global returns the global metrics instance, initializing it against the
// default registerer if Init was never called.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New()
	}
	return globalMetrics
}

// normalizeOutcome lower-cases an outcome label for consistent cardinality
// across call sites that may pass mixed-case error strings.
func normalizeOutcome(outcome string) string {
	return strings.ToLower(strings.TrimSpace(outcome))
}
