// Package metrics counts deploy, upload and secret outcomes. fleet is a
// short-lived CLI, so the registry is written to a node-exporter textfile at
// exit instead of being scraped.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// Collector owns one registry per process.
type Collector struct {
	registry *prometheus.Registry

	DeploysTotal       *prometheus.CounterVec
	DeployDuration     *prometheus.HistogramVec
	UploadAttempts     *prometheus.CounterVec
	SecretOperations   *prometheus.CounterVec
	RollbacksTriggered prometheus.Counter
}

// New registers every fleet metric on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		DeploysTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_deploys_total",
				Help: "Total number of host deploys by action and result",
			},
			[]string{"action", "result"},
		),

		DeployDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleet_deploy_duration_seconds",
				Help:    "Host deploy duration in seconds, build to rollback resolution",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"action"},
		),

		UploadAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_upload_attempts_total",
				Help: "Total number of closure copy attempts by result",
			},
			[]string{"result"},
		),

		SecretOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_secret_operations_total",
				Help: "Total number of secret operations by scope, operation and result",
			},
			[]string{"scope", "op", "result"},
		),

		RollbacksTriggered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fleet_rollbacks_triggered_total",
				Help: "Total number of rollbacks started immediately after a failed deploy",
			},
		),
	}

	c.registry.MustRegister(c.DeploysTotal)
	c.registry.MustRegister(c.DeployDuration)
	c.registry.MustRegister(c.UploadAttempts)
	c.registry.MustRegister(c.SecretOperations)
	c.registry.MustRegister(c.RollbacksTriggered)
	return c
}

// Registry exposes the underlying registry for tests and custom exporters.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Deploy records one finished host deploy. A nil Collector is a no-op.
func (c *Collector) Deploy(action, result string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.DeploysTotal.WithLabelValues(action, result).Inc()
	c.DeployDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

// Upload records one copy attempt.
func (c *Collector) Upload(result string) {
	if c == nil {
		return
	}
	c.UploadAttempts.WithLabelValues(result).Inc()
}

// Secret records one secret operation. scope is "host" or "shared".
func (c *Collector) Secret(scope, op, result string) {
	if c == nil {
		return
	}
	c.SecretOperations.WithLabelValues(scope, op, result).Inc()
}

// RollbackTriggered records an immediate rollback start.
func (c *Collector) RollbackTriggered() {
	if c == nil {
		return
	}
	c.RollbacksTriggered.Inc()
}

// Export writes the registry in text exposition format. An empty path is a no-op.
func (c *Collector) Export(path string) error {
	if c == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, c.registry)
}
