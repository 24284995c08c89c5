// Package metrics holds the Prometheus collectors of the reporting service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains every collector the service records to.
type Metrics struct {
	registry *prometheus.Registry

	// Workflow metrics
	RunsTotal              *prometheus.CounterVec
	ActionsDispatchedTotal *prometheus.CounterVec
	ActionDuration         *prometheus.HistogramVec
	ActionsVetoedTotal     prometheus.Counter

	// Run context metrics
	TemporaryResourcesCreated prometheus.Counter
	TemporaryResourcesDeleted prometheus.Counter
	CleanupFailuresTotal      prometheus.Counter

	// Delivery metrics
	ReportsSubmittedTotal *prometheus.CounterVec
	SubmitDuration        prometheus.Histogram

	// Storage metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Janitor metrics
	JanitorSweptTotal  *prometheus.CounterVec
	JanitorErrorsTotal prometheus.Counter
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates the collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phreport_runs_total",
				Help: "Total number of workflow runs by outcome",
			},
			[]string{"outcome"},
		),
		ActionsDispatchedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phreport_actions_dispatched_total",
				Help: "Total number of plan actions dispatched by action code",
			},
			[]string{"code", "status"},
		),
		ActionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "phreport_action_duration_seconds",
				Help:    "Time spent executing a single plan action",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"code"},
		),
		ActionsVetoedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "phreport_actions_vetoed_total",
				Help: "Total number of actions skipped because a condition evaluated to false",
			},
		),

		TemporaryResourcesCreated: f.NewCounter(
			prometheus.CounterOpts{
				Name: "phreport_temporary_resources_created_total",
				Help: "Total number of run-tagged resources written to the store",
			},
		),
		TemporaryResourcesDeleted: f.NewCounter(
			prometheus.CounterOpts{
				Name: "phreport_temporary_resources_deleted_total",
				Help: "Total number of run-tagged resources removed at teardown",
			},
		),
		CleanupFailuresTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "phreport_cleanup_failures_total",
				Help: "Total number of temporary resources that could not be deleted at teardown",
			},
		),

		ReportsSubmittedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phreport_reports_submitted_total",
				Help: "Total number of reports posted to external endpoints",
			},
			[]string{"status"},
		),
		SubmitDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "phreport_submit_duration_seconds",
				Help:    "Duration of outbound report submissions",
				Buckets: prometheus.DefBuckets,
			},
		),

		StoreOperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phreport_store_operations_total",
				Help: "Total number of resource store operations",
			},
			[]string{"operation", "status"},
		),
		StoreOperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "phreport_store_operation_duration_seconds",
				Help:    "Duration of resource store operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phreport_http_requests_total",
				Help: "Total number of HTTP requests served",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "phreport_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		JanitorSweptTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phreport_janitor_swept_total",
				Help: "Total number of leaked temporary resources deleted by the janitor",
			},
			[]string{"resource_type"},
		),
		JanitorErrorsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "phreport_janitor_errors_total",
				Help: "Total number of janitor sweep failures",
			},
		),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordStoreOperation records one store call.
func (m *Metrics) RecordStoreOperation(operation string, seconds float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(seconds)
}
