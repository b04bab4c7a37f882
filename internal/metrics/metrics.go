// Package metrics holds the prometheus collectors of the pipeline. They are
// registered on the default registry and served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PulledRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factoryetl_pulled_rows_total",
		Help: "Rows written to transaction chunks, by process",
	}, []string{"process_id"})

	PulledChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factoryetl_pulled_chunks_total",
		Help: "Transaction chunk files written, by process",
	}, []string{"process_id"})

	SkippedProcesses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factoryetl_pull_skipped_processes_total",
		Help: "Processes skipped by a pull because their source table is empty",
	}, []string{"process_id"})

	// ImportedRows is labelled by outcome: imported, error or duplicate.
	ImportedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factoryetl_import_rows_total",
		Help: "Rows handled by imports, by process and outcome",
	}, []string{"process_id", "outcome"})

	ImportedChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factoryetl_import_chunks_total",
		Help: "Chunks handled by imports, by process and resulting status",
	}, []string{"process_id", "status"})

	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factoryetl_jobs_total",
		Help: "Finished jobs, by type and final status",
	}, []string{"type", "status"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "factoryetl_job_duration_seconds",
		Help:    "Wall time of finished jobs, by type",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"type"})

	RunningJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "factoryetl_running_jobs",
		Help: "Jobs currently running, by type",
	}, []string{"type"})

	ConnectionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factoryetl_source_connection_failures_total",
		Help: "Failed source connection attempts, by data source",
	}, []string{"data_source_id"})

	HTTPPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factoryetl_http_panics_total",
		Help: "Recovered handler panics, by route",
	}, []string{"route"})
)
