package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_server_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_server_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_server_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Database metrics
var (
	DBQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_server_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_server_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_server_db_connections_open",
			Help: "Number of open database connections",
		},
	)
)

// Transcode job metrics
var (
	JobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_server_jobs_enqueued_total",
			Help: "Total number of transcode jobs enqueued",
		},
		[]string{"priority"},
	)

	JobsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "media_server_jobs_by_state",
			Help: "Current number of transcode jobs per state",
		},
		[]string{"state"},
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_server_jobs_finished_total",
			Help: "Total number of transcode jobs reaching a terminal state",
		},
		[]string{"outcome"},
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "media_server_job_duration_seconds",
			Help:    "Wall time of completed transcode jobs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	JobLeaseExpiries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_server_job_lease_expiries_total",
			Help: "Total number of stalled job leases reverted to queued",
		},
	)

	StaleLeaseReports = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_server_job_stale_lease_reports_total",
			Help: "Total number of worker reports rejected for a stale lease",
		},
	)

	WorkerSlotsBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_server_worker_slots_busy",
			Help: "Number of worker pool slots currently running a job",
		},
	)
)

// Rendition cache metrics
var (
	SegmentsWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_server_cache_segments_written_total",
			Help: "Total number of segments written into the rendition cache",
		},
	)

	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_server_cache_lookups_total",
			Help: "Total number of rendition cache lookups",
		},
		[]string{"result"}, // "hit", "partial", "miss"
	)

	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_server_cache_size_bytes",
			Help: "Total size of the rendition cache on disk",
		},
	)
)

// Library scanner metrics
var (
	ScannerRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_server_scanner_runs_total",
			Help: "Total number of library scans started",
		},
	)

	ScannerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_server_scanner_errors_total",
			Help: "Total number of library scan errors",
		},
	)

	ScannerIsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_server_scanner_running",
			Help: "Whether a library scan is currently in progress (1 or 0)",
		},
	)

	ScannerLastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_server_scanner_last_run_timestamp_seconds",
			Help: "Unix timestamp of the last completed library scan",
		},
	)

	ScannerLastRunDuration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_server_scanner_last_run_duration_seconds",
			Help: "Duration of the last completed library scan",
		},
	)

	ScannerFilesDiscovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_server_scanner_files_discovered_total",
			Help: "Total number of new media files discovered by the scanner",
		},
	)

	ScannerFilesRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_server_scanner_files_removed_total",
			Help: "Total number of registered files removed after vanishing from disk",
		},
	)
)

// Filesystem retry metrics for flaky network volumes
var (
	FilesystemRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_server_fs_retry_attempts_total",
			Help: "Total number of filesystem operation retries",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetrySuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_server_fs_retry_success_total",
			Help: "Total number of filesystem operations that succeeded after retry",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_server_fs_retry_failures_total",
			Help: "Total number of filesystem operations that failed after all retries",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_server_fs_operation_duration_seconds",
			Help:    "Duration of filesystem operations including retries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"operation", "volume"},
	)

	FilesystemStaleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_server_fs_stale_errors_total",
			Help: "Total number of stale NFS file handle errors observed",
		},
		[]string{"operation", "volume"},
	)
)

// Streaming metrics
var (
	SegmentsServedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_server_segments_served_total",
			Help: "Total number of segment requests by outcome",
		},
		[]string{"outcome"}, // "ok", "pending", "absent"
	)

	ManifestsServedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_server_manifests_served_total",
			Help: "Total number of manifest requests by kind",
		},
		[]string{"kind"}, // "master", "variant"
	)

	StreamBytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_server_stream_bytes_sent_total",
			Help: "Total bytes of media streamed to clients",
		},
	)
)
