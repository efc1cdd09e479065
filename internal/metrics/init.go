package metrics

// InitializeMetrics pre-populates all expected label combinations so
// that every metric is exported from the first Prometheus scrape.
// Call this once at startup after metric registration.
func InitializeMetrics() {
	for _, state := range []string{"queued", "running", "completed", "failed"} {
		JobsByState.WithLabelValues(state)
	}

	for _, outcome := range []string{"completed", "failed", "cancelled"} {
		JobsCompletedTotal.WithLabelValues(outcome)
	}

	for _, priority := range []string{"upload", "backlog"} {
		JobsEnqueuedTotal.WithLabelValues(priority)
	}

	for _, result := range []string{"hit", "partial", "miss"} {
		CacheLookupsTotal.WithLabelValues(result)
	}

	for _, outcome := range []string{"ok", "pending", "absent"} {
		SegmentsServedTotal.WithLabelValues(outcome)
	}

	for _, kind := range []string{"master", "variant"} {
		ManifestsServedTotal.WithLabelValues(kind)
	}

	for _, op := range []string{"initialize_schema", "enqueue", "acquire", "report_progress",
		"complete", "fail", "requeue_expired", "request_cancel", "status_by_file",
		"get_probe", "put_probe", "cleanup"} {
		DBQueryTotal.WithLabelValues(op, "success")
		DBQueryTotal.WithLabelValues(op, "error")
		DBQueryDuration.WithLabelValues(op)
	}
}
