// Package jobstore is the durable record of transcode jobs, cached
// probes, ingested files and extracted subtitles, backed by SQLite.
//
// The store is the single mutable authority for job state. Workers
// and HTTP handlers never write job rows directly; they request
// transitions (Acquire, ReportProgress, Complete, Fail) and the store
// enforces the state machine:
//
//	Queued -> Running -> {Completed | Failed}
//
// Lease ownership is a compare-and-swap on the job row, so at most one
// worker holds a job at any instant. A lease that expires without a
// progress checkpoint reverts the job to Queued — the only retry path
// in the system — and any late report from the previous holder is
// rejected as stale.
package jobstore
