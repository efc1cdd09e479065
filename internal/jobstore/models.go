package jobstore

import (
	"time"
)

// State is the lifecycle state of a transcode job.
type State string

const (
	// StateQueued means the job is waiting for a worker slot.
	StateQueued State = "queued"
	// StateRunning means a worker holds the job's lease.
	StateRunning State = "running"
	// StateCompleted means the job's artifact is published.
	StateCompleted State = "completed"
	// StateFailed means the job ended with an unrecoverable error.
	StateFailed State = "failed"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ErrorKind classifies why a job failed.
type ErrorKind string

const (
	// ErrorCodecUnsupported means the encoder rejected the source codec.
	ErrorCodecUnsupported ErrorKind = "codec_unsupported"
	// ErrorResourceExhausted means the encode process ran out of memory or disk.
	ErrorResourceExhausted ErrorKind = "resource_exhausted"
	// ErrorCancelled means the job was cancelled, typically because the
	// source file was deleted.
	ErrorCancelled ErrorKind = "cancelled"
	// ErrorCrashed means the encode process died unexpectedly.
	ErrorCrashed ErrorKind = "crashed"
	// ErrorCacheWrite means the artifact could not be persisted.
	ErrorCacheWrite ErrorKind = "cache_write"
)

// Job priorities. Upload-triggered jobs outrank backlog jobs; within a
// tier jobs drain FIFO.
const (
	PriorityBacklog = 0
	PriorityUpload  = 10
)

// Job is one unit of transcode work: a single (file, rendition) pair.
// The store is the only writer of job rows; workers and HTTP handlers
// request transitions through store methods.
type Job struct {
	ID              string
	FileID          string
	ContentHash     string
	Rendition       string
	PlanFingerprint string
	State           State
	Progress        int
	Priority        int
	LeaseOwner      string
	LeaseExpiresAt  time.Time
	CacheKey        string
	ErrorKind       ErrorKind
	ErrorDetail     string
	CancelRequested bool
	CreatedAt       time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
}

// RenditionStatus is the per-rendition view exposed by the public
// status endpoint.
type RenditionStatus struct {
	Rendition string `json:"rendition"`
	State     State  `json:"state"`
	Progress  int    `json:"progress"`
}
