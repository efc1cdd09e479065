// Package pool runs the transcode worker pool. A single dispatcher
// leases queued jobs from the store and hands each to a goroutine,
// with total concurrency bounded by a weighted semaphore. Workers
// checkpoint progress through the store, observe cancellation at
// those checkpoints, and publish finished artifacts to the rendition
// cache before marking the job complete.
package pool
