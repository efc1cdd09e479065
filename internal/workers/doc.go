// Package workers calculates worker pool sizes from available CPU,
// respecting container CPU limits via GOMAXPROCS. The transcode slot
// count can be pinned with MAX_CONCURRENT_TRANSCODES.
package workers
