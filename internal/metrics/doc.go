// Package metrics defines the Prometheus metrics exported by the
// media server: HTTP traffic, database queries, transcode job
// lifecycle, rendition cache activity and streaming throughput.
//
// Metrics are registered with promauto at package load and served on
// the dedicated metrics port.
package metrics
