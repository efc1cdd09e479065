// Package handlers implements the HTTP surface: HLS playlist and
// segment delivery, upload ingestion, transcode status, admin
// endpoints, and health checks.
//
// Streaming endpoints distinguish pending from absent content. A
// playlist or segment that a running encode will produce answers 503
// with Retry-After; one that will never exist answers 404.
package handlers
