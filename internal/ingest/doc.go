// Package ingest is the boundary between file arrival and the
// transcode pipeline. It hashes content, probes it, classifies it
// into a delivery plan, extracts subtitle tracks, and enqueues one
// job per rendition whose artifact is not already cached.
package ingest
