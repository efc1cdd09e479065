/*
Package filesystem provides resilient filesystem operations with automatic retry logic
for NFS stale file handle errors.

# Purpose

This package wraps standard filesystem operations (os.Stat, os.Open, os.ReadFile) with
retry logic for transient NFS failures, particularly ESTALE (stale file handle) errors
that occur when an NFS-mounted media library or cache volume is accessed during network
issues or server-side changes.

# Retry Behavior

The retry logic implements exponential backoff with the following defaults:
  - MaxRetries: 3 attempts
  - InitialBackoff: 50ms
  - MaxBackoff: 500ms

Only NFS stale file handle errors (ESTALE) trigger retries. All other errors
fail immediately without retry attempts.

# Usage

	info, err := filesystem.StatWithRetry("/nfs/media/file.mkv", filesystem.DefaultRetryConfig())

# Integration

Used wherever the server touches the media library or the rendition cache:

  - internal/handlers/streaming.go: manifest and segment serving
  - internal/handlers/upload.go: upload placement
  - internal/cache: artifact reads
*/
package filesystem
