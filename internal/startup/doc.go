// Package startup handles application initialization, configuration
// loading, and startup logging.
//
// Configuration is read from environment variables:
//
//	MEDIA_DIR                    Source media directory (default: /media)
//	CACHE_DIR                    Rendition cache directory (default: /cache)
//	DATABASE_DIR                 SQLite database directory (default: /database)
//	PORT                         HTTP server port (default: 8080)
//	METRICS_PORT                 Prometheus metrics port (default: 9090)
//	METRICS_ENABLED              Serve Prometheus metrics (default: true)
//	MAX_CONCURRENT_TRANSCODES    Transcode worker slots (default: 2)
//	RENDITION_LADDER             Rendition ladder override, e.g.
//	                             "1080p,720p,480p"
//	LEASE_TIMEOUT                Job lease TTL (default: 2m)
//	SEGMENT_DURATION             HLS segment duration (default: 6s)
//	SCAN_INTERVAL                Library rescan interval (default: 30m)
//	WEB_COMPATIBLE_VIDEO_CODECS  Comma-separated codec names browsers
//	                             play without transcoding
//	WEB_COMPATIBLE_AUDIO_CODECS  Same, for audio
//	LOG_STATIC_FILES             Log static file requests (default: false)
//	LOG_HEALTH_CHECKS            Log health check requests (default: true)
//	LOG_LEVEL                    Log verbosity (default: info)
//
// The package also carries build metadata injected at link time and
// helpers for logging each phase of startup and shutdown.
package startup
