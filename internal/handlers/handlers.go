package handlers

import (
	"time"

	"github.com/gorilla/mux"

	"media-server/internal/cache"
	"media-server/internal/ingest"
	"media-server/internal/jobstore"
	"media-server/internal/scanner"
	"media-server/internal/startup"
	"media-server/internal/streaming"
)

// defaultSegmentWait is how long a segment request blocks for a
// pending segment before answering 503. Kept well under the player's
// own request timeout so the Retry-After is honored.
const defaultSegmentWait = 4 * time.Second

type Handlers struct {
	store    *jobstore.Store
	cache    *cache.Cache
	ingester *ingest.Ingester
	scanner  *scanner.Scanner

	mediaDir        string
	segmentDuration float64
	segmentWait     time.Duration
	streamConfig    streaming.TimeoutWriterConfig
	startTime       time.Time
}

func New(store *jobstore.Store, artifactCache *cache.Cache, ing *ingest.Ingester, sc *scanner.Scanner, config *startup.Config) *Handlers {
	return &Handlers{
		store:           store,
		cache:           artifactCache,
		ingester:        ing,
		scanner:         sc,
		mediaDir:        config.MediaDir,
		segmentDuration: config.SegmentDuration.Seconds(),
		segmentWait:     defaultSegmentWait,
		streamConfig:    streaming.DefaultTimeoutWriterConfig(),
		startTime:       time.Now(),
	}
}

// RegisterRoutes attaches every handler to the router.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Streaming
	router.HandleFunc("/stream/{fileId}/master.m3u8", h.MasterPlaylist).Methods("GET")
	router.HandleFunc("/stream/{fileId}/status", h.StreamStatus).Methods("GET")
	router.HandleFunc("/stream/{fileId}/subtitles/{subtitleId}", h.Subtitle).Methods("GET")
	router.HandleFunc("/stream/{fileId}/{rendition}/index.m3u8", h.VariantPlaylist).Methods("GET")
	router.HandleFunc("/stream/{fileId}/{rendition}/{segment:segment-[0-9]+\\.ts}", h.Segment).Methods("GET")

	// Library management
	router.HandleFunc("/api/upload", h.Upload).Methods("POST")
	router.HandleFunc("/api/files/{fileId}", h.DeleteFile).Methods("DELETE")
	router.HandleFunc("/api/scan", h.TriggerScan).Methods("POST")

	// Admin
	router.HandleFunc("/api/stats", h.GetStats).Methods("GET")
	router.HandleFunc("/api/transcode/clear", h.ClearRenditionCache).Methods("POST")
	router.HandleFunc("/version", h.GetVersion).Methods("GET")

	// Health
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/healthz", h.HealthCheck).Methods("GET")
	router.HandleFunc("/livez", h.LivenessCheck).Methods("GET", "HEAD")
	router.HandleFunc("/readyz", h.ReadinessCheck).Methods("GET")
}
