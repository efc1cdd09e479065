package handlers

import (
	"net/http"

	"media-server/internal/jobstore"
	"media-server/internal/logging"
	"media-server/internal/startup"
)

// StatsResponse summarizes job and cache state for operators.
type StatsResponse struct {
	Jobs           map[jobstore.State]int `json:"jobs"`
	CacheSizeBytes int64                  `json:"cacheSizeBytes"`
	Scanning       bool                   `json:"scanning"`
	LastScan       string                 `json:"lastScan,omitempty"`
}

// GetStats returns job counts by state and the cache footprint.
// GET /api/stats
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountsByState(r.Context())
	if err != nil {
		logging.Error("Failed to count jobs: %v", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	size, err := h.cache.Size()
	if err != nil {
		logging.Warn("Failed to size cache: %v", err)
	}

	response := StatsResponse{
		Jobs:           counts,
		CacheSizeBytes: size,
	}
	if h.scanner != nil {
		response.Scanning = h.scanner.IsScanning()
		if last := h.scanner.LastScanTime(); !last.IsZero() {
			response.LastScan = last.Format("2006-01-02T15:04:05Z07:00")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, response)
}

// ClearRenditionCache wipes every cached artifact. Refused while any
// encode is running, because a worker mid-write would republish a
// half-empty entry.
// POST /api/transcode/clear
func (h *Handlers) ClearRenditionCache(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountsByState(r.Context())
	if err != nil {
		logging.Error("Failed to count jobs: %v", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if counts[jobstore.StateRunning] > 0 {
		writeJSONError(w, "transcodes are running, try again later", http.StatusConflict)
		return
	}

	freedBytes, err := h.cache.Clear()
	if err != nil {
		logging.Error("Failed to clear rendition cache: %v", err)
		writeJSONError(w, "failed to clear rendition cache", http.StatusInternalServerError)
		return
	}

	logging.Info("Rendition cache cleared, freed %d bytes", freedBytes)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]interface{}{
		"success":    true,
		"freedBytes": freedBytes,
	})
}

// TriggerScan kicks off a library rescan in the background.
// POST /api/scan
func (h *Handlers) TriggerScan(w http.ResponseWriter, _ *http.Request) {
	if h.scanner == nil {
		writeJSONError(w, "scanner is not configured", http.StatusServiceUnavailable)
		return
	}

	h.scanner.TriggerScan()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "scan_started"})
}

// GetVersion returns the application version and build information
func (h *Handlers) GetVersion(w http.ResponseWriter, _ *http.Request) {
	buildInfo := startup.GetBuildInfo()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, buildInfo)
}
