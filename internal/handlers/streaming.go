package handlers

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"media-server/internal/cache"
	"media-server/internal/filesystem"
	"media-server/internal/jobstore"
	"media-server/internal/logging"
	"media-server/internal/metrics"
	"media-server/internal/playlist"
	"media-server/internal/streaming"
)

const (
	manifestContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"

	// retryAfterSeconds is the hint sent with every 503 so players and
	// pollers back off instead of hammering.
	retryAfterSeconds = "2"
)

// MasterPlaylist serves the master playlist for a file. It is
// regenerated per request so renditions become selectable the moment
// their first segment lands.
// GET /stream/{fileId}/master.m3u8
func (h *Handlers) MasterPlaylist(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["fileId"]

	file, err := h.store.FileByID(r.Context(), fileID)
	if err != nil {
		logging.Error("Failed to resolve file %s: %v", fileID, err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if file == nil || file.Plan == nil {
		http.NotFound(w, r)
		return
	}

	servable := make(map[string]int, len(file.Plan.Renditions))
	anyServable := false
	for _, rend := range file.Plan.Renditions {
		key := cache.Key(file.ContentHash, rend.Label, file.PlanFingerprint)
		count, err := h.cache.ServableSegments(key)
		if err != nil {
			logging.Warn("Failed to count segments for %s/%s: %v", fileID, rend.Label, err)
			continue
		}
		servable[rend.Label] = count
		if count > 0 {
			anyServable = true
		}
	}

	// No rendition has produced a segment yet. The encodes are queued
	// or just starting, so tell the player to come back.
	if !anyServable {
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeJSONError(w, "no renditions available yet", http.StatusServiceUnavailable)
		return
	}

	var subtitles []playlist.SubtitleEntry
	subs, err := h.store.SubtitlesByFile(r.Context(), fileID)
	if err != nil {
		logging.Warn("Failed to list subtitles for %s: %v", fileID, err)
	}
	for _, sub := range subs {
		subtitles = append(subtitles, playlist.SubtitleEntry{
			ID:       sub.SubtitleID,
			Language: sub.Language,
		})
	}

	manifest := playlist.Master(playlist.MasterParams{
		Plan:      file.Plan,
		Servable:  servable,
		Subtitles: subtitles,
	})

	metrics.ManifestsServedTotal.WithLabelValues("master").Inc()
	w.Header().Set("Content-Type", manifestContentType)
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := w.Write([]byte(manifest)); err != nil {
		logging.Debug("Client left during master playlist write: %v", err)
	}
}

// VariantPlaylist serves one rendition's playlist. Finalized entries
// serve the immutable manifest from the cache; running encodes get a
// regenerated prefix playlist without ENDLIST.
// GET /stream/{fileId}/{rendition}/index.m3u8
func (h *Handlers) VariantPlaylist(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	fileID, label := vars["fileId"], vars["rendition"]

	file, err := h.store.FileByID(r.Context(), fileID)
	if err != nil {
		logging.Error("Failed to resolve file %s: %v", fileID, err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if file == nil || file.Plan == nil {
		http.NotFound(w, r)
		return
	}
	if _, ok := file.Plan.Rendition(label); !ok {
		http.NotFound(w, r)
		return
	}

	key := cache.Key(file.ContentHash, label, file.PlanFingerprint)

	if h.cache.Finalized(key) {
		manifest, err := filesystem.ReadFileWithRetry(h.cache.ManifestPath(key), filesystem.DefaultRetryConfig())
		if err != nil {
			logging.Error("Failed to read finalized manifest %s: %v", key, err)
			writeJSONError(w, "internal error", http.StatusInternalServerError)
			return
		}
		metrics.ManifestsServedTotal.WithLabelValues("variant").Inc()
		w.Header().Set("Content-Type", manifestContentType)
		if _, err := w.Write(manifest); err != nil {
			logging.Debug("Client left during variant playlist write: %v", err)
		}
		return
	}

	// Not finalized: the job decides pending versus absent. A failed
	// encode is absent no matter what partial segments it left behind.
	job, err := h.store.JobByFileRendition(r.Context(), fileID, label)
	if err != nil {
		logging.Error("Failed to look up job for %s/%s: %v", fileID, label, err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if job == nil || job.State == jobstore.StateFailed {
		http.NotFound(w, r)
		return
	}

	count, err := h.cache.ServableSegments(key)
	if err != nil {
		logging.Error("Failed to count segments for %s: %v", key, err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	if count == 0 {
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeJSONError(w, "rendition is still being prepared", http.StatusServiceUnavailable)
		return
	}

	manifest := playlist.Variant(playlist.VariantParams{
		SegmentCount:    count,
		SegmentDuration: h.segmentDuration,
		TotalDuration:   h.sourceDuration(r, file.ContentHash),
		Finalized:       false,
	})

	metrics.ManifestsServedTotal.WithLabelValues("variant").Inc()
	w.Header().Set("Content-Type", manifestContentType)
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := w.Write([]byte(manifest)); err != nil {
		logging.Debug("Client left during variant playlist write: %v", err)
	}
}

// Segment serves one MPEG-TS segment. A segment the encoder has not
// reached yet blocks briefly for it, then answers 503 with Retry-After
// so the player distinguishes "coming" from "gone".
// GET /stream/{fileId}/{rendition}/segment-00042.ts
func (h *Handlers) Segment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	fileID, label, segName := vars["fileId"], vars["rendition"], vars["segment"]

	index, ok := parseSegmentIndex(segName)
	if !ok {
		http.NotFound(w, r)
		return
	}

	file, err := h.store.FileByID(r.Context(), fileID)
	if err != nil {
		logging.Error("Failed to resolve file %s: %v", fileID, err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if file == nil || file.Plan == nil {
		metrics.SegmentsServedTotal.WithLabelValues("absent").Inc()
		http.NotFound(w, r)
		return
	}
	if _, ok := file.Plan.Rendition(label); !ok {
		metrics.SegmentsServedTotal.WithLabelValues("absent").Inc()
		http.NotFound(w, r)
		return
	}

	key := cache.Key(file.ContentHash, label, file.PlanFingerprint)
	segPath := h.cache.SegmentPath(key, index)

	if h.cache.Status(key) == cache.StateFinalized {
		count, err := h.cache.SegmentCount(key)
		if err != nil || index >= count {
			metrics.SegmentsServedTotal.WithLabelValues("absent").Inc()
			http.NotFound(w, r)
			return
		}
		h.serveSegment(w, r, segPath)
		return
	}

	// Entry is pending or absent. A segment past the end of the source
	// will never exist, even once the encode finishes.
	if total := h.expectedSegments(r, file.ContentHash); total > 0 && index >= total {
		metrics.SegmentsServedTotal.WithLabelValues("absent").Inc()
		http.NotFound(w, r)
		return
	}

	// Only a live job makes the segment worth waiting for. Failed jobs
	// may leave partial segments behind, and those must read as absent.
	job, err := h.store.JobByFileRendition(r.Context(), fileID, label)
	if err != nil {
		logging.Error("Failed to look up job for %s/%s: %v", fileID, label, err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if job == nil || job.State == jobstore.StateFailed {
		metrics.SegmentsServedTotal.WithLabelValues("absent").Inc()
		http.NotFound(w, r)
		return
	}

	if count, err := h.cache.ServableSegments(key); err == nil && index < count {
		h.serveSegment(w, r, segPath)
		return
	}

	// The segment is not known complete yet. The muxer writes segments
	// in place, so wait for the successor: its appearance is what
	// proves this one is fully written.
	if err := cache.WaitForSegment(r.Context(), h.cache.SegmentPath(key, index+1), h.segmentWait); err != nil {
		metrics.SegmentsServedTotal.WithLabelValues("pending").Inc()
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeJSONError(w, "segment is still being encoded", http.StatusServiceUnavailable)
		return
	}

	h.serveSegment(w, r, segPath)
}

// Subtitle serves an extracted WebVTT track.
// GET /stream/{fileId}/subtitles/{subtitleId}
func (h *Handlers) Subtitle(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	fileID, subtitleID := vars["fileId"], vars["subtitleId"]

	sub, err := h.store.SubtitleByID(r.Context(), subtitleID)
	if err != nil {
		logging.Error("Failed to resolve subtitle %s: %v", subtitleID, err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if sub == nil || sub.FileID != fileID {
		http.NotFound(w, r)
		return
	}

	data, err := filesystem.ReadFileWithRetry(sub.Path, filesystem.DefaultRetryConfig())
	if err != nil {
		logging.Error("Failed to read subtitle %s: %v", sub.Path, err)
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/vtt")
	if _, err := w.Write(data); err != nil {
		logging.Debug("Client left during subtitle write: %v", err)
	}
}

// StreamStatus reports per-rendition transcode state for a file.
// GET /stream/{fileId}/status
func (h *Handlers) StreamStatus(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["fileId"]

	file, err := h.store.FileByID(r.Context(), fileID)
	if err != nil {
		logging.Error("Failed to resolve file %s: %v", fileID, err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if file == nil {
		http.NotFound(w, r)
		return
	}

	statuses, err := h.store.StatusByFile(r.Context(), fileID)
	if err != nil {
		logging.Error("Failed to load status for %s: %v", fileID, err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, map[string]interface{}{
		"fileId":     fileID,
		"renditions": statuses,
	})
}

// serveSegment streams a segment file with timeout protection.
func (h *Handlers) serveSegment(w http.ResponseWriter, r *http.Request, path string) {
	f, err := filesystem.OpenWithRetry(path, filesystem.DefaultRetryConfig())
	if err != nil {
		metrics.SegmentsServedTotal.WithLabelValues("absent").Inc()
		http.NotFound(w, r)
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			logging.Warn("Failed to close segment %s: %v", path, err)
		}
	}()

	w.Header().Set("Content-Type", segmentContentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")

	if err := streaming.StreamWithTimeout(r.Context(), w, f, h.streamConfig); err != nil {
		logging.Debug("Segment stream for %s ended early: %v", path, err)
		return
	}
	metrics.SegmentsServedTotal.WithLabelValues("ok").Inc()
}

// sourceDuration returns the probed duration of the source, or 0 when
// the probe is not cached.
func (h *Handlers) sourceDuration(r *http.Request, contentHash string) float64 {
	mp, found, err := h.store.GetProbe(r.Context(), contentHash)
	if err != nil || !found {
		return 0
	}
	return mp.Duration
}

// expectedSegments derives how many segments a finished encode will
// hold, or 0 when the duration is unknown.
func (h *Handlers) expectedSegments(r *http.Request, contentHash string) int {
	duration := h.sourceDuration(r, contentHash)
	if duration <= 0 || h.segmentDuration <= 0 {
		return 0
	}
	return int(math.Ceil(duration / h.segmentDuration))
}

// parseSegmentIndex extracts the index from "segment-00042.ts".
func parseSegmentIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, "segment-") || !strings.HasSuffix(name, ".ts") {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, "segment-"), ".ts")
	index, err := strconv.Atoi(digits)
	if err != nil || index < 0 {
		return 0, false
	}
	return index, true
}
