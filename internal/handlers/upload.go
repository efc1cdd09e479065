package handlers

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"

	"media-server/internal/logging"
	"media-server/internal/mediatypes"
	"media-server/internal/plan"
	"media-server/internal/scanner"
)

// maxUploadBytes caps multipart parsing memory, not file size; larger
// bodies spill to disk.
const maxUploadBytes = 64 << 20

// Upload accepts a media file, stores it under the library's uploads
// directory, and ingests it at upload priority.
// POST /api/upload  (multipart field "file")
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSONError(w, "invalid multipart request", http.StatusBadRequest)
		return
	}

	src, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer func() {
		if err := src.Close(); err != nil {
			logging.Warn("Failed to close upload stream: %v", err)
		}
	}()

	name := sanitizeFilename(header.Filename)
	if name == "" || !mediatypes.IsVideoFile(name) {
		writeJSONError(w, "unsupported file type", http.StatusUnsupportedMediaType)
		return
	}

	relPath := filepath.Join("uploads", name)
	destPath := filepath.Join(h.mediaDir, relPath)
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		logging.Error("Failed to create uploads directory: %v", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	dest, err := os.Create(destPath)
	if err != nil {
		logging.Error("Failed to create upload file %s: %v", destPath, err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if _, err := io.Copy(dest, src); err != nil {
		_ = dest.Close()
		_ = os.Remove(destPath)
		logging.Error("Failed to write upload %s: %v", destPath, err)
		writeJSONError(w, "upload failed", http.StatusInternalServerError)
		return
	}
	if err := dest.Close(); err != nil {
		logging.Error("Failed to close upload %s: %v", destPath, err)
		writeJSONError(w, "upload failed", http.StatusInternalServerError)
		return
	}

	// Same id derivation as the scanner, so a later rescan resolves
	// this upload to the same file instead of re-registering it.
	fileID := scanner.FileIDForPath(relPath)

	result, err := h.ingester.Ingest(r.Context(), fileID, destPath)
	if err != nil {
		_ = os.Remove(destPath)
		if errors.Is(err, plan.ErrNoRenditions) {
			writeJSONError(w, "file has no playable video track", http.StatusUnprocessableEntity)
			return
		}
		logging.Error("Ingest of %s failed: %v", name, err)
		writeJSONError(w, "ingest failed", http.StatusInternalServerError)
		return
	}

	logging.Info("Uploaded %s as file %s (%d job(s) enqueued)", name, fileID, result.JobsEnqueued)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, result)
}

// DeleteFile tears down a registered file: cancels its jobs, removes
// its cached artifacts and subtitles, and deletes the registration.
// The source file on disk is left alone.
// DELETE /api/files/{fileId}
func (h *Handlers) DeleteFile(w http.ResponseWriter, r *http.Request) {
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

	if err := h.ingester.Remove(r.Context(), fileID); err != nil {
		logging.Error("Failed to remove file %s: %v", fileID, err)
		writeJSONError(w, "removal failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]interface{}{
		"removed": fileID,
	})
}

// sanitizeFilename strips any path components from a client-supplied
// filename.
func sanitizeFilename(name string) string {
	name = filepath.Base(filepath.Clean(name))
	if name == "." || name == ".." || name == "/" || strings.HasPrefix(name, ".") {
		return ""
	}
	return name
}
