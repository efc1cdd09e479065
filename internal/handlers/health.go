package handlers

import (
	"net/http"
	"runtime"
	"time"

	"media-server/internal/jobstore"
	"media-server/internal/startup"
)

const (
	statusHealthy  = "healthy"
	statusDegraded = "degraded"
)

// HealthResponse contains the health check response
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Uptime   string `json:"uptime"`
	Scanning bool   `json:"scanning"`

	// Job summary
	JobsQueued    int `json:"jobsQueued"`
	JobsRunning   int `json:"jobsRunning"`
	JobsCompleted int `json:"jobsCompleted"`
	JobsFailed    int `json:"jobsFailed"`

	// System info
	GoVersion    string `json:"goVersion"`
	NumCPU       int    `json:"numCpu"`
	NumGoroutine int    `json:"numGoroutine"`
}

// HealthCheck returns the health status of the service
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:       statusHealthy,
		Version:      startup.Version,
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
	}

	counts, err := h.store.CountsByState(r.Context())
	if err != nil {
		response.Status = statusDegraded
	} else {
		response.JobsQueued = counts[jobstore.StateQueued]
		response.JobsRunning = counts[jobstore.StateRunning]
		response.JobsCompleted = counts[jobstore.StateCompleted]
		response.JobsFailed = counts[jobstore.StateFailed]
	}

	if h.scanner != nil {
		response.Scanning = h.scanner.IsScanning()
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status == statusDegraded {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	writeJSON(w, response)
}

// LivenessCheck is a simple liveness probe (always returns 200 if server is running)
func (h *Handlers) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	// For HEAD requests, only send headers (no body)
	if r.Method != http.MethodHead {
		writeJSON(w, map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessCheck returns 200 only when the database answers.
func (h *Handlers) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := h.store.CountsByState(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]string{
			"status": "not_ready",
		})
		return
	}
	w.WriteHeader(http.StatusOK)
	writeJSON(w, map[string]string{
		"status": "ready",
	})
}
