package workers

import (
	"os"
	"runtime"
	"strconv"
)

// Count returns the number of concurrent transcode slots. It respects
// container CPU limits via GOMAXPROCS (Go 1.19+).
//
// The multiplier adjusts for task characteristics:
//   - 1.0 for CPU-bound tasks
//   - 2.0 for I/O-bound tasks
//
// The limit parameter caps the count to prevent resource exhaustion.
// Use 0 for no limit.
//
// Can be overridden with the MAX_CONCURRENT_TRANSCODES environment
// variable.
func Count(multiplier float64, limit int) int {
	if override := os.Getenv("MAX_CONCURRENT_TRANSCODES"); override != "" {
		if count, err := strconv.Atoi(override); err == nil && count > 0 {
			if limit > 0 && count > limit {
				return limit
			}
			return count
		}
	}

	// GOMAXPROCS is automatically set to container CPU limit in Go 1.19+
	available := runtime.GOMAXPROCS(0)

	workers := int(float64(available) * multiplier)

	if workers < 1 {
		workers = 1
	}
	if limit > 0 && workers > limit {
		workers = limit
	}

	return workers
}

// ForTranscode returns the slot count for encode work. Encoding is
// CPU-bound, so it defaults to one slot per CPU capped at limit.
func ForTranscode(limit int) int {
	return Count(1.0, limit)
}

// ForIO returns worker count for I/O-bound tasks (2 per CPU).
func ForIO(limit int) int {
	return Count(2.0, limit)
}
