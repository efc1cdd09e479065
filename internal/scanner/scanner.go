package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"media-server/internal/ingest"
	"media-server/internal/jobstore"
	"media-server/internal/logging"
	"media-server/internal/mediatypes"
	"media-server/internal/metrics"
)

// fileState is what the scanner remembers about a path between scans.
// A file whose size and mtime are unchanged is not re-ingested.
type fileState struct {
	size    int64
	modTime time.Time
}

// Scanner periodically walks the media directory and reconciles it
// with the registered library: new videos are ingested at backlog
// priority, vanished videos are torn down.
type Scanner struct {
	store    *jobstore.Store
	ingester *ingest.Ingester
	mediaDir string
	interval time.Duration

	scanMu     sync.Mutex
	isScanning bool
	lastScan   time.Time

	stateMu sync.Mutex
	seen    map[string]fileState

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a scanner for mediaDir. It does not start scanning.
func New(store *jobstore.Store, ingester *ingest.Ingester, mediaDir string, interval time.Duration) *Scanner {
	return &Scanner{
		store:    store,
		ingester: ingester,
		mediaDir: mediaDir,
		interval: interval,
		seen:     make(map[string]fileState),
		stopChan: make(chan struct{}),
	}
}

// Start runs an initial scan in the background and then rescans on the
// configured interval.
func (sc *Scanner) Start() {
	sc.wg.Add(1)
	go func() {
		defer sc.wg.Done()

		logging.Info("Starting initial library scan in background...")
		if err := sc.Scan(context.Background()); err != nil {
			logging.Error("Initial library scan error: %v", err)
		}

		ticker := time.NewTicker(sc.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := sc.Scan(context.Background()); err != nil {
					logging.Error("Library scan error: %v", err)
				}
			case <-sc.stopChan:
				return
			}
		}
	}()
}

// Stop halts periodic scanning and waits for an in-flight scan to
// notice.
func (sc *Scanner) Stop() {
	close(sc.stopChan)
	sc.wg.Wait()
}

// Scan walks the media directory once. Only one scan runs at a time;
// a concurrent call returns immediately.
func (sc *Scanner) Scan(ctx context.Context) error {
	if !sc.tryStartScan() {
		logging.Info("Library scan already in progress, skipping...")
		return nil
	}
	defer sc.finishScan()

	metrics.ScannerIsRunning.Set(1)
	defer metrics.ScannerIsRunning.Set(0)
	metrics.ScannerRunsTotal.Inc()

	start := time.Now()
	logging.Info("Scanning media library at %s...", sc.mediaDir)

	present, discovered, err := sc.walkLibrary(ctx)
	if err != nil {
		metrics.ScannerErrors.Inc()
		return err
	}

	removed := sc.removeVanished(ctx, present)

	duration := time.Since(start)
	metrics.ScannerLastRunTimestamp.Set(float64(time.Now().Unix()))
	metrics.ScannerLastRunDuration.Set(duration.Seconds())

	logging.Info("Library scan complete: %d file(s) present, %d new, %d removed in %v",
		len(present), discovered, removed, duration)
	return nil
}

// walkLibrary visits every video under the media directory and ingests
// the new or changed ones. It returns the set of fileIds found on disk.
func (sc *Scanner) walkLibrary(ctx context.Context) (map[string]bool, int, error) {
	present := make(map[string]bool)
	discovered := 0

	err := filepath.Walk(sc.mediaDir, func(path string, info os.FileInfo, err error) error {
		select {
		case <-sc.stopChan:
			return fs.SkipAll
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			logging.Warn("Error accessing path %s: %v", path, err)
			return nil
		}

		if strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.IsDir() || !mediatypes.IsVideoFile(path) {
			return nil
		}

		relPath, err := filepath.Rel(sc.mediaDir, path)
		if err != nil {
			return err
		}

		fileID := FileIDForPath(relPath)
		present[fileID] = true

		if sc.unchanged(path, info) {
			return nil
		}

		if _, err := sc.ingester.IngestWithPriority(ctx, fileID, path, jobstore.PriorityBacklog); err != nil {
			logging.Warn("Failed to ingest %s: %v", relPath, err)
			metrics.ScannerErrors.Inc()
			return nil
		}

		sc.remember(path, info)
		discovered++
		metrics.ScannerFilesDiscovered.Inc()
		return nil
	})

	if err != nil && !errors.Is(err, fs.SkipAll) {
		return nil, discovered, err
	}
	return present, discovered, nil
}

// removeVanished tears down registered files that no longer exist on
// disk. Files registered outside the media directory (direct uploads
// into other paths) are left alone unless their source is gone.
func (sc *Scanner) removeVanished(ctx context.Context, present map[string]bool) int {
	files, err := sc.store.ListFiles(ctx)
	if err != nil {
		logging.Error("Failed to list registered files: %v", err)
		metrics.ScannerErrors.Inc()
		return 0
	}

	removed := 0
	for _, f := range files {
		if present[f.FileID] {
			continue
		}
		if _, err := os.Stat(f.Path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			logging.Warn("Cannot stat %s, leaving registration intact: %v", f.Path, err)
			continue
		}

		logging.Info("Source %s vanished, removing file %s", f.Path, f.FileID)
		if err := sc.ingester.Remove(ctx, f.FileID); err != nil {
			logging.Warn("Failed to remove vanished file %s: %v", f.FileID, err)
			metrics.ScannerErrors.Inc()
			continue
		}
		sc.forget(f.Path)
		removed++
		metrics.ScannerFilesRemoved.Inc()
	}
	return removed
}

// IsScanning returns whether a scan is currently in progress.
func (sc *Scanner) IsScanning() bool {
	sc.scanMu.Lock()
	defer sc.scanMu.Unlock()
	return sc.isScanning
}

// LastScanTime returns the time of the last completed scan.
func (sc *Scanner) LastScanTime() time.Time {
	sc.scanMu.Lock()
	defer sc.scanMu.Unlock()
	return sc.lastScan
}

// TriggerScan manually triggers a rescan in the background.
func (sc *Scanner) TriggerScan() {
	go func() {
		if err := sc.Scan(context.Background()); err != nil {
			logging.Error("Manually triggered scan failed: %v", err)
		}
	}()
}

// FileIDForPath derives a stable fileId from a library-relative path,
// so rescans and restarts resolve the same file to the same id.
func FileIDForPath(relPath string) string {
	sum := sha256.Sum256([]byte(filepath.ToSlash(relPath)))
	return hex.EncodeToString(sum[:16])
}

func (sc *Scanner) tryStartScan() bool {
	sc.scanMu.Lock()
	defer sc.scanMu.Unlock()
	if sc.isScanning {
		return false
	}
	sc.isScanning = true
	return true
}

func (sc *Scanner) finishScan() {
	sc.scanMu.Lock()
	defer sc.scanMu.Unlock()
	sc.isScanning = false
	sc.lastScan = time.Now()
}

func (sc *Scanner) unchanged(path string, info os.FileInfo) bool {
	sc.stateMu.Lock()
	defer sc.stateMu.Unlock()
	prev, ok := sc.seen[path]
	return ok && prev.size == info.Size() && prev.modTime.Equal(info.ModTime())
}

func (sc *Scanner) remember(path string, info os.FileInfo) {
	sc.stateMu.Lock()
	defer sc.stateMu.Unlock()
	sc.seen[path] = fileState{size: info.Size(), modTime: info.ModTime()}
}

func (sc *Scanner) forget(path string) {
	sc.stateMu.Lock()
	defer sc.stateMu.Unlock()
	delete(sc.seen, path)
}
