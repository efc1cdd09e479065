package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"media-server/internal/logging"
)

// WaitForSegment waits for a segment file to appear and reach a
// non-zero size. Serving a pending stream uses this with a short
// timeout so a segment that is seconds away is delivered instead of
// bouncing the player through a retry.
func WaitForSegment(ctx context.Context, path string, timeout time.Duration) error {
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	// Re-check after the watch is in place so a write between the
	// first stat and watcher.Add is not missed.
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return nil
	}

	targetName := filepath.Base(path)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("timed out waiting for segment %s", targetName)
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher channel closed")
			}
			if filepath.Base(event.Name) != targetName {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			// Create can fire before the data is flushed.
			if info, err := os.Stat(path); err == nil && info.Size() > 0 {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			logging.Warn("segment watcher error: %v", err)
		}
	}
}
