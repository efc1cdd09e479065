package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"media-server/internal/logging"
	"media-server/internal/metrics"
)

// ManifestName is the variant playlist written into each entry. Its
// presence is the finalize marker: an entry with a manifest is
// complete and immutable, an entry without one is still being filled.
const ManifestName = "index.m3u8"

// EntryState classifies a cache entry for a rendition key.
type EntryState string

const (
	// StateAbsent means no work has reached the cache for this key.
	StateAbsent EntryState = "absent"
	// StatePending means segments are arriving but the entry is not
	// finalized.
	StatePending EntryState = "pending"
	// StateFinalized means the entry is complete and immutable.
	StateFinalized EntryState = "finalized"
)

// Key derives the content address for one rendition of one source.
// Any change to the source bytes or the encode decisions produces a
// different key, so stale artifacts can never be served for fresh
// content.
func Key(contentHash, rendition, planFingerprint string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s\n", contentHash, rendition, planFingerprint)
	return hex.EncodeToString(h.Sum(nil))
}

// Cache is the content-addressed artifact store for finished and
// in-flight rendition encodes.
type Cache struct {
	root string
}

func New(root string) (*Cache, error) {
	for _, dir := range []string{
		filepath.Join(root, "artifacts"),
		filepath.Join(root, "subtitles"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
		}
	}
	return &Cache{root: root}, nil
}

// EntryDir is where one rendition's segments and manifest live.
func (c *Cache) EntryDir(key string) string {
	return filepath.Join(c.root, "artifacts", key)
}

func (c *Cache) SegmentPath(key string, index int) string {
	return filepath.Join(c.EntryDir(key), fmt.Sprintf("segment-%05d.ts", index))
}

func (c *Cache) ManifestPath(key string) string {
	return filepath.Join(c.EntryDir(key), ManifestName)
}

// SubtitlePath is where an extracted WebVTT track lives.
func (c *Cache) SubtitlePath(fileID string, trackIndex int) string {
	return filepath.Join(c.root, "subtitles", fmt.Sprintf("%s-%d.vtt", fileID, trackIndex))
}

// Begin prepares an entry directory for a worker to fill and returns
// it. Beginning an already-finalized entry is an error; the caller
// should have skipped the job.
func (c *Cache) Begin(key string) (string, error) {
	if c.Finalized(key) {
		return "", fmt.Errorf("cache entry %s is already finalized", key)
	}
	dir := c.EntryDir(key)
	// A previous crashed attempt may have left partial segments; a
	// fresh encode overwrites them index for index.
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache entry %s: %w", key, err)
	}
	return dir, nil
}

// Finalized reports whether an entry is complete.
func (c *Cache) Finalized(key string) bool {
	info, err := os.Stat(c.ManifestPath(key))
	return err == nil && info.Size() > 0
}

// Status classifies an entry and records the lookup.
func (c *Cache) Status(key string) EntryState {
	state := StateAbsent
	if c.Finalized(key) {
		state = StateFinalized
	} else if _, err := os.Stat(c.EntryDir(key)); err == nil {
		state = StatePending
	}
	metrics.CacheLookupsTotal.WithLabelValues(lookupLabel(state)).Inc()
	return state
}

func lookupLabel(state EntryState) string {
	switch state {
	case StateFinalized:
		return "hit"
	case StatePending:
		return "partial"
	default:
		return "miss"
	}
}

// SegmentCount returns how many segments an entry currently holds.
// For pending entries this grows as the encode advances.
func (c *Cache) SegmentCount(key string) (int, error) {
	entries, err := os.ReadDir(c.EntryDir(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "segment-") && strings.HasSuffix(name, ".ts") {
			count++
		}
	}
	return count, nil
}

// ServableSegments is how many leading segments are safe to hand to a
// client. The segment muxer writes in place, so while an entry is
// still pending its newest segment may be mid-write; a segment is
// known complete only once its successor exists. Finalized entries
// serve every segment.
func (c *Cache) ServableSegments(key string) (int, error) {
	count, err := c.SegmentCount(key)
	if err != nil {
		return 0, err
	}
	if c.Finalized(key) || count == 0 {
		return count, nil
	}
	return count - 1, nil
}

// Finalize writes the completed variant manifest atomically, turning
// the entry immutable. Finalizing an already-finalized entry is a
// no-op, which is what makes concurrent duplicate encodes harmless.
func (c *Cache) Finalize(key string, manifest []byte) error {
	if c.Finalized(key) {
		return nil
	}
	if err := renameio.WriteFile(c.ManifestPath(key), manifest, 0o644); err != nil {
		return fmt.Errorf("failed to finalize cache entry %s: %w", key, err)
	}
	count, err := c.SegmentCount(key)
	if err == nil {
		metrics.SegmentsWrittenTotal.Add(float64(count))
	}
	logging.Debug("finalized cache entry %s with %d segment(s)", key, count)
	return nil
}

// Remove deletes an entry outright. Used when a source file is
// deleted from the library.
func (c *Cache) Remove(key string) error {
	return os.RemoveAll(c.EntryDir(key))
}

// RemoveSubtitles deletes a file's extracted subtitle tracks.
func (c *Cache) RemoveSubtitles(fileID string) error {
	matches, err := filepath.Glob(filepath.Join(c.root, "subtitles", fileID+"-*.vtt"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Clear removes every cached artifact and returns the number of bytes
// freed.
func (c *Cache) Clear() (int64, error) {
	var freedBytes int64

	for _, sub := range []string{"artifacts", "subtitles"} {
		dir := filepath.Join(c.root, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return freedBytes, fmt.Errorf("failed to read cache directory %s: %w", dir, err)
		}

		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				size, _ := dirSize(path)
				if err := os.RemoveAll(path); err != nil {
					logging.Warn("failed to remove directory %s: %v", path, err)
					continue
				}
				freedBytes += size
			} else {
				info, err := entry.Info()
				if err != nil {
					continue
				}
				if err := os.Remove(path); err != nil {
					logging.Warn("failed to remove file %s: %v", path, err)
					continue
				}
				freedBytes += info.Size()
			}
		}
	}

	metrics.CacheSizeBytes.Set(0)
	logging.Info("Cleared rendition cache: freed %d bytes", freedBytes)
	return freedBytes, nil
}

// Size walks the cache and refreshes the size gauge.
func (c *Cache) Size() (int64, error) {
	size, err := dirSize(c.root)
	if err != nil {
		return 0, err
	}
	metrics.CacheSizeBytes.Set(float64(size))
	return size, nil
}

func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
