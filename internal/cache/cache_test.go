package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func writeSegments(t *testing.T, c *Cache, key string, n int) {
	t.Helper()
	dir, err := c.Begin(key)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for i := 0; i < n; i++ {
		if err := os.WriteFile(c.SegmentPath(key, i), []byte("ts-data"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("entry dir missing: %v", err)
	}
}

func TestKeyDerivation(t *testing.T) {
	k1 := Key("hash1", "720p", "fp1")
	k2 := Key("hash1", "720p", "fp1")
	if k1 != k2 {
		t.Error("key derivation is not deterministic")
	}
	if len(k1) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(k1))
	}

	// Any input change must change the key.
	for _, other := range []string{
		Key("hash2", "720p", "fp1"),
		Key("hash1", "480p", "fp1"),
		Key("hash1", "720p", "fp2"),
	} {
		if other == k1 {
			t.Error("distinct inputs collided")
		}
	}
}

func TestEntryLifecycle(t *testing.T) {
	c := newTestCache(t)
	key := Key("hash", "720p", "fp")

	if got := c.Status(key); got != StateAbsent {
		t.Errorf("fresh entry status = %s, want absent", got)
	}

	writeSegments(t, c, key, 3)
	if got := c.Status(key); got != StatePending {
		t.Errorf("filling entry status = %s, want pending", got)
	}
	if n, err := c.SegmentCount(key); err != nil || n != 3 {
		t.Errorf("SegmentCount = %d, %v; want 3", n, err)
	}

	manifest := []byte("#EXTM3U\n#EXT-X-ENDLIST\n")
	if err := c.Finalize(key, manifest); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got := c.Status(key); got != StateFinalized {
		t.Errorf("finalized entry status = %s, want finalized", got)
	}
	data, err := os.ReadFile(c.ManifestPath(key))
	if err != nil || string(data) != string(manifest) {
		t.Errorf("manifest = %q, %v", data, err)
	}

	// Finalize is idempotent and must not rewrite the manifest.
	if err := c.Finalize(key, []byte("other")); err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
	data, _ = os.ReadFile(c.ManifestPath(key))
	if string(data) != string(manifest) {
		t.Error("idempotent finalize rewrote the manifest")
	}

	// A finalized entry cannot be re-opened for writing.
	if _, err := c.Begin(key); err == nil {
		t.Error("Begin on finalized entry did not fail")
	}
}

func TestSegmentCountIgnoresManifest(t *testing.T) {
	c := newTestCache(t)
	key := Key("hash", "480p", "fp")
	writeSegments(t, c, key, 2)
	if err := c.Finalize(key, []byte("#EXTM3U\n")); err != nil {
		t.Fatal(err)
	}
	if n, _ := c.SegmentCount(key); n != 2 {
		t.Errorf("SegmentCount = %d after finalize, want 2", n)
	}
}

func TestServableSegmentsExcludesInFlightSegment(t *testing.T) {
	c := newTestCache(t)
	key := Key("hash", "720p", "fp")

	if n, err := c.ServableSegments(key); err != nil || n != 0 {
		t.Errorf("absent entry = %d, %v, want 0", n, err)
	}

	// Pending: the newest segment may still be mid-write.
	writeSegments(t, c, key, 3)
	if n, err := c.ServableSegments(key); err != nil || n != 2 {
		t.Errorf("pending entry = %d, %v, want 2", n, err)
	}

	if err := c.Finalize(key, []byte("#EXTM3U\n")); err != nil {
		t.Fatal(err)
	}
	if n, err := c.ServableSegments(key); err != nil || n != 3 {
		t.Errorf("finalized entry = %d, %v, want 3", n, err)
	}
}

func TestRemoveAndClear(t *testing.T) {
	c := newTestCache(t)
	key := Key("hash", "720p", "fp")
	writeSegments(t, c, key, 2)

	if err := c.Remove(key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := c.Status(key); got != StateAbsent {
		t.Errorf("removed entry status = %s, want absent", got)
	}

	writeSegments(t, c, key, 4)
	if err := os.WriteFile(c.SubtitlePath("file1", 0), []byte("WEBVTT\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	freed, err := c.Clear()
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if freed == 0 {
		t.Error("Clear freed 0 bytes with artifacts present")
	}
	if got := c.Status(key); got != StateAbsent {
		t.Errorf("status after clear = %s, want absent", got)
	}
	if _, err := os.Stat(c.SubtitlePath("file1", 0)); !os.IsNotExist(err) {
		t.Error("subtitle survived Clear")
	}
}

func TestRemoveSubtitles(t *testing.T) {
	c := newTestCache(t)
	for _, idx := range []int{0, 2} {
		if err := os.WriteFile(c.SubtitlePath("file1", idx), []byte("WEBVTT\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(c.SubtitlePath("file2", 0), []byte("WEBVTT\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := c.RemoveSubtitles("file1"); err != nil {
		t.Fatalf("RemoveSubtitles: %v", err)
	}
	if _, err := os.Stat(c.SubtitlePath("file1", 0)); !os.IsNotExist(err) {
		t.Error("file1 subtitle survived")
	}
	if _, err := os.Stat(c.SubtitlePath("file2", 0)); err != nil {
		t.Error("file2 subtitle was deleted")
	}
}

func TestWaitForSegmentAlreadyPresent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment-00000.ts")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WaitForSegment(context.Background(), path, time.Second); err != nil {
		t.Errorf("WaitForSegment on existing file: %v", err)
	}
}

func TestWaitForSegmentAppears(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment-00001.ts")

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(path, []byte("data"), 0o644)
	}()

	if err := WaitForSegment(context.Background(), path, 5*time.Second); err != nil {
		t.Errorf("WaitForSegment: %v", err)
	}
}

func TestWaitForSegmentTimeout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment-00002.ts")

	err := WaitForSegment(context.Background(), path, 50*time.Millisecond)
	if err == nil {
		t.Error("WaitForSegment did not time out")
	}
}

func TestWaitForSegmentContextCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment-00003.ts")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := WaitForSegment(ctx, path, 5*time.Second)
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
