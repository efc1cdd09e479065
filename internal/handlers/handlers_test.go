package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"media-server/internal/cache"
	"media-server/internal/ingest"
	"media-server/internal/jobstore"
	"media-server/internal/plan"
	"media-server/internal/probe"
	"media-server/internal/startup"
	"media-server/internal/streaming"
)

type fakeSubtitleRunner struct{}

func (fakeSubtitleRunner) RunQuiet(_ context.Context, args []string) error {
	return os.WriteFile(args[len(args)-1], []byte("WEBVTT\n"), 0o644)
}

type fixture struct {
	store   *jobstore.Store
	cache   *cache.Cache
	router  *mux.Router
	handler *Handlers

	fileID      string
	contentHash string
	fingerprint string
	plan        *plan.DeliveryPlan
}

func testPlan() *plan.DeliveryPlan {
	return &plan.DeliveryPlan{
		Renditions: []plan.Rendition{
			{Label: "720p", Width: 1280, Height: 720, VideoAction: plan.ActionTranscode, AudioAction: plan.ActionCopy, TargetBitrate: 2_500_000},
			{Label: "480p", Width: 854, Height: 480, VideoAction: plan.ActionTranscode, AudioAction: plan.ActionCopy, TargetBitrate: 1_200_000},
		},
		AudioTracks: []probe.Track{
			{Index: 1, Type: probe.TrackAudio, Codec: "aac", Language: "eng", Channels: 2},
		},
		SubtitleFormat:   plan.SubtitleFormatWebVTT,
		SourceVideoCodec: "h264",
	}
}

// newFixture builds a server around a registered file with a
// two-rendition plan and a 60s probed duration.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := jobstore.New(ctx, filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("jobstore.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	artifactCache, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	config := &startup.Config{
		MediaDir:        t.TempDir(),
		SegmentDuration: 6 * time.Second,
	}
	ing := ingest.New(store, artifactCache, fakeSubtitleRunner{}, plan.DefaultLadder(), plan.DefaultCompatibility())

	h := New(store, artifactCache, ing, nil, config)
	h.segmentWait = 150 * time.Millisecond
	h.streamConfig = streaming.TimeoutWriterConfig{
		WriteTimeout: 2 * time.Second,
		IdleTimeout:  2 * time.Second,
		ChunkSize:    64 * 1024,
	}

	router := mux.NewRouter()
	h.RegisterRoutes(router)

	f := &fixture{
		store:       store,
		cache:       artifactCache,
		router:      router,
		handler:     h,
		fileID:      "file1",
		contentHash: "hash-abc",
		plan:        testPlan(),
	}
	f.fingerprint = f.plan.Fingerprint()

	if err := store.RegisterFile(ctx, &jobstore.MediaFile{
		FileID:          f.fileID,
		Path:            "/media/movie.mkv",
		ContentHash:     f.contentHash,
		PlanFingerprint: f.fingerprint,
		Plan:            f.plan,
	}); err != nil {
		t.Fatal(err)
	}

	if err := store.PutProbe(ctx, f.contentHash, &probe.MediaProbe{
		Duration:  60,
		Container: "mkv",
		Tracks: []probe.Track{
			{Index: 0, Type: probe.TrackVideo, Codec: "h264", Width: 1280, Height: 720},
			{Index: 1, Type: probe.TrackAudio, Codec: "aac", Channels: 2},
		},
	}); err != nil {
		t.Fatal(err)
	}

	return f
}

func (f *fixture) key(rendition string) string {
	return cache.Key(f.contentHash, rendition, f.fingerprint)
}

// writeSegments fills a cache entry with n fake segments.
func (f *fixture) writeSegments(t *testing.T, rendition string, n int) string {
	t.Helper()
	key := f.key(rendition)
	if _, err := f.cache.Begin(key); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		if err := os.WriteFile(f.cache.SegmentPath(key, i), []byte("ts-payload"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return key
}

func (f *fixture) finalize(t *testing.T, rendition string, manifest string) {
	t.Helper()
	if err := f.cache.Finalize(f.key(rendition), []byte(manifest)); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func (f *fixture) enqueue(t *testing.T, rendition string) *jobstore.Job {
	t.Helper()
	job, err := f.store.Enqueue(context.Background(), f.fileID, f.contentHash, rendition,
		f.fingerprint, f.key(rendition), jobstore.PriorityUpload)
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func TestMasterPlaylistOmitsZeroSegmentRenditions(t *testing.T) {
	f := newFixture(t)
	f.writeSegments(t, "720p", 3)

	rec := f.get(t, "/stream/file1/master.m3u8")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != manifestContentType {
		t.Errorf("Content-Type = %q", ct)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "720p/index.m3u8") {
		t.Error("servable 720p variant missing from master playlist")
	}
	if strings.Contains(body, "480p/index.m3u8") {
		t.Error("zero-segment 480p variant listed in master playlist")
	}
}

func TestMasterPlaylistNoRenditionsYet(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/stream/file1/master.m3u8")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("503 without Retry-After")
	}
}

func TestMasterPlaylistUnknownFile(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/stream/nope/master.m3u8")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestVariantPlaylistFinalizedServesManifest(t *testing.T) {
	f := newFixture(t)
	f.writeSegments(t, "720p", 10)
	manifest := "#EXTM3U\n#EXT-X-ENDLIST\n"
	f.finalize(t, "720p", manifest)

	rec := f.get(t, "/stream/file1/720p/index.m3u8")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != manifest {
		t.Errorf("body = %q, want stored manifest", rec.Body.String())
	}
}

func TestVariantPlaylistPendingPrefixWithoutEndlist(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "720p")
	f.writeSegments(t, "720p", 4)

	rec := f.get(t, "/stream/file1/720p/index.m3u8")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}

	body := rec.Body.String()
	if strings.Contains(body, "#EXT-X-ENDLIST") {
		t.Error("pending playlist carries ENDLIST")
	}
	if !strings.Contains(body, "segment-00002.ts") {
		t.Error("pending playlist missing completed segment")
	}
	// The newest segment of a pending entry may still be mid-write and
	// must not be listed.
	if strings.Contains(body, "segment-00003.ts") {
		t.Error("pending playlist lists the in-flight segment")
	}
}

func TestVariantPlaylistQueuedZeroSegments(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "720p")

	rec := f.get(t, "/stream/file1/720p/index.m3u8")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("503 without Retry-After")
	}
}

func TestVariantPlaylistFailedJobIs404(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, "720p")
	job, err := f.store.Acquire(ctx, "w1", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("Acquire: %v %v", job, err)
	}
	if err := f.store.Fail(ctx, job.ID, "w1", jobstore.ErrorCrashed, "encoder died"); err != nil {
		t.Fatal(err)
	}

	rec := f.get(t, "/stream/file1/720p/index.m3u8")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for failed rendition", rec.Code)
	}
}

func TestVariantPlaylistUnplannedRendition(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/stream/file1/1080p/index.m3u8")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for unplanned rendition", rec.Code)
	}
}

func TestSegmentServed(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "720p")
	f.writeSegments(t, "720p", 3)

	rec := f.get(t, "/stream/file1/720p/segment-00001.ts")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != segmentContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Body.String() != "ts-payload" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestSegmentPendingAnswers503(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "720p")
	// Entry exists with some segments; the requested one is not written
	// yet but is within the expected total (60s / 6s = 10 segments).
	f.writeSegments(t, "720p", 2)

	rec := f.get(t, "/stream/file1/720p/segment-00005.ts")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 for pending segment", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("503 without Retry-After")
	}
}

func TestSegmentBeyondSourceEndIs404(t *testing.T) {
	f := newFixture(t)
	f.writeSegments(t, "720p", 2)

	// 60s source at 6s segments can never have a segment 10.
	rec := f.get(t, "/stream/file1/720p/segment-00010.ts")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 beyond source end", rec.Code)
	}
}

func TestSegmentFinalizedOutOfRangeIs404(t *testing.T) {
	f := newFixture(t)
	f.writeSegments(t, "720p", 3)
	f.finalize(t, "720p", "#EXTM3U\n#EXT-X-ENDLIST\n")

	rec := f.get(t, "/stream/file1/720p/segment-00003.ts")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 past finalized entry", rec.Code)
	}
}

func TestSegmentAppearsWhileWaiting(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "720p")
	key := f.writeSegments(t, "720p", 1)

	// A segment is only complete once its successor exists, so the
	// handler holds the request until segment 2 lands.
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = os.WriteFile(f.cache.SegmentPath(key, 1), []byte("late-segment"), 0o644)
		_ = os.WriteFile(f.cache.SegmentPath(key, 2), []byte("successor"), 0o644)
	}()

	rec := f.get(t, "/stream/file1/720p/segment-00001.ts")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after segment appears (%s)", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "late-segment" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestSegmentNewestPendingNotServed(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "720p")
	f.writeSegments(t, "720p", 3)

	// segment-00002 is the newest written segment of a pending entry;
	// without a successor it may still be mid-write.
	rec := f.get(t, "/stream/file1/720p/segment-00002.ts")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 for in-flight segment", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("503 without Retry-After")
	}
}

func TestSegmentFailedJobPartialSegmentsIs404(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, "720p")
	job, err := f.store.Acquire(ctx, "w1", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("Acquire: %v %v", job, err)
	}
	f.writeSegments(t, "720p", 2)
	if err := f.store.Fail(ctx, job.ID, "w1", jobstore.ErrorCrashed, "encoder died"); err != nil {
		t.Fatal(err)
	}

	// Nothing will ever finish this encode: both the written prefix
	// and the unwritten tail are absent, not pending.
	for _, seg := range []string{"segment-00000.ts", "segment-00005.ts"} {
		rec := f.get(t, "/stream/file1/720p/"+seg)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s after failure: status = %d, want 404", seg, rec.Code)
		}
	}
	rec := f.get(t, "/stream/file1/720p/index.m3u8")
	if rec.Code != http.StatusNotFound {
		t.Errorf("variant playlist after failure: status = %d, want 404", rec.Code)
	}
}

func TestSegmentAbsentEntryNoJobIs404(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/stream/file1/720p/segment-00000.ts")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when nothing will produce the segment", rec.Code)
	}
}

func TestStreamStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, "720p")
	f.enqueue(t, "480p")
	job, err := f.store.Acquire(ctx, "w1", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("Acquire: %v %v", job, err)
	}
	if _, err := f.store.ReportProgress(ctx, job.ID, "w1", 40, time.Minute); err != nil {
		t.Fatal(err)
	}

	rec := f.get(t, "/stream/file1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}

	var payload struct {
		FileID     string                     `json:"fileId"`
		Renditions []jobstore.RenditionStatus `json:"renditions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.FileID != "file1" || len(payload.Renditions) != 2 {
		t.Fatalf("payload = %+v", payload)
	}

	byLabel := make(map[string]jobstore.RenditionStatus)
	for _, rs := range payload.Renditions {
		byLabel[rs.Rendition] = rs
	}
	if byLabel["720p"].State != jobstore.StateRunning || byLabel["720p"].Progress != 40 {
		t.Errorf("720p status = %+v", byLabel["720p"])
	}
	if byLabel["480p"].State != jobstore.StateQueued {
		t.Errorf("480p status = %+v", byLabel["480p"])
	}
}

func TestSubtitleServedAndScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path := f.cache.SubtitlePath(f.fileID, 2)
	if err := os.WriteFile(path, []byte("WEBVTT\n\n00:00.000 --> 00:02.000\nhello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.store.AddSubtitle(ctx, &jobstore.Subtitle{
		SubtitleID: "sub1", FileID: f.fileID, TrackIndex: 2, Language: "eng", Path: path,
	}); err != nil {
		t.Fatal(err)
	}

	rec := f.get(t, "/stream/file1/subtitles/sub1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/vtt" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.HasPrefix(rec.Body.String(), "WEBVTT") {
		t.Errorf("body = %q", rec.Body.String())
	}

	// A subtitle id is only valid under its own file.
	rec = f.get(t, "/stream/otherfile/subtitles/sub1")
	if rec.Code != http.StatusNotFound {
		t.Errorf("cross-file subtitle fetch = %d, want 404", rec.Code)
	}
}

func TestParseSegmentIndex(t *testing.T) {
	tests := []struct {
		name  string
		index int
		ok    bool
	}{
		{"segment-00000.ts", 0, true},
		{"segment-00042.ts", 42, true},
		{"segment-12345.ts", 12345, true},
		{"segment-.ts", 0, false},
		{"clip-00001.ts", 0, false},
		{"segment-00001.mp4", 0, false},
	}

	for _, tt := range tests {
		index, ok := parseSegmentIndex(tt.name)
		if ok != tt.ok || (ok && index != tt.index) {
			t.Errorf("parseSegmentIndex(%q) = (%d, %v), want (%d, %v)", tt.name, index, ok, tt.index, tt.ok)
		}
	}
}
