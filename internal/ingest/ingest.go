package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"media-server/internal/cache"
	"media-server/internal/ffmpeg"
	"media-server/internal/jobstore"
	"media-server/internal/logging"
	"media-server/internal/plan"
	"media-server/internal/probe"
)

// SubtitleRunner runs short ffmpeg invocations for subtitle
// extraction. Satisfied by *ffmpeg.Encoder.
type SubtitleRunner interface {
	RunQuiet(ctx context.Context, args []string) error
}

// Ingester drives the upload boundary: hash, probe, classify, extract
// subtitles, enqueue rendition jobs. Probe and classification errors
// surface synchronously so the caller can reject the upload; encode
// failures happen later and land in job state.
type Ingester struct {
	store   *jobstore.Store
	cache   *cache.Cache
	prober  *probe.Prober
	runner  SubtitleRunner
	builder *ffmpeg.CommandBuilder
	ladder  plan.Ladder
	compat  plan.Compatibility
}

func New(store *jobstore.Store, artifactCache *cache.Cache, runner SubtitleRunner, ladder plan.Ladder, compat plan.Compatibility) *Ingester {
	return &Ingester{
		store:   store,
		cache:   artifactCache,
		prober:  probe.NewProber(store),
		runner:  runner,
		builder: ffmpeg.NewCommandBuilder(),
		ladder:  ladder,
		compat:  compat,
	}
}

// Result summarizes one ingested file.
type Result struct {
	FileID       string             `json:"fileId"`
	ContentHash  string             `json:"contentHash"`
	Plan         *plan.DeliveryPlan `json:"plan"`
	JobsEnqueued int                `json:"jobsEnqueued"`
	Subtitles    []string           `json:"subtitles"`
}

// Ingest registers a media file and schedules its renditions at
// upload priority. A re-ingest of identical content finds every cache
// key already finalized and enqueues nothing.
func (ing *Ingester) Ingest(ctx context.Context, fileID, path string) (*Result, error) {
	return ing.IngestWithPriority(ctx, fileID, path, jobstore.PriorityUpload)
}

// IngestWithPriority is Ingest with an explicit job priority. The
// library scanner uses backlog priority so rescans never starve
// fresh uploads.
func (ing *Ingester) IngestWithPriority(ctx context.Context, fileID, path string, priority int) (*Result, error) {
	contentHash, err := HashFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", path, err)
	}

	mediaProbe, err := ing.prober.Probe(ctx, path, contentHash)
	if err != nil {
		return nil, err
	}

	deliveryPlan, err := plan.Classify(mediaProbe, ing.ladder, ing.compat)
	if err != nil {
		return nil, err
	}

	fingerprint := deliveryPlan.Fingerprint()
	if err := ing.store.RegisterFile(ctx, &jobstore.MediaFile{
		FileID:          fileID,
		Path:            path,
		ContentHash:     contentHash,
		PlanFingerprint: fingerprint,
		Plan:            deliveryPlan,
	}); err != nil {
		return nil, fmt.Errorf("failed to register file %s: %w", fileID, err)
	}

	result := &Result{
		FileID:      fileID,
		ContentHash: contentHash,
		Plan:        deliveryPlan,
	}

	result.Subtitles = ing.extractSubtitles(ctx, fileID, path, deliveryPlan)

	for _, r := range deliveryPlan.Renditions {
		key := cache.Key(contentHash, r.Label, fingerprint)
		if ing.cache.Finalized(key) {
			logging.Debug("file %s rendition %s already cached as %s", fileID, r.Label, key)
			continue
		}
		if _, err := ing.store.Enqueue(ctx, fileID, contentHash, r.Label, fingerprint, key, priority); err != nil {
			return nil, fmt.Errorf("failed to enqueue %s/%s: %w", fileID, r.Label, err)
		}
		result.JobsEnqueued++
	}

	logging.Info("ingested %s: %d rendition(s), %d job(s) enqueued, %d subtitle(s)",
		fileID, len(deliveryPlan.Renditions), result.JobsEnqueued, len(result.Subtitles))
	return result, nil
}

// extractSubtitles converts each embedded text track to WebVTT.
// Subtitle failures never fail the ingest; a track that will not
// convert is simply not offered.
func (ing *Ingester) extractSubtitles(ctx context.Context, fileID, path string, deliveryPlan *plan.DeliveryPlan) []string {
	var ids []string
	for ordinal, track := range deliveryPlan.SubtitleTracks {
		out := ing.cache.SubtitlePath(fileID, track.Index)
		args := ing.builder.ExtractSubtitle(path, ordinal, out)
		if err := ing.runner.RunQuiet(ctx, args); err != nil {
			logging.Warn("subtitle track %d of %s not extracted: %v", track.Index, fileID, err)
			continue
		}

		sub := &jobstore.Subtitle{
			SubtitleID: uuid.NewString(),
			FileID:     fileID,
			TrackIndex: track.Index,
			Language:   track.Language,
			Path:       out,
		}
		if err := ing.store.AddSubtitle(ctx, sub); err != nil {
			logging.Warn("subtitle track %d of %s not recorded: %v", track.Index, fileID, err)
			continue
		}
		ids = append(ids, sub.SubtitleID)
	}
	return ids
}

// Remove tears a file down: cancels its jobs, removes its cache
// entries and subtitles, and deletes its registration.
func (ing *Ingester) Remove(ctx context.Context, fileID string) error {
	file, err := ing.store.FileByID(ctx, fileID)
	if err != nil {
		return err
	}
	if file == nil {
		return nil
	}

	if file.Plan != nil {
		for _, r := range file.Plan.Renditions {
			key := cache.Key(file.ContentHash, r.Label, file.PlanFingerprint)
			if err := ing.cache.Remove(key); err != nil {
				logging.Warn("failed to remove cache entry %s: %v", key, err)
			}
		}
	}
	if err := ing.cache.RemoveSubtitles(fileID); err != nil {
		logging.Warn("failed to remove subtitles for %s: %v", fileID, err)
	}

	return ing.store.DeleteFile(ctx, fileID)
}

// HashFile returns the sha256 of a file's bytes as lowercase hex.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := f.Close(); err != nil {
			logging.Warn("failed to close %s: %v", path, err)
		}
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
