package playback

import (
	"context"
	"fmt"

	"media-server/internal/cache"
	"media-server/internal/jobstore"
)

// LocalSource answers readiness questions straight from the job store
// and rendition cache, for controllers running in the server process.
type LocalSource struct {
	store *jobstore.Store
	cache *cache.Cache
}

func NewLocalSource(store *jobstore.Store, artifactCache *cache.Cache) *LocalSource {
	return &LocalSource{store: store, cache: artifactCache}
}

func (s *LocalSource) RenditionStatuses(ctx context.Context, fileID string) ([]jobstore.RenditionStatus, error) {
	return s.store.StatusByFile(ctx, fileID)
}

func (s *LocalSource) ServableSegments(ctx context.Context, fileID, rendition string) (int, error) {
	file, err := s.store.FileByID(ctx, fileID)
	if err != nil {
		return 0, err
	}
	if file == nil {
		return 0, fmt.Errorf("unknown file %s", fileID)
	}
	return s.cache.ServableSegments(cache.Key(file.ContentHash, rendition, file.PlanFingerprint))
}
