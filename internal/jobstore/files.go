package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"media-server/internal/logging"
	"media-server/internal/plan"
)

// MediaFile is the streaming layer's view of an ingested source file.
type MediaFile struct {
	FileID          string
	Path            string
	ContentHash     string
	PlanFingerprint string
	Plan            *plan.DeliveryPlan
	CreatedAt       time.Time
}

// Subtitle is one WebVTT track extracted at ingest time.
type Subtitle struct {
	SubtitleID string `json:"subtitleId"`
	FileID     string `json:"fileId"`
	TrackIndex int    `json:"trackIndex"`
	Language   string `json:"language,omitempty"`
	Path       string `json:"-"`
}

// RegisterFile records an ingested file together with its delivery
// plan. Re-registering the same fileId overwrites the previous record,
// which is what a re-upload of changed content does.
func (s *Store) RegisterFile(ctx context.Context, f *MediaFile) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var planJSON []byte
	if f.Plan != nil {
		data, err := json.Marshal(f.Plan)
		if err != nil {
			return err
		}
		planJSON = data
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media_files (file_id, path, content_hash, plan_fingerprint, plan_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			path = excluded.path,
			content_hash = excluded.content_hash,
			plan_fingerprint = excluded.plan_fingerprint,
			plan_json = excluded.plan_json`,
		f.FileID, f.Path, f.ContentHash, f.PlanFingerprint, planJSON,
	)
	return err
}

// FileByID resolves a fileId, or nil when it was never ingested.
func (s *Store) FileByID(ctx context.Context, fileID string) (*MediaFile, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var f MediaFile
	var createdAt int64
	var planJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT file_id, path, content_hash, plan_fingerprint, plan_json, created_at
		FROM media_files WHERE file_id = ?`, fileID,
	).Scan(&f.FileID, &f.Path, &f.ContentHash, &f.PlanFingerprint, &planJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	f.CreatedAt = time.Unix(createdAt, 0)
	if len(planJSON) > 0 {
		var p plan.DeliveryPlan
		if err := json.Unmarshal(planJSON, &p); err != nil {
			logging.Warn("corrupt plan for file %s: %v", fileID, err)
		} else {
			f.Plan = &p
		}
	}
	return &f, nil
}

// ListFiles returns every registered file. Plans are not decoded;
// callers that need one go through FileByID.
func (s *Store) ListFiles(ctx context.Context) ([]MediaFile, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT file_id, path, content_hash, plan_fingerprint, created_at
		FROM media_files ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logging.Warn("closing file rows: %v", closeErr)
		}
	}()

	var files []MediaFile
	for rows.Next() {
		var f MediaFile
		var createdAt int64
		if err := rows.Scan(&f.FileID, &f.Path, &f.ContentHash, &f.PlanFingerprint, &createdAt); err != nil {
			return nil, err
		}
		f.CreatedAt = time.Unix(createdAt, 0)
		files = append(files, f)
	}
	return files, rows.Err()
}

// DeleteFile removes a file record and cancels its outstanding jobs.
func (s *Store) DeleteFile(ctx context.Context, fileID string) error {
	if err := s.RequestCancel(ctx, fileID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM subtitles WHERE file_id = ?`, fileID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM media_files WHERE file_id = ?`, fileID)
	return err
}

// AddSubtitle records an extracted WebVTT track. Idempotent per
// (file, track index).
func (s *Store) AddSubtitle(ctx context.Context, sub *Subtitle) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subtitles (subtitle_id, file_id, track_index, language, path)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(file_id, track_index) DO UPDATE SET
			language = excluded.language,
			path = excluded.path`,
		sub.SubtitleID, sub.FileID, sub.TrackIndex, sub.Language, sub.Path,
	)
	return err
}

// SubtitleByID resolves a subtitle track, or nil when unknown.
func (s *Store) SubtitleByID(ctx context.Context, subtitleID string) (*Subtitle, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var sub Subtitle
	err := s.db.QueryRowContext(ctx, `
		SELECT subtitle_id, file_id, track_index, language, path
		FROM subtitles WHERE subtitle_id = ?`, subtitleID,
	).Scan(&sub.SubtitleID, &sub.FileID, &sub.TrackIndex, &sub.Language, &sub.Path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// SubtitlesByFile lists a file's extracted subtitle tracks.
func (s *Store) SubtitlesByFile(ctx context.Context, fileID string) ([]Subtitle, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT subtitle_id, file_id, track_index, language, path
		FROM subtitles WHERE file_id = ? ORDER BY track_index`, fileID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logging.Warn("closing subtitle rows: %v", closeErr)
		}
	}()

	var subs []Subtitle
	for rows.Next() {
		var sub Subtitle
		if err := rows.Scan(&sub.SubtitleID, &sub.FileID, &sub.TrackIndex, &sub.Language, &sub.Path); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
