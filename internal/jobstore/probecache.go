package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"media-server/internal/probe"
)

// GetProbe implements probe.Cache: it returns the cached probe for a
// content hash, if one exists.
func (s *Store) GetProbe(ctx context.Context, contentHash string) (*probe.MediaProbe, bool, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_probe", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var data []byte
	err = s.db.QueryRowContext(ctx,
		`SELECT data FROM probes WHERE content_hash = ?`, contentHash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var mp probe.MediaProbe
	if err = json.Unmarshal(data, &mp); err != nil {
		return nil, false, err
	}
	return &mp, true, nil
}

// PutProbe implements probe.Cache. Probes are immutable per hash, so
// concurrent identical writes are harmless and the insert ignores
// conflicts.
func (s *Store) PutProbe(ctx context.Context, contentHash string, mp *probe.MediaProbe) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("put_probe", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	data, err := json.Marshal(mp)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO probes (content_hash, data) VALUES (?, ?)`,
		contentHash, data)
	return err
}
