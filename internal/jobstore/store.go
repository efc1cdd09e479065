package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite3 driver

	"media-server/internal/logging"
	"media-server/internal/metrics"
)

// Default timeout for database operations
const defaultTimeout = 5 * time.Second

// Sentinel errors returned by transition methods.
var (
	// ErrStaleLease means the reporting worker no longer owns the job,
	// typically after a crash-recovery requeue reassigned it.
	ErrStaleLease = errors.New("stale lease: job not owned by reporter")

	// ErrCancelled means the job was cancelled before the transition
	// could apply; the store converted it to Failed{Cancelled}.
	ErrCancelled = errors.New("job cancelled")
)

// Store is the durable record of transcode jobs and cached probes.
// It is the single source of truth consulted by both the worker pool
// and the HTTP layer, and the only component that mutates job rows.
type Store struct {
	db     *sql.DB
	dbPath string
}

// New opens (or creates) the job database at dbPath.
// The parent directory must already exist and be writable; use
// startup.LoadConfig to validate directories before calling this.
func New(ctx context.Context, dbPath string) (*Store, error) {
	logging.Info("Job database path: %s", dbPath)

	// WAL mode keeps readers unblocked while a worker transition is
	// being committed; busy_timeout prevents "database is locked" under
	// concurrent lease acquisition.
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_temp_store=MEMORY&_busy_timeout=5000", dbPath)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open job database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close job database after ping failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to connect to job database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, dbPath: dbPath}

	if err := s.initialize(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close job database after initialization failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize job database schema: %w", err)
	}

	logging.Info("Job database initialized successfully at %s", dbPath)
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	start := time.Now()
	schema := `
	-- One row per (file, rendition) pair requiring transcode work.
	CREATE TABLE IF NOT EXISTS transcode_jobs (
		id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		rendition TEXT NOT NULL,
		plan_fingerprint TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'queued',
		progress INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 0,
		lease_owner TEXT NOT NULL DEFAULT '',
		lease_expires_at INTEGER NOT NULL DEFAULT 0,
		cache_key TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		error_detail TEXT NOT NULL DEFAULT '',
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		started_at INTEGER NOT NULL DEFAULT 0,
		completed_at INTEGER NOT NULL DEFAULT 0,
		UNIQUE(file_id, rendition)
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_state ON transcode_jobs(state);
	CREATE INDEX IF NOT EXISTS idx_jobs_file ON transcode_jobs(file_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_acquire ON transcode_jobs(state, priority, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_lease ON transcode_jobs(state, lease_expires_at);

	-- Probe results keyed by content hash; identical bytes probe once.
	CREATE TABLE IF NOT EXISTS probes (
		content_hash TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	-- File registry: the streaming layer resolves fileId -> source facts.
	CREATE TABLE IF NOT EXISTS media_files (
		file_id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		plan_fingerprint TEXT NOT NULL DEFAULT '',
		plan_json BLOB,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_media_files_hash ON media_files(content_hash);

	-- Subtitles extracted at ingest time, independent of job state.
	CREATE TABLE IF NOT EXISTS subtitles (
		subtitle_id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL,
		track_index INTEGER NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		UNIQUE(file_id, track_index)
	);

	CREATE INDEX IF NOT EXISTS idx_subtitles_file ON subtitles(file_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	recordQuery("initialize_schema", start, err)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpdateDBMetrics updates database connection metrics.
func (s *Store) UpdateDBMetrics() {
	stats := s.db.Stats()
	metrics.DBConnectionsOpen.Set(float64(stats.OpenConnections))
}

// recordQuery records database query metrics
func recordQuery(operation string, start time.Time, err error) {
	duration := time.Since(start).Seconds()
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.DBQueryTotal.WithLabelValues(operation, status).Inc()
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(duration)
}

func scanJob(row interface{ Scan(...interface{}) error }) (*Job, error) {
	var j Job
	var createdAt, startedAt, completedAt, leaseExpires int64
	var cancelRequested int
	var state, errorKind string

	err := row.Scan(
		&j.ID, &j.FileID, &j.ContentHash, &j.Rendition, &j.PlanFingerprint,
		&state, &j.Progress, &j.Priority, &j.LeaseOwner, &leaseExpires,
		&j.CacheKey, &errorKind, &j.ErrorDetail, &cancelRequested,
		&createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	j.State = State(state)
	j.ErrorKind = ErrorKind(errorKind)
	j.CancelRequested = cancelRequested != 0
	j.CreatedAt = time.Unix(createdAt, 0)
	if leaseExpires > 0 {
		j.LeaseExpiresAt = time.Unix(leaseExpires, 0)
	}
	if startedAt > 0 {
		j.StartedAt = time.Unix(startedAt, 0)
	}
	if completedAt > 0 {
		j.CompletedAt = time.Unix(completedAt, 0)
	}
	return &j, nil
}

const jobColumns = `id, file_id, content_hash, rendition, plan_fingerprint,
	state, progress, priority, lease_owner, lease_expires_at,
	cache_key, error_kind, error_detail, cancel_requested,
	created_at, started_at, completed_at`
