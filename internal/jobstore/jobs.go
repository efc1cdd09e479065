package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"media-server/internal/logging"
	"media-server/internal/metrics"
)

// Enqueue records a transcode job for a (file, rendition) pair.
// It is idempotent: if a job for the pair already exists in a
// non-failed state the existing job is returned untouched. A failed
// job is reset to queued, since a fresh enqueue is an explicit request
// for the work (the store never retries failures on its own).
func (s *Store) Enqueue(ctx context.Context, fileID, contentHash, rendition, planFingerprint, cacheKey string, priority int) (*Job, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("enqueue", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logging.Error("enqueue rollback failed: %v", rbErr)
			}
		}
	}()

	existing, err := s.jobByFileRenditionTx(ctx, tx, fileID, rendition)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if existing != nil {
		if existing.State != StateFailed {
			err = tx.Commit()
			return existing, err
		}
		// Explicit re-enqueue of a failed job starts a fresh episode.
		_, err = tx.ExecContext(ctx, `
			UPDATE transcode_jobs
			SET state = 'queued', progress = 0, priority = ?,
				lease_owner = '', lease_expires_at = 0,
				error_kind = '', error_detail = '', cancel_requested = 0,
				started_at = 0, completed_at = 0,
				content_hash = ?, plan_fingerprint = ?, cache_key = ?
			WHERE id = ? AND state = 'failed'`,
			priority, contentHash, planFingerprint, cacheKey, existing.ID,
		)
		if err != nil {
			return nil, err
		}
		if err = tx.Commit(); err != nil {
			return nil, err
		}
		metrics.JobsEnqueuedTotal.WithLabelValues(priorityLabel(priority)).Inc()
		return s.JobByID(ctx, existing.ID)
	}

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO transcode_jobs (id, file_id, content_hash, rendition, plan_fingerprint, priority, cache_key)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, fileID, contentHash, rendition, planFingerprint, priority, cacheKey,
	)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}

	metrics.JobsEnqueuedTotal.WithLabelValues(priorityLabel(priority)).Inc()
	logging.Debug("enqueued job %s: file=%s rendition=%s priority=%d", id, fileID, rendition, priority)
	return s.JobByID(ctx, id)
}

func priorityLabel(priority int) string {
	if priority >= PriorityUpload {
		return "upload"
	}
	return "backlog"
}

// Acquire leases the oldest queued job in the highest priority tier to
// the given owner. It returns nil without error when no job is
// eligible. created_at has one-second resolution, so rowid breaks ties
// in insertion order. The update is a compare-and-swap on state, which
// is what guarantees at most one worker ever holds a given job.
func (s *Store) Acquire(ctx context.Context, owner string, leaseTTL time.Duration) (*Job, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("acquire", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logging.Error("acquire rollback failed: %v", rbErr)
			}
		}
	}()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM transcode_jobs
		WHERE state = 'queued' AND cancel_requested = 0
		ORDER BY priority DESC, created_at ASC, rowid ASC
		LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.Commit()
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	expires := time.Now().Add(leaseTTL).Unix()
	res, err := tx.ExecContext(ctx, `
		UPDATE transcode_jobs
		SET state = 'running', lease_owner = ?, lease_expires_at = ?,
			progress = 0, started_at = strftime('%s', 'now')
		WHERE id = ? AND state = 'queued'`,
		owner, expires, id,
	)
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// Lost the race to another acquirer between SELECT and UPDATE.
		err = tx.Commit()
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	logging.Debug("job %s leased to %s until %d", id, owner, expires)
	return s.JobByID(ctx, id)
}

// ReportProgress records a worker's progress checkpoint and extends
// the lease. Progress is clamped monotonic: a checkpoint below the
// recorded value never lowers it. The returned flag tells the worker
// whether cancellation was requested since its last checkpoint.
func (s *Store) ReportProgress(ctx context.Context, jobID, owner string, progress int, leaseTTL time.Duration) (cancelRequested bool, err error) {
	start := time.Now()
	defer func() { recordQuery("report_progress", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	expires := time.Now().Add(leaseTTL).Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE transcode_jobs
		SET progress = MAX(progress, ?), lease_expires_at = ?
		WHERE id = ? AND state = 'running' AND lease_owner = ?`,
		progress, expires, jobID, owner,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		metrics.StaleLeaseReports.Inc()
		return false, fmt.Errorf("progress report for job %s by %s: %w", jobID, owner, ErrStaleLease)
	}

	var flag int
	err = s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM transcode_jobs WHERE id = ?`, jobID).Scan(&flag)
	if err != nil {
		return false, err
	}
	return flag != 0, nil
}

// Complete moves a running job to completed and atomically publishes
// the artifact's cache key. A stale owner is rejected; a job with a
// pending cancellation is converted to Failed{Cancelled} instead, so a
// cancelled job never publishes an artifact.
func (s *Store) Complete(ctx context.Context, jobID, owner, cacheKey string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("complete", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logging.Error("complete rollback failed: %v", rbErr)
			}
		}
	}()

	var cancelFlag int
	var startedAt int64
	err = tx.QueryRowContext(ctx, `
		SELECT cancel_requested, started_at FROM transcode_jobs
		WHERE id = ? AND state = 'running' AND lease_owner = ?`,
		jobID, owner,
	).Scan(&cancelFlag, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.StaleLeaseReports.Inc()
		err = fmt.Errorf("completion report for job %s by %s: %w", jobID, owner, ErrStaleLease)
		return err
	}
	if err != nil {
		return err
	}

	if cancelFlag != 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE transcode_jobs
			SET state = 'failed', error_kind = ?, error_detail = 'cancelled before completion',
				lease_owner = '', lease_expires_at = 0,
				completed_at = strftime('%s', 'now')
			WHERE id = ?`,
			string(ErrorCancelled), jobID,
		)
		if err != nil {
			return err
		}
		if err = tx.Commit(); err != nil {
			return err
		}
		metrics.JobsCompletedTotal.WithLabelValues("cancelled").Inc()
		return ErrCancelled
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE transcode_jobs
		SET state = 'completed', progress = 100, cache_key = ?,
			lease_owner = '', lease_expires_at = 0,
			completed_at = strftime('%s', 'now')
		WHERE id = ?`,
		cacheKey, jobID,
	)
	if err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}

	metrics.JobsCompletedTotal.WithLabelValues("completed").Inc()
	if startedAt > 0 {
		metrics.JobDuration.Observe(time.Since(time.Unix(startedAt, 0)).Seconds())
	}
	logging.Info("job %s completed, artifact %s", jobID, cacheKey)
	return nil
}

// Fail moves a running job to failed with the given error kind.
// Stale owners are rejected the same way as in Complete.
func (s *Store) Fail(ctx context.Context, jobID, owner string, kind ErrorKind, detail string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("fail", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE transcode_jobs
		SET state = 'failed', error_kind = ?, error_detail = ?,
			lease_owner = '', lease_expires_at = 0,
			completed_at = strftime('%s', 'now')
		WHERE id = ? AND state = 'running' AND lease_owner = ?`,
		string(kind), detail, jobID, owner,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		metrics.StaleLeaseReports.Inc()
		return fmt.Errorf("failure report for job %s by %s: %w", jobID, owner, ErrStaleLease)
	}

	outcome := "failed"
	if kind == ErrorCancelled {
		outcome = "cancelled"
	}
	metrics.JobsCompletedTotal.WithLabelValues(outcome).Inc()
	logging.Warn("job %s failed: %s (%s)", jobID, kind, detail)
	return nil
}

// RequeueExpired reverts running jobs whose lease expired back to
// queued. Because progress reports extend the lease, only stalled
// jobs ever expire; slow-but-progressing jobs are left alone. The
// requeue clears the lease owner, which is what makes any late report
// from the previous holder stale. An expired job with a pending
// cancel is failed instead of requeued, since Acquire never hands out
// cancel-requested jobs.
func (s *Store) RequeueExpired(ctx context.Context) (int64, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("requeue_expired", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	cancelRes, err := s.db.ExecContext(ctx, `
		UPDATE transcode_jobs
		SET state = 'failed', error_kind = ?,
			error_detail = 'cancelled; worker lost before observing the request',
			lease_owner = '', lease_expires_at = 0,
			completed_at = strftime('%s', 'now')
		WHERE state = 'running' AND cancel_requested = 1
			AND lease_expires_at > 0 AND lease_expires_at < strftime('%s', 'now')`,
		string(ErrorCancelled),
	)
	if err != nil {
		return 0, err
	}
	cancelled, err := cancelRes.RowsAffected()
	if err != nil {
		return 0, err
	}
	if cancelled > 0 {
		metrics.JobsCompletedTotal.WithLabelValues("cancelled").Add(float64(cancelled))
		logging.Warn("cancelled %d expired job(s) with a pending cancel", cancelled)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE transcode_jobs
		SET state = 'queued', lease_owner = '', lease_expires_at = 0, progress = 0
		WHERE state = 'running' AND cancel_requested = 0
			AND lease_expires_at > 0 AND lease_expires_at < strftime('%s', 'now')`,
	)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rows > 0 {
		metrics.JobLeaseExpiries.Add(float64(rows))
		logging.Warn("requeued %d stalled job(s) past lease timeout", rows)
	}
	return rows, nil
}

// RequestCancel marks every live job for a file as cancelled. Queued
// jobs fail immediately; running jobs keep a cancel flag the worker
// observes at its next progress checkpoint.
func (s *Store) RequestCancel(ctx context.Context, fileID string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("request_cancel", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		UPDATE transcode_jobs
		SET state = 'failed', error_kind = ?, error_detail = 'cancelled while queued',
			cancel_requested = 1, completed_at = strftime('%s', 'now')
		WHERE file_id = ? AND state = 'queued'`,
		string(ErrorCancelled), fileID,
	)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE transcode_jobs
		SET cancel_requested = 1
		WHERE file_id = ? AND state = 'running'`,
		fileID,
	)
	return err
}

// JobByID returns a single job.
func (s *Store) JobByID(ctx context.Context, id string) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM transcode_jobs WHERE id = ?`, id)
	return scanJob(row)
}

// JobByFileRendition returns the job for a (file, rendition) pair, or
// nil when the pair was never planned for work.
func (s *Store) JobByFileRendition(ctx context.Context, fileID, rendition string) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	j, err := s.jobByFileRenditionTx(ctx, nil, fileID, rendition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (s *Store) jobByFileRenditionTx(ctx context.Context, tx *sql.Tx, fileID, rendition string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM transcode_jobs WHERE file_id = ? AND rendition = ?`
	var row *sql.Row
	if tx != nil {
		row = tx.QueryRowContext(ctx, query, fileID, rendition)
	} else {
		row = s.db.QueryRowContext(ctx, query, fileID, rendition)
	}
	return scanJob(row)
}

// StatusByFile returns the per-rendition job status for a file,
// ordered by rendition label, for the public status endpoint.
func (s *Store) StatusByFile(ctx context.Context, fileID string) ([]RenditionStatus, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("status_by_file", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT rendition, state, progress FROM transcode_jobs
		WHERE file_id = ?
		ORDER BY rendition`, fileID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logging.Warn("closing status rows: %v", closeErr)
		}
	}()

	var statuses []RenditionStatus
	for rows.Next() {
		var rs RenditionStatus
		var state string
		if err = rows.Scan(&rs.Rendition, &state, &rs.Progress); err != nil {
			return nil, err
		}
		rs.State = State(state)
		statuses = append(statuses, rs)
	}
	err = rows.Err()
	return statuses, err
}

// CountsByState returns job counts per state and refreshes the
// JobsByState gauges.
func (s *Store) CountsByState(ctx context.Context) (map[State]int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM transcode_jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logging.Warn("closing count rows: %v", closeErr)
		}
	}()

	counts := map[State]int{StateQueued: 0, StateRunning: 0, StateCompleted: 0, StateFailed: 0}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for state, n := range counts {
		metrics.JobsByState.WithLabelValues(string(state)).Set(float64(n))
	}
	return counts, nil
}

// CleanupTerminal deletes completed and failed jobs older than the
// retention window. Jobs are never removed implicitly; this is the
// explicit cleanup policy, run on a timer from main.
func (s *Store) CleanupTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("cleanup", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM transcode_jobs
		WHERE state IN ('completed', 'failed') AND completed_at > 0 AND completed_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
