// Bisectd is a self-hosted git bisect automation service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"bisectd/pkg/models"
)

const sqliteBusyTimeout = 5 * time.Second

// SQLiteStore is the embedded single-node backend, used for development
// and hermetic tests. Claims use a candidate select followed by a
// conditional update: the guarded WHERE clause is the compare-and-set
// that makes contested claims lose cleanly.
type SQLiteStore struct {
	db *sql.DB

	pendingGrace   time.Duration
	heartbeatStale time.Duration

	// now is the clock; overridable in tests
	now func() time.Time
}

// OpenSQLite opens (or creates) a sqlite database at path, applies
// connection pragmas, creates the schema, and returns a ready store.
func OpenSQLite(path string, opts Options) (*SQLiteStore, error) {
	opts.setDefaults()
	// busy_timeout backs off on locked database; WAL improves read
	// concurrency under the single writer. txlock=immediate makes claim
	// transactions take the write lock up front, so concurrent claimers
	// queue on busy_timeout instead of failing the read-to-write upgrade.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, int(sqliteBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	s := &SQLiteStore{
		db:             db,
		pendingGrace:   opts.PendingGrace,
		heartbeatStale: opts.HeartbeatStale,
		now:            opts.Clock,
	}
	if err := s.applySchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the store is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) applySchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS jobs (
  id               INTEGER PRIMARY KEY AUTOINCREMENT,
  status           TEXT NOT NULL DEFAULT 'pending',
  repo_owner       TEXT NOT NULL,
  repo_name        TEXT NOT NULL,
  installation_id  INTEGER NOT NULL,
  issue_number     INTEGER NOT NULL,
  requester        TEXT NOT NULL,
  good_sha         TEXT NOT NULL,
  bad_sha          TEXT NOT NULL,
  test_command     TEXT NOT NULL,
  dedup_key        TEXT NOT NULL UNIQUE,
  worker_id        TEXT,
  attempt_count    INTEGER NOT NULL DEFAULT 0,
  cancel_requested INTEGER NOT NULL DEFAULT 0,
  created_at       TIMESTAMP NOT NULL,
  started_at       TIMESTAMP,
  heartbeat_at     TIMESTAMP,
  finished_at      TIMESTAMP,
  culprit_sha      TEXT,
  error_message    TEXT,
  progress_log     TEXT NOT NULL DEFAULT '',
  comment_id       INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status_heartbeat ON jobs(status, heartbeat_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// withTx executes fn inside a transaction.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// CreateJob inserts a pending row, collapsing duplicates inside the
// deduplication window via the unique dedup key.
func (s *SQLiteStore) CreateJob(ctx context.Context, spec models.JobSpec) (int64, error) {
	now := s.now().UTC()
	const ins = `INSERT INTO jobs(status, repo_owner, repo_name, installation_id, issue_number, requester,
  good_sha, bad_sha, test_command, dedup_key, created_at)
VALUES('pending', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, ins, spec.RepoOwner, spec.RepoName, spec.InstallationID,
		spec.IssueNumber, spec.Requester, spec.GoodSHA, spec.BadSHA, spec.TestCommand,
		dedupKey(spec, now), now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("job id: %w", err)
	}
	return id, nil
}

// ClaimJobs atomically takes ownership of up to limit claimable jobs.
func (s *SQLiteStore) ClaimJobs(ctx context.Context, workerID string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.now().UTC()
	pendingBefore := now.Add(-s.pendingGrace)
	staleBefore := now.Add(-s.heartbeatStale)

	var claimed []*models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT id, attempt_count FROM jobs
WHERE (status='pending' AND created_at <= ?)
   OR (status='running' AND heartbeat_at IS NOT NULL AND heartbeat_at <= ?)
ORDER BY id ASC LIMIT ?`
		rows, err := tx.QueryContext(ctx, sel, pendingBefore, staleBefore, limit)
		if err != nil {
			return fmt.Errorf("select claimable: %w", err)
		}
		type candidate struct {
			id       int64
			attempts int
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.id, &c.attempts); err != nil {
				rows.Close()
				return fmt.Errorf("scan candidate: %w", err)
			}
			candidates = append(candidates, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate candidates: %w", err)
		}

		for _, c := range candidates {
			if c.attempts >= models.MaxAttempts {
				// Exhausted: transition to failed instead of handing it out.
				const fail = `UPDATE jobs
SET status='failed', error_message=?, finished_at=?, worker_id=NULL
WHERE id=? AND ((status='pending' AND created_at <= ?) OR (status='running' AND heartbeat_at <= ?))`
				res, err := tx.ExecContext(ctx, fail, models.ReasonRetryLimitExceeded, now, c.id, pendingBefore, staleBefore)
				if err != nil {
					return fmt.Errorf("fail exhausted job: %w", err)
				}
				if n, _ := res.RowsAffected(); n != 1 {
					continue
				}
			} else {
				const upd = `UPDATE jobs
SET status='running', worker_id=?, attempt_count=attempt_count+1,
    started_at=COALESCE(started_at, ?), heartbeat_at=?
WHERE id=? AND ((status='pending' AND created_at <= ?) OR (status='running' AND heartbeat_at <= ?))`
				res, err := tx.ExecContext(ctx, upd, workerID, now, now, c.id, pendingBefore, staleBefore)
				if err != nil {
					return fmt.Errorf("claim job: %w", err)
				}
				if n, _ := res.RowsAffected(); n != 1 {
					continue
				}
			}

			job, err := s.getJobTx(ctx, tx, c.id)
			if err != nil {
				return err
			}
			claimed = append(claimed, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Heartbeat advances heartbeat_at, asserting ownership.
func (s *SQLiteStore) Heartbeat(ctx context.Context, id int64, workerID string) (bool, error) {
	const upd = `UPDATE jobs SET heartbeat_at=? WHERE id=? AND status='running' AND worker_id=?`
	res, err := s.db.ExecContext(ctx, upd, s.now().UTC(), id, workerID)
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// FinishJob writes a terminal state, guarded by ownership.
func (s *SQLiteStore) FinishJob(ctx context.Context, id int64, workerID string, outcome Outcome) error {
	if !outcome.Status.Terminal() {
		return fmt.Errorf("finish with non-terminal status %q", outcome.Status)
	}
	const upd = `UPDATE jobs
SET status=?, culprit_sha=?, error_message=?, finished_at=?
WHERE id=? AND status='running' AND worker_id=?`
	res, err := s.db.ExecContext(ctx, upd, string(outcome.Status),
		strPtr(outcome.CulpritSHA), strPtr(outcome.ErrorMessage), s.now().UTC(), id, workerID)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotFound
	}
	return nil
}

// ReleaseJob reverts running to pending and refunds the attempt.
func (s *SQLiteStore) ReleaseJob(ctx context.Context, id int64, workerID string) error {
	const upd = `UPDATE jobs
SET status='pending', worker_id=NULL, started_at=NULL, heartbeat_at=NULL,
    attempt_count=CASE WHEN attempt_count > 0 THEN attempt_count-1 ELSE 0 END
WHERE id=? AND status='running' AND worker_id=?`
	res, err := s.db.ExecContext(ctx, upd, id, workerID)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotFound
	}
	return nil
}

// AppendProgress appends a line to the progress log, guarded by ownership.
func (s *SQLiteStore) AppendProgress(ctx context.Context, id int64, workerID string, line string) error {
	const upd = `UPDATE jobs SET progress_log = progress_log || ? || char(10)
WHERE id=? AND status='running' AND worker_id=?`
	res, err := s.db.ExecContext(ctx, upd, line, id, workerID)
	if err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotFound
	}
	return nil
}

// SetCommentID records the forge comment id for progress edits.
func (s *SQLiteStore) SetCommentID(ctx context.Context, id int64, workerID string, commentID int64) error {
	const upd = `UPDATE jobs SET comment_id=? WHERE id=? AND status='running' AND worker_id=?`
	res, err := s.db.ExecContext(ctx, upd, commentID, id, workerID)
	if err != nil {
		return fmt.Errorf("set comment id: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotFound
	}
	return nil
}

// RequestCancel cancels a pending job directly or flags a running one.
func (s *SQLiteStore) RequestCancel(ctx context.Context, id int64) (models.JobStatus, error) {
	var status models.JobStatus
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var cur string
		err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id=?`, id).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select status: %w", err)
		}
		status = models.JobStatus(cur)

		switch status {
		case models.JobStatusPending:
			const upd = `UPDATE jobs SET status='cancelled', finished_at=? WHERE id=? AND status='pending'`
			if _, err := tx.ExecContext(ctx, upd, s.now().UTC(), id); err != nil {
				return fmt.Errorf("cancel pending job: %w", err)
			}
		case models.JobStatusRunning:
			const upd = `UPDATE jobs SET cancel_requested=1 WHERE id=? AND status='running'`
			if _, err := tx.ExecContext(ctx, upd, id); err != nil {
				return fmt.Errorf("flag running job: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// RetryJob re-queues a failed or cancelled job as a fresh pending row.
func (s *SQLiteStore) RetryJob(ctx context.Context, id int64) (models.JobStatus, error) {
	var status models.JobStatus
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var cur string
		err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id=?`, id).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select status: %w", err)
		}
		status = models.JobStatus(cur)

		switch status {
		case models.JobStatusFailed, models.JobStatusCancelled:
			const upd = `UPDATE jobs
SET status='pending', worker_id=NULL, attempt_count=0, cancel_requested=0,
    started_at=NULL, heartbeat_at=NULL, finished_at=NULL,
    culprit_sha=NULL, error_message=NULL, progress_log='', comment_id=NULL
WHERE id=? AND status IN ('failed','cancelled')`
			if _, err := tx.ExecContext(ctx, upd, id); err != nil {
				return fmt.Errorf("retry job: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// CancelRequested reports whether cancellation was requested.
func (s *SQLiteStore) CancelRequested(ctx context.Context, id int64) (bool, error) {
	var flag bool
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id=?`, id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("select cancel flag: %w", err)
	}
	return flag, nil
}

// GetJob returns a single job row.
func (s *SQLiteStore) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	return s.getJob(ctx, s.db, id)
}

func (s *SQLiteStore) getJobTx(ctx context.Context, tx *sql.Tx, id int64) (*models.Job, error) {
	return s.getJob(ctx, tx, id)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getJob(ctx context.Context, q rowQuerier, id int64) (*models.Job, error) {
	const sel = `SELECT id, status, repo_owner, repo_name, installation_id, issue_number, requester,
  good_sha, bad_sha, test_command, worker_id, attempt_count, cancel_requested,
  created_at, started_at, heartbeat_at, finished_at, culprit_sha, error_message, progress_log, comment_id
FROM jobs WHERE id=?`

	var (
		j            models.Job
		status       string
		workerID     sql.NullString
		startedAt    sql.NullTime
		heartbeatAt  sql.NullTime
		finishedAt   sql.NullTime
		culpritSHA   sql.NullString
		errorMessage sql.NullString
		commentID    sql.NullInt64
	)
	err := q.QueryRowContext(ctx, sel, id).Scan(&j.ID, &status, &j.RepoOwner, &j.RepoName,
		&j.InstallationID, &j.IssueNumber, &j.Requester, &j.GoodSHA, &j.BadSHA, &j.TestCommand,
		&workerID, &j.AttemptCount, &j.CancelRequested, &j.CreatedAt,
		&startedAt, &heartbeatAt, &finishedAt, &culpritSHA, &errorMessage, &j.ProgressLog, &commentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}

	j.Status = models.JobStatus(status)
	j.WorkerID = fromNullStringPtr(workerID)
	j.StartedAt = fromNullTimePtr(startedAt)
	j.HeartbeatAt = fromNullTimePtr(heartbeatAt)
	j.FinishedAt = fromNullTimePtr(finishedAt)
	j.CulpritSHA = fromNullStringPtr(culpritSHA)
	j.ErrorMessage = fromNullStringPtr(errorMessage)
	if commentID.Valid {
		j.CommentID = &commentID.Int64
	}
	return &j, nil
}

// Stats aggregates job counts by status plus the caller's running count.
func (s *SQLiteStore) Stats(ctx context.Context, workerID string) (models.JobStats, error) {
	var stats models.JobStats

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scan stats: %w", err)
		}
		applyStatusCount(&stats, models.JobStatus(status), count)
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate stats: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status='running' AND worker_id=?`, workerID).
		Scan(&stats.RunningOnThisInstance)
	if err != nil {
		return stats, fmt.Errorf("query own running: %w", err)
	}
	return stats, nil
}

func applyStatusCount(stats *models.JobStats, status models.JobStatus, count int) {
	switch status {
	case models.JobStatusPending:
		stats.Pending = count
	case models.JobStatusRunning:
		stats.Running = count
	case models.JobStatusCompleted:
		stats.Completed = count
	case models.JobStatusFailed:
		stats.Failed = count
	case models.JobStatusCancelled:
		stats.Cancelled = count
	}
}

func fromNullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time.UTC()
	return &v
}
