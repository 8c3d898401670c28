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
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"bisectd/pkg/models"
)

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

// PostgresStore is the shared multi-instance backend. Claims lock
// candidate rows with FOR UPDATE SKIP LOCKED so concurrent claimers on
// other instances pass over contested rows instead of serializing.
type PostgresStore struct {
	pool *pgxpool.Pool

	pendingGrace   time.Duration
	heartbeatStale time.Duration

	// now is the clock; overridable in tests
	now func() time.Time
}

// OpenPostgres connects a pool to databaseURL, creates the schema, and
// returns a ready store.
func OpenPostgres(ctx context.Context, databaseURL string, opts Options) (*PostgresStore, error) {
	opts.setDefaults()

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{
		pool:           pool,
		pendingGrace:   opts.PendingGrace,
		heartbeatStale: opts.HeartbeatStale,
		now:            opts.Clock,
	}
	if err := s.applySchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Ping verifies the store is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) applySchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS jobs (
  id               BIGSERIAL PRIMARY KEY,
  status           TEXT NOT NULL DEFAULT 'pending',
  repo_owner       TEXT NOT NULL,
  repo_name        TEXT NOT NULL,
  installation_id  BIGINT NOT NULL,
  issue_number     INTEGER NOT NULL,
  requester        TEXT NOT NULL,
  good_sha         TEXT NOT NULL,
  bad_sha          TEXT NOT NULL,
  test_command     TEXT NOT NULL,
  dedup_key        TEXT NOT NULL UNIQUE,
  worker_id        TEXT,
  attempt_count    INTEGER NOT NULL DEFAULT 0,
  cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
  created_at       TIMESTAMPTZ NOT NULL,
  started_at       TIMESTAMPTZ,
  heartbeat_at     TIMESTAMPTZ,
  finished_at      TIMESTAMPTZ,
  culprit_sha      TEXT,
  error_message    TEXT,
  progress_log     TEXT NOT NULL DEFAULT '',
  comment_id       BIGINT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status_heartbeat ON jobs(status, heartbeat_at);
`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

const jobColumns = `id, status, repo_owner, repo_name, installation_id, issue_number, requester,
  good_sha, bad_sha, test_command, worker_id, attempt_count, cancel_requested,
  created_at, started_at, heartbeat_at, finished_at, culprit_sha, error_message, progress_log, comment_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		j      models.Job
		status string
	)
	err := row.Scan(&j.ID, &status, &j.RepoOwner, &j.RepoName, &j.InstallationID,
		&j.IssueNumber, &j.Requester, &j.GoodSHA, &j.BadSHA, &j.TestCommand,
		&j.WorkerID, &j.AttemptCount, &j.CancelRequested,
		&j.CreatedAt, &j.StartedAt, &j.HeartbeatAt, &j.FinishedAt,
		&j.CulpritSHA, &j.ErrorMessage, &j.ProgressLog, &j.CommentID)
	if err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	return &j, nil
}

// CreateJob inserts a pending row, collapsing duplicates inside the
// deduplication window via the unique dedup key.
func (s *PostgresStore) CreateJob(ctx context.Context, spec models.JobSpec) (int64, error) {
	now := s.now().UTC()
	const ins = `INSERT INTO jobs(status, repo_owner, repo_name, installation_id, issue_number, requester,
  good_sha, bad_sha, test_command, dedup_key, created_at)
VALUES('pending', $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, ins, spec.RepoOwner, spec.RepoName, spec.InstallationID,
		spec.IssueNumber, spec.Requester, spec.GoodSHA, spec.BadSHA, spec.TestCommand,
		dedupKey(spec, now), now).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// ClaimJobs atomically takes ownership of up to limit claimable jobs.
func (s *PostgresStore) ClaimJobs(ctx context.Context, workerID string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.now().UTC()
	pendingBefore := now.Add(-s.pendingGrace)
	staleBefore := now.Add(-s.heartbeatStale)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// SKIP LOCKED: contested rows are held by another claimer's
	// transaction and are simply passed over.
	const sel = `SELECT id, attempt_count FROM jobs
WHERE (status='pending' AND created_at <= $1)
   OR (status='running' AND heartbeat_at IS NOT NULL AND heartbeat_at <= $2)
ORDER BY id ASC
LIMIT $3
FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, sel, pendingBefore, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable: %w", err)
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
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}

	var claimed []*models.Job
	for _, c := range candidates {
		var query string
		var args []any
		if c.attempts >= models.MaxAttempts {
			// Exhausted: transition to failed instead of handing it out.
			query = `UPDATE jobs
SET status='failed', error_message=$1, finished_at=$2, worker_id=NULL
WHERE id=$3
RETURNING ` + jobColumns
			args = []any{models.ReasonRetryLimitExceeded, now, c.id}
		} else {
			query = `UPDATE jobs
SET status='running', worker_id=$1, attempt_count=attempt_count+1,
    started_at=COALESCE(started_at, $2), heartbeat_at=$2
WHERE id=$3
RETURNING ` + jobColumns
			args = []any{workerID, now, c.id}
		}

		job, err := scanJob(tx.QueryRow(ctx, query, args...))
		if err != nil {
			return nil, fmt.Errorf("claim job %d: %w", c.id, err)
		}
		claimed = append(claimed, job)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

// Heartbeat advances heartbeat_at, asserting ownership.
func (s *PostgresStore) Heartbeat(ctx context.Context, id int64, workerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET heartbeat_at=$1 WHERE id=$2 AND status='running' AND worker_id=$3`,
		s.now().UTC(), id, workerID)
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinishJob writes a terminal state, guarded by ownership.
func (s *PostgresStore) FinishJob(ctx context.Context, id int64, workerID string, outcome Outcome) error {
	if !outcome.Status.Terminal() {
		return fmt.Errorf("finish with non-terminal status %q", outcome.Status)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE jobs
SET status=$1, culprit_sha=$2, error_message=$3, finished_at=$4
WHERE id=$5 AND status='running' AND worker_id=$6`,
		string(outcome.Status), strPtr(outcome.CulpritSHA), strPtr(outcome.ErrorMessage),
		s.now().UTC(), id, workerID)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

// ReleaseJob reverts running to pending and refunds the attempt.
func (s *PostgresStore) ReleaseJob(ctx context.Context, id int64, workerID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs
SET status='pending', worker_id=NULL, started_at=NULL, heartbeat_at=NULL,
    attempt_count=GREATEST(attempt_count-1, 0)
WHERE id=$1 AND status='running' AND worker_id=$2`, id, workerID)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

// AppendProgress appends a line to the progress log, guarded by ownership.
func (s *PostgresStore) AppendProgress(ctx context.Context, id int64, workerID string, line string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET progress_log = progress_log || $1 || E'\n'
WHERE id=$2 AND status='running' AND worker_id=$3`, line, id, workerID)
	if err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

// SetCommentID records the forge comment id for progress edits.
func (s *PostgresStore) SetCommentID(ctx context.Context, id int64, workerID string, commentID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET comment_id=$1 WHERE id=$2 AND status='running' AND worker_id=$3`,
		commentID, id, workerID)
	if err != nil {
		return fmt.Errorf("set comment id: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

// RequestCancel cancels a pending job directly or flags a running one.
func (s *PostgresStore) RequestCancel(ctx context.Context, id int64) (models.JobStatus, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id=$1 FOR UPDATE`, id).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select status: %w", err)
	}
	status := models.JobStatus(cur)

	switch status {
	case models.JobStatusPending:
		_, err = tx.Exec(ctx,
			`UPDATE jobs SET status='cancelled', finished_at=$1 WHERE id=$2`, s.now().UTC(), id)
	case models.JobStatusRunning:
		_, err = tx.Exec(ctx, `UPDATE jobs SET cancel_requested=TRUE WHERE id=$1`, id)
	}
	if err != nil {
		return "", fmt.Errorf("request cancel: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit cancel: %w", err)
	}
	return status, nil
}

// RetryJob re-queues a failed or cancelled job as a fresh pending row.
func (s *PostgresStore) RetryJob(ctx context.Context, id int64) (models.JobStatus, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id=$1 FOR UPDATE`, id).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select status: %w", err)
	}
	status := models.JobStatus(cur)

	switch status {
	case models.JobStatusFailed, models.JobStatusCancelled:
		_, err = tx.Exec(ctx, `UPDATE jobs
SET status='pending', worker_id=NULL, attempt_count=0, cancel_requested=FALSE,
    started_at=NULL, heartbeat_at=NULL, finished_at=NULL,
    culprit_sha=NULL, error_message=NULL, progress_log='', comment_id=NULL
WHERE id=$1`, id)
		if err != nil {
			return "", fmt.Errorf("retry job: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit retry: %w", err)
	}
	return status, nil
}

// CancelRequested reports whether cancellation was requested.
func (s *PostgresStore) CancelRequested(ctx context.Context, id int64) (bool, error) {
	var flag bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id=$1`, id).Scan(&flag)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("select cancel flag: %w", err)
	}
	return flag, nil
}

// GetJob returns a single job row.
func (s *PostgresStore) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// Stats aggregates job counts by status plus the caller's running count.
func (s *PostgresStore) Stats(ctx context.Context, workerID string) (models.JobStats, error) {
	var stats models.JobStats

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
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

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status='running' AND worker_id=$1`, workerID).
		Scan(&stats.RunningOnThisInstance)
	if err != nil {
		return stats, fmt.Errorf("query own running: %w", err)
	}
	return stats, nil
}
