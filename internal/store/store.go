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

// Package store is the durable job state shared by all instances. It is
// the only cross-instance coordination point: claim, heartbeat, and the
// terminal transitions all go through the contracts defined here.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"bisectd/pkg/models"
)

var (
	// ErrNotFound indicates the requested job does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicate indicates an identical job already exists inside the
	// deduplication window
	ErrDuplicate = errors.New("duplicate job")
)

// dedupWindow is the coarse time bucket over which identical submissions
// collapse into one job row.
const dedupWindow = 60 * time.Second

// Claim threshold defaults. A pending job must age past the grace period
// before claim; a running job becomes orphaned once its heartbeat is
// older than the staleness bound.
const (
	DefaultPendingGrace   = 30 * time.Second
	DefaultHeartbeatStale = 5 * time.Minute
)

// Options tune claim behavior. Zero values take the defaults.
type Options struct {
	PendingGrace   time.Duration
	HeartbeatStale time.Duration

	// Clock overrides the store's notion of now; tests only
	Clock func() time.Time
}

func (o *Options) setDefaults() {
	if o.PendingGrace <= 0 {
		o.PendingGrace = DefaultPendingGrace
	}
	if o.HeartbeatStale <= 0 {
		o.HeartbeatStale = DefaultHeartbeatStale
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Outcome is the terminal state written by FinishJob.
type Outcome struct {
	Status       models.JobStatus // completed, failed, or cancelled
	CulpritSHA   string           // required when Status is completed
	ErrorMessage string           // required when Status is failed
}

// Store is the contract the scheduler, ingress, and read surface consume.
// Implementations must make ClaimJobs safe against concurrent claimers on
// other instances: exactly one wins any contested row.
type Store interface {
	// CreateJob inserts a pending row and returns its id. Returns
	// ErrDuplicate when an identical submission exists within the
	// deduplication window.
	CreateJob(ctx context.Context, spec models.JobSpec) (int64, error)

	// ClaimJobs atomically takes ownership of up to limit jobs that are
	// either pending past the grace period or running with a stale
	// heartbeat (orphaned). Claimed rows become running, owned by
	// workerID, with attempt_count incremented. Rows whose attempts are
	// already exhausted are transitioned to failed instead and returned
	// with that status so the caller can report them; they must not be
	// executed. FIFO by id.
	ClaimJobs(ctx context.Context, workerID string, limit int) ([]*models.Job, error)

	// Heartbeat advances heartbeat_at if the job is still running and
	// still owned by workerID. A false return means ownership was lost
	// and the executor must abandon the job.
	Heartbeat(ctx context.Context, id int64, workerID string) (bool, error)

	// FinishJob writes a terminal state, guarded by ownership.
	FinishJob(ctx context.Context, id int64, workerID string, outcome Outcome) error

	// ReleaseJob reverts running to pending on graceful shutdown,
	// clearing ownership and refunding the attempt. Guarded by ownership.
	ReleaseJob(ctx context.Context, id int64, workerID string) error

	// AppendProgress appends a line to the job's progress log, guarded
	// by ownership.
	AppendProgress(ctx context.Context, id int64, workerID string, line string) error

	// SetCommentID records the forge comment being edited with progress.
	SetCommentID(ctx context.Context, id int64, workerID string, commentID int64) error

	// RequestCancel cancels a pending job directly, or flags a running
	// job so its executor stops at the next checkpoint. Returns the
	// status observed at the time of the call.
	RequestCancel(ctx context.Context, id int64) (models.JobStatus, error)

	// CancelRequested reports whether cancellation was requested.
	CancelRequested(ctx context.Context, id int64) (bool, error)

	// RetryJob re-queues a failed or cancelled job as pending, clearing
	// the previous run's state and resetting the attempt count. Returns
	// the status observed at the time of the call; only failed and
	// cancelled jobs are re-queued.
	RetryJob(ctx context.Context, id int64) (models.JobStatus, error)

	// GetJob returns a single job row.
	GetJob(ctx context.Context, id int64) (*models.Job, error)

	// Stats aggregates job counts by status plus the caller's own
	// running count.
	Stats(ctx context.Context, workerID string) (models.JobStats, error)

	// Ping verifies the store is reachable with a trivial query.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}

// Open selects a backend from the URL scheme: postgres:// and
// postgresql:// use the Postgres store, anything else is treated as a
// sqlite path (with an optional sqlite:// prefix).
func Open(ctx context.Context, databaseURL string, opts Options) (Store, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"),
		strings.HasPrefix(databaseURL, "postgresql://"):
		return OpenPostgres(ctx, databaseURL, opts)
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return OpenSQLite(strings.TrimPrefix(databaseURL, "sqlite://"), opts)
	case databaseURL == "":
		return nil, fmt.Errorf("database URL is empty")
	default:
		return OpenSQLite(databaseURL, opts)
	}
}

// dedupKey collapses identical submissions within a coarse time bucket.
// The key covers everything that identifies the request, so a different
// command or range on the same issue is a new job.
func dedupKey(spec models.JobSpec, now time.Time) string {
	bucket := now.Unix() / int64(dedupWindow/time.Second)
	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%s|%s|%s|%s|%s|%s|%d",
		spec.InstallationID, spec.IssueNumber, spec.RepoOwner, spec.RepoName,
		spec.Requester, spec.GoodSHA, spec.BadSHA, spec.TestCommand, bucket)
	return hex.EncodeToString(h.Sum(nil))
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
