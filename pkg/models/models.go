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

// Package models defines the shared data types for bisectd.
package models

import "time"

// JobStatus represents the lifecycle state of a bisect job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is a final state
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Failure reasons recorded in error_message. User-visible, so keep them short.
const (
	ReasonEndpointsInconsistent = "endpoints inconsistent"
	ReasonUntestableRange       = "untestable range"
	ReasonRetryLimitExceeded    = "retry limit exceeded"
	ReasonTimeout               = "wall-clock timeout"
)

// MaxAttempts is the bound on claims per job. A job whose attempt count
// would exceed this on re-claim is failed instead of handed to an executor.
const MaxAttempts = 3

// Job is the central entity: one bisect request from one issue comment
type Job struct {
	ID             int64     `json:"id" db:"id"`
	Status         JobStatus `json:"status" db:"status"`
	RepoOwner      string    `json:"repo_owner" db:"repo_owner"`
	RepoName       string    `json:"repo_name" db:"repo_name"`
	InstallationID int64     `json:"installation_id" db:"installation_id"`
	IssueNumber    int       `json:"issue_number" db:"issue_number"`
	Requester      string    `json:"requester" db:"requester"`
	GoodSHA        string    `json:"good_sha" db:"good_sha"`
	BadSHA         string    `json:"bad_sha" db:"bad_sha"`
	TestCommand    string    `json:"test_command" db:"test_command"`

	WorkerID        *string `json:"worker_id,omitempty" db:"worker_id"`
	AttemptCount    int     `json:"attempt_count" db:"attempt_count"`
	CancelRequested bool    `json:"cancel_requested" db:"cancel_requested"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty" db:"heartbeat_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty" db:"finished_at"`

	CulpritSHA   *string `json:"culprit_sha,omitempty" db:"culprit_sha"`
	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`
	ProgressLog  string  `json:"progress_log,omitempty" db:"progress_log"`
	CommentID    *int64  `json:"comment_id,omitempty" db:"comment_id"`
}

// JobSpec is the validated input from which a pending job row is created
type JobSpec struct {
	RepoOwner      string `json:"repo_owner"`
	RepoName       string `json:"repo_name"`
	InstallationID int64  `json:"installation_id"`
	IssueNumber    int    `json:"issue_number"`
	Requester      string `json:"requester"`
	GoodSHA        string `json:"good_sha"`
	BadSHA         string `json:"bad_sha"`
	TestCommand    string `json:"test_command"`
}

// JobStats aggregates job counts by status plus the caller's in-flight count
type JobStats struct {
	Pending               int `json:"pending"`
	Running               int `json:"running"`
	Completed             int `json:"completed"`
	Failed                int `json:"failed"`
	Cancelled             int `json:"cancelled"`
	RunningOnThisInstance int `json:"running_on_this_instance"`
}
