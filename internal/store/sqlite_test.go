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
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"bisectd/pkg/models"
)

// testClock is a mutable clock shared with the store under test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newStoreForTest(t *testing.T) (*SQLiteStore, *testClock) {
	t.Helper()
	clock := newTestClock()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"), Options{Clock: clock.Now})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func testSpec() models.JobSpec {
	return models.JobSpec{
		RepoOwner:      "octocat",
		RepoName:       "hello-world",
		InstallationID: 42,
		IssueNumber:    7,
		Requester:      "alice",
		GoodSHA:        "aaaaaaa",
		BadSHA:         "bbbbbbb",
		TestCommand:    "make test",
	}
}

func mustCreate(t *testing.T, s *SQLiteStore, spec models.JobSpec) int64 {
	t.Helper()
	id, err := s.CreateJob(context.Background(), spec)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return id
}

func claimOne(t *testing.T, s *SQLiteStore, worker string) *models.Job {
	t.Helper()
	jobs, err := s.ClaimJobs(context.Background(), worker, 1)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("claimed %d jobs, want 1", len(jobs))
	}
	return jobs[0]
}

func TestCreateJobAndGet(t *testing.T) {
	s, _ := newStoreForTest(t)
	ctx := context.Background()

	id := mustCreate(t, s, testSpec())
	if id == 0 {
		t.Fatal("id is zero")
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("status = %s, want pending", job.Status)
	}
	if job.WorkerID != nil {
		t.Errorf("worker_id = %v, want nil", *job.WorkerID)
	}
	if job.StartedAt != nil {
		t.Error("started_at set on pending job")
	}
	if job.AttemptCount != 0 {
		t.Errorf("attempt_count = %d, want 0", job.AttemptCount)
	}
	if job.GoodSHA != "aaaaaaa" || job.BadSHA != "bbbbbbb" {
		t.Errorf("shas = %s/%s", job.GoodSHA, job.BadSHA)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s, _ := newStoreForTest(t)
	if _, err := s.GetJob(context.Background(), 12345); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateJobDeduplicates(t *testing.T) {
	s, clock := newStoreForTest(t)
	ctx := context.Background()

	mustCreate(t, s, testSpec())
	if _, err := s.CreateJob(ctx, testSpec()); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("replay err = %v, want ErrDuplicate", err)
	}

	// A different command is a different job even inside the window.
	other := testSpec()
	other.TestCommand = "make lint"
	if _, err := s.CreateJob(ctx, other); err != nil {
		t.Fatalf("distinct command rejected: %v", err)
	}

	// Outside the window the same submission is accepted again.
	clock.Advance(2 * time.Minute)
	if _, err := s.CreateJob(ctx, testSpec()); err != nil {
		t.Fatalf("resubmit after window: %v", err)
	}
}

func TestClaimRespectsPendingGrace(t *testing.T) {
	s, clock := newStoreForTest(t)
	ctx := context.Background()

	mustCreate(t, s, testSpec())

	jobs, err := s.ClaimJobs(ctx, "worker-1", 4)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("claimed %d fresh jobs, want 0", len(jobs))
	}

	clock.Advance(time.Minute)
	jobs, err = s.ClaimJobs(ctx, "worker-1", 4)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("claimed %d aged jobs, want 1", len(jobs))
	}
}

func TestClaimSetsOwnership(t *testing.T) {
	s, clock := newStoreForTest(t)

	id := mustCreate(t, s, testSpec())
	clock.Advance(time.Minute)

	job := claimOne(t, s, "worker-1")
	if job.ID != id {
		t.Fatalf("claimed id %d, want %d", job.ID, id)
	}
	if job.Status != models.JobStatusRunning {
		t.Errorf("status = %s, want running", job.Status)
	}
	if job.WorkerID == nil || *job.WorkerID != "worker-1" {
		t.Errorf("worker_id = %v, want worker-1", job.WorkerID)
	}
	if job.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", job.AttemptCount)
	}
	if job.StartedAt == nil || job.HeartbeatAt == nil {
		t.Error("started_at/heartbeat_at not set")
	}
}

func TestClaimFIFO(t *testing.T) {
	s, clock := newStoreForTest(t)

	first := mustCreate(t, s, testSpec())
	second := testSpec()
	second.IssueNumber = 8
	mustCreate(t, s, second)
	clock.Advance(time.Minute)

	job := claimOne(t, s, "worker-1")
	if job.ID != first {
		t.Fatalf("claimed id %d, want lowest id %d", job.ID, first)
	}
}

func TestClaimRecoversStaleRunning(t *testing.T) {
	s, clock := newStoreForTest(t)
	ctx := context.Background()

	id := mustCreate(t, s, testSpec())
	clock.Advance(time.Minute)
	claimOne(t, s, "worker-1")

	// Not yet stale: nothing to steal.
	clock.Advance(time.Minute)
	jobs, err := s.ClaimJobs(ctx, "worker-2", 4)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("claimed %d live jobs, want 0", len(jobs))
	}

	// Past the staleness bound the orphan is re-claimed.
	clock.Advance(10 * time.Minute)
	job := claimOne(t, s, "worker-2")
	if job.ID != id {
		t.Fatalf("reclaimed id %d, want %d", job.ID, id)
	}
	if job.AttemptCount != 2 {
		t.Errorf("attempt_count = %d, want 2", job.AttemptCount)
	}
	if job.WorkerID == nil || *job.WorkerID != "worker-2" {
		t.Errorf("worker_id = %v, want worker-2", job.WorkerID)
	}

	// The original owner has lost the row.
	ok, err := s.Heartbeat(ctx, id, "worker-1")
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if ok {
		t.Error("stale owner heartbeat succeeded")
	}
}

func TestClaimFailsExhaustedJob(t *testing.T) {
	s, clock := newStoreForTest(t)

	id := mustCreate(t, s, testSpec())

	// Three orphaned attempts burn the budget.
	for i := 0; i < models.MaxAttempts; i++ {
		clock.Advance(10 * time.Minute)
		job := claimOne(t, s, "worker-1")
		if job.Status != models.JobStatusRunning {
			t.Fatalf("attempt %d: status = %s", i+1, job.Status)
		}
	}

	clock.Advance(10 * time.Minute)
	job := claimOne(t, s, "worker-2")
	if job.ID != id {
		t.Fatalf("id = %d, want %d", job.ID, id)
	}
	if job.Status != models.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.ErrorMessage == nil || *job.ErrorMessage != models.ReasonRetryLimitExceeded {
		t.Errorf("error_message = %v", job.ErrorMessage)
	}
	if job.AttemptCount != models.MaxAttempts {
		t.Errorf("attempt_count = %d, want %d", job.AttemptCount, models.MaxAttempts)
	}
	if job.FinishedAt == nil {
		t.Error("finished_at not set")
	}
}

func TestHeartbeatOwnership(t *testing.T) {
	s, clock := newStoreForTest(t)
	ctx := context.Background()

	id := mustCreate(t, s, testSpec())
	clock.Advance(time.Minute)
	claimOne(t, s, "worker-1")

	ok, err := s.Heartbeat(ctx, id, "worker-1")
	if err != nil || !ok {
		t.Fatalf("owner heartbeat: ok=%v err=%v", ok, err)
	}

	ok, err = s.Heartbeat(ctx, id, "worker-2")
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if ok {
		t.Error("non-owner heartbeat succeeded")
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.WorkerID == nil || *job.WorkerID != "worker-1" {
		t.Errorf("worker_id = %v after non-owner heartbeat", job.WorkerID)
	}
}

func TestFinishJobCompleted(t *testing.T) {
	s, clock := newStoreForTest(t)
	ctx := context.Background()

	id := mustCreate(t, s, testSpec())
	clock.Advance(time.Minute)
	claimOne(t, s, "worker-1")

	culprit := strings.Repeat("c", 40)
	err := s.FinishJob(ctx, id, "worker-1", Outcome{
		Status:     models.JobStatusCompleted,
		CulpritSHA: culprit,
	})
	if err != nil {
		t.Fatalf("FinishJob: %v", err)
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != models.JobStatusCompleted {
		t.Errorf("status = %s", job.Status)
	}
	if job.CulpritSHA == nil || *job.CulpritSHA != culprit {
		t.Errorf("culprit_sha = %v", job.CulpritSHA)
	}
	if job.FinishedAt == nil {
		t.Error("finished_at not set")
	}
}

func TestFinishJobGuards(t *testing.T) {
	s, clock := newStoreForTest(t)
	ctx := context.Background()

	id := mustCreate(t, s, testSpec())
	clock.Advance(time.Minute)
	claimOne(t, s, "worker-1")

	// Non-owner cannot finish.
	err := s.FinishJob(ctx, id, "worker-2", Outcome{
		Status:       models.JobStatusFailed,
		ErrorMessage: "nope",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("non-owner finish err = %v, want ErrNotFound", err)
	}

	// Non-terminal status is rejected.
	err = s.FinishJob(ctx, id, "worker-1", Outcome{Status: models.JobStatusRunning})
	if err == nil {
		t.Fatal("non-terminal finish accepted")
	}
}

func TestReleaseJobRefundsAttempt(t *testing.T) {
	s, clock := newStoreForTest(t)
	ctx := context.Background()

	id := mustCreate(t, s, testSpec())
	clock.Advance(time.Minute)
	claimOne(t, s, "worker-1")

	if err := s.ReleaseJob(ctx, id, "worker-1"); err != nil {
		t.Fatalf("ReleaseJob: %v", err)
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("status = %s, want pending", job.Status)
	}
	if job.WorkerID != nil {
		t.Errorf("worker_id = %v, want nil", *job.WorkerID)
	}
	if job.StartedAt != nil {
		t.Error("started_at survived release")
	}
	if job.AttemptCount != 0 {
		t.Errorf("attempt_count = %d, want 0 after refund", job.AttemptCount)
	}

	// The released job is claimable again after the grace period.
	clock.Advance(time.Minute)
	reclaimed := claimOne(t, s, "worker-2")
	if reclaimed.ID != id || reclaimed.AttemptCount != 1 {
		t.Errorf("reclaim id=%d attempts=%d", reclaimed.ID, reclaimed.AttemptCount)
	}
}

func TestAppendProgress(t *testing.T) {
	s, clock := newStoreForTest(t)
	ctx := context.Background()

	id := mustCreate(t, s, testSpec())
	clock.Advance(time.Minute)
	claimOne(t, s, "worker-1")

	if err := s.AppendProgress(ctx, id, "worker-1", "probe abc1234: good (1.2s)"); err != nil {
		t.Fatalf("AppendProgress: %v", err)
	}
	if err := s.AppendProgress(ctx, id, "worker-1", "probe def5678: bad (0.8s)"); err != nil {
		t.Fatalf("AppendProgress: %v", err)
	}
	if err := s.AppendProgress(ctx, id, "worker-2", "spoofed"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("non-owner append err = %v", err)
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	want := "probe abc1234: good (1.2s)\nprobe def5678: bad (0.8s)\n"
	if job.ProgressLog != want {
		t.Errorf("progress_log = %q, want %q", job.ProgressLog, want)
	}
}

func TestRequestCancelPending(t *testing.T) {
	s, _ := newStoreForTest(t)
	ctx := context.Background()

	id := mustCreate(t, s, testSpec())

	status, err := s.RequestCancel(ctx, id)
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if status != models.JobStatusPending {
		t.Errorf("observed status = %s", status)
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != models.JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", job.Status)
	}
	if job.FinishedAt == nil {
		t.Error("finished_at not set")
	}
}

func TestRequestCancelRunning(t *testing.T) {
	s, clock := newStoreForTest(t)
	ctx := context.Background()

	id := mustCreate(t, s, testSpec())
	clock.Advance(time.Minute)
	claimOne(t, s, "worker-1")

	status, err := s.RequestCancel(ctx, id)
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if status != models.JobStatusRunning {
		t.Errorf("observed status = %s", status)
	}

	flag, err := s.CancelRequested(ctx, id)
	if err != nil {
		t.Fatalf("CancelRequested: %v", err)
	}
	if !flag {
		t.Error("cancel flag not set")
	}

	// Still running until the executor honors the flag.
	job, _ := s.GetJob(ctx, id)
	if job.Status != models.JobStatusRunning {
		t.Errorf("status = %s, want running", job.Status)
	}
}

func TestRetryJobRequeuesFailed(t *testing.T) {
	s, clock := newStoreForTest(t)
	ctx := context.Background()

	id := mustCreate(t, s, testSpec())
	clock.Advance(time.Minute)
	claimOne(t, s, "worker-1")
	if err := s.AppendProgress(ctx, id, "worker-1", "probe abc1234: bad"); err != nil {
		t.Fatalf("AppendProgress: %v", err)
	}
	if err := s.FinishJob(ctx, id, "worker-1", Outcome{
		Status:       models.JobStatusFailed,
		ErrorMessage: "endpoints inconsistent",
	}); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}

	prior, err := s.RetryJob(ctx, id)
	if err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if prior != models.JobStatusFailed {
		t.Errorf("observed status = %s, want failed", prior)
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("status = %s, want pending", job.Status)
	}
	if job.AttemptCount != 0 {
		t.Errorf("attempt_count = %d, want 0", job.AttemptCount)
	}
	if job.WorkerID != nil || job.FinishedAt != nil || job.ErrorMessage != nil {
		t.Errorf("run state survived retry: worker=%v finished=%v err=%v",
			job.WorkerID, job.FinishedAt, job.ErrorMessage)
	}
	if job.ProgressLog != "" {
		t.Errorf("progress_log = %q, want empty", job.ProgressLog)
	}

	// The re-queued job is claimable with a fresh attempt budget.
	clock.Advance(time.Minute)
	reclaimed := claimOne(t, s, "worker-2")
	if reclaimed.ID != id || reclaimed.AttemptCount != 1 {
		t.Errorf("reclaim id=%d attempts=%d", reclaimed.ID, reclaimed.AttemptCount)
	}
}

func TestRetryJobGuards(t *testing.T) {
	s, clock := newStoreForTest(t)
	ctx := context.Background()

	if _, err := s.RetryJob(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing job err = %v, want ErrNotFound", err)
	}

	id := mustCreate(t, s, testSpec())
	clock.Advance(time.Minute)
	claimOne(t, s, "worker-1")

	// A running job is not retryable; the call reports what it saw and
	// leaves the row alone.
	prior, err := s.RetryJob(ctx, id)
	if err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if prior != models.JobStatusRunning {
		t.Errorf("observed status = %s, want running", prior)
	}
	job, _ := s.GetJob(ctx, id)
	if job.Status != models.JobStatusRunning || job.AttemptCount != 1 {
		t.Errorf("running job mutated by retry: status=%s attempts=%d", job.Status, job.AttemptCount)
	}
}

func TestStats(t *testing.T) {
	s, clock := newStoreForTest(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		spec := testSpec()
		spec.IssueNumber = 100 + i
		mustCreate(t, s, spec)
	}
	clock.Advance(time.Minute)

	jobs, err := s.ClaimJobs(ctx, "worker-1", 2)
	if err != nil || len(jobs) != 2 {
		t.Fatalf("claim: jobs=%d err=%v", len(jobs), err)
	}
	if err := s.FinishJob(ctx, jobs[0].ID, "worker-1", Outcome{
		Status:     models.JobStatusCompleted,
		CulpritSHA: strings.Repeat("c", 40),
	}); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}

	stats, err := s.Stats(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Pending != 1 || stats.Running != 1 || stats.Completed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.RunningOnThisInstance != 1 {
		t.Errorf("running_on_this_instance = %d", stats.RunningOnThisInstance)
	}

	other, err := s.Stats(ctx, "worker-9")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if other.RunningOnThisInstance != 0 {
		t.Errorf("foreign running count = %d", other.RunningOnThisInstance)
	}
}

func TestConcurrentClaimNoDuplicates(t *testing.T) {
	s, clock := newStoreForTest(t)
	ctx := context.Background()

	const jobCount = 20
	for i := 0; i < jobCount; i++ {
		spec := testSpec()
		spec.IssueNumber = 1000 + i
		mustCreate(t, s, spec)
	}
	clock.Advance(time.Minute)

	const workers = 4
	results := make([][]*models.Job, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			worker := string(rune('a' + w))
			for {
				jobs, err := s.ClaimJobs(ctx, "worker-"+worker, 4)
				if err != nil {
					errs[w] = err
					return
				}
				if len(jobs) == 0 {
					return
				}
				results[w] = append(results[w], jobs...)
			}
		}(w)
	}
	wg.Wait()

	for w, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", w, err)
		}
	}

	seen := make(map[int64]int)
	total := 0
	for _, jobs := range results {
		for _, j := range jobs {
			seen[j.ID]++
			total++
		}
	}
	if total != jobCount {
		t.Errorf("claimed %d jobs total, want %d", total, jobCount)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %d claimed %d times", id, n)
		}
	}
}
