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

// Package scheduler claims pending jobs from the shared store, runs them
// on executors, and keeps their heartbeats fresh. Recovery of orphaned
// jobs happens inside the claim itself, so every instance doubles as a
// janitor for its crashed peers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"bisectd/internal/bisect"
	"bisectd/internal/metrics"
	"bisectd/internal/store"
	"bisectd/pkg/models"
)

// Executor runs one claimed job to a terminal state.
type Executor interface {
	Execute(ctx context.Context, job *models.Job, workerID string)
	ReportExhausted(ctx context.Context, job *models.Job)
}

// Options controls scheduler behavior. Zero values get defaults.
type Options struct {
	// WorkerID identifies this instance in job ownership columns
	WorkerID string

	// MaxConcurrent caps executors live at once on this instance
	MaxConcurrent int

	// ClaimInterval is how often the store is polled for work
	ClaimInterval time.Duration

	// HeartbeatInterval is how often ownership is refreshed for every
	// in-flight job; must stay well under the store's staleness horizon
	HeartbeatInterval time.Duration

	// DrainTimeout bounds how long shutdown waits for executors to
	// notice cancellation before rows are released anyway
	DrainTimeout time.Duration

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.WorkerID == "" {
		o.WorkerID = NewWorkerID()
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 4
	}
	if o.ClaimInterval <= 0 {
		o.ClaimInterval = 30 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Minute
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// NewWorkerID derives a worker identity that is unique across instances
// and across restarts of the same host.
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().Unix())
}

type running struct {
	job    *models.Job
	cancel context.CancelCauseFunc
}

// Scheduler owns the claim and heartbeat loops for one instance.
type Scheduler struct {
	store store.Store
	exec  Executor
	opts  Options

	mu       sync.Mutex
	inflight map[int64]*running

	// jobsCtx parents every executor context. It is deliberately not
	// derived from Run's context: drain records the held rows first and
	// only then cancels jobsCtx, so an executor's cleanup can never
	// empty the in-flight table before the release list is taken.
	jobsCtx  context.Context
	stopJobs context.CancelFunc

	wg sync.WaitGroup
}

// New wires a scheduler over the shared store and an executor.
func New(st store.Store, exec Executor, opts Options) *Scheduler {
	opts.setDefaults()
	jobsCtx, stopJobs := context.WithCancel(context.Background())
	return &Scheduler{
		store:    st,
		exec:     exec,
		opts:     opts,
		inflight: make(map[int64]*running),
		jobsCtx:  jobsCtx,
		stopJobs: stopJobs,
	}
}

// WorkerID reports the identity this scheduler claims jobs under.
func (s *Scheduler) WorkerID() string {
	return s.opts.WorkerID
}

// Run drives the claim and heartbeat loops until ctx is cancelled, then
// drains: executors get DrainTimeout to notice, and any rows still held
// are released for another instance to claim.
func (s *Scheduler) Run(ctx context.Context) {
	log := s.opts.Logger.With("worker_id", s.opts.WorkerID)
	log.Info("scheduler starting",
		"max_concurrent", s.opts.MaxConcurrent,
		"claim_interval", s.opts.ClaimInterval,
		"heartbeat_interval", s.opts.HeartbeatInterval,
	)
	defer log.Info("scheduler stopped")
	defer s.stopJobs()

	claimTicker := time.NewTicker(s.opts.ClaimInterval)
	defer claimTicker.Stop()
	hbTicker := time.NewTicker(s.opts.HeartbeatInterval)
	defer hbTicker.Stop()

	s.claim(ctx, log)
	for {
		select {
		case <-ctx.Done():
			s.drain(log)
			return
		case <-claimTicker.C:
			s.claim(ctx, log)
		case <-hbTicker.C:
			s.heartbeats(ctx, log)
		}
	}
}

// claim pulls up to the spare capacity worth of jobs and starts them.
func (s *Scheduler) claim(ctx context.Context, log *slog.Logger) {
	s.mu.Lock()
	capacity := s.opts.MaxConcurrent - len(s.inflight)
	s.mu.Unlock()
	if capacity <= 0 {
		return
	}

	jobs, err := s.store.ClaimJobs(ctx, s.opts.WorkerID, capacity)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("claim jobs", "error", err)
		}
		return
	}

	started := 0
	for _, job := range jobs {
		if job.Status == models.JobStatusFailed {
			// The claim already moved this job to failed because its
			// retry budget ran out; only the announcement remains.
			s.reportExhausted(ctx, job)
			continue
		}
		s.start(log, job)
		started++
	}
	if started > 0 {
		metrics.IncJobsClaimed(started)
		log.Info("claimed jobs", "count", started)
	}
}

func (s *Scheduler) start(log *slog.Logger, job *models.Job) {
	jobCtx, cancel := context.WithCancelCause(s.jobsCtx)

	s.mu.Lock()
	s.inflight[job.ID] = &running{job: job, cancel: cancel}
	metrics.SetJobsInFlight(len(s.inflight))
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel(nil)
		defer s.remove(job.ID)
		s.exec.Execute(jobCtx, job, s.opts.WorkerID)
	}()
	log.Info("started job", "job_id", job.ID, "attempt", job.AttemptCount)
}

func (s *Scheduler) remove(id int64) {
	s.mu.Lock()
	delete(s.inflight, id)
	metrics.SetJobsInFlight(len(s.inflight))
	s.mu.Unlock()
}

func (s *Scheduler) reportExhausted(ctx context.Context, job *models.Job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		noticeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		s.exec.ReportExhausted(noticeCtx, job)
	}()
}

// heartbeats refreshes ownership for every in-flight job. A refused
// heartbeat means another instance re-claimed the job as stale; its
// executor is cancelled and must not touch the row again. The same tick
// also picks up operator cancellation requests.
func (s *Scheduler) heartbeats(ctx context.Context, log *slog.Logger) {
	s.mu.Lock()
	snapshot := make(map[int64]*running, len(s.inflight))
	for id, rn := range s.inflight {
		snapshot[id] = rn
	}
	s.mu.Unlock()

	for id, rn := range snapshot {
		ok, err := s.store.Heartbeat(ctx, id, s.opts.WorkerID)
		if err != nil {
			// Transient store trouble: keep running, the next tick
			// retries well inside the staleness horizon.
			if ctx.Err() == nil {
				log.Warn("heartbeat", "job_id", id, "error", err)
			}
			continue
		}
		if !ok {
			log.Warn("job ownership lost", "job_id", id)
			metrics.IncHeartbeatLost()
			rn.cancel(bisect.ErrOwnershipLost)
			continue
		}

		cancelled, err := s.store.CancelRequested(ctx, id)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, store.ErrNotFound) {
				log.Warn("check cancel request", "job_id", id, "error", err)
			}
			continue
		}
		if cancelled {
			log.Info("cancel requested", "job_id", id)
			rn.cancel(bisect.ErrCancelRequested)
		}
	}
}

// drain waits for executors to wind down, then releases whatever rows
// this instance still holds so the work is not stranded until the
// staleness horizon passes.
func (s *Scheduler) drain(log *slog.Logger) {
	// Record the held rows before any executor can observe shutdown;
	// cancelling first would race their cleanup emptying the map.
	s.mu.Lock()
	held := make([]int64, 0, len(s.inflight))
	for id := range s.inflight {
		held = append(held, id)
	}
	s.mu.Unlock()
	s.stopJobs()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.DrainTimeout):
		log.Warn("drain timeout, releasing jobs with executors still live")
	}

	if len(held) == 0 {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, id := range held {
		err := s.store.ReleaseJob(releaseCtx, id, s.opts.WorkerID)
		switch {
		case err == nil:
			log.Info("released job for re-claim", "job_id", id)
		case errors.Is(err, store.ErrNotFound):
			// Finished or re-claimed in the meantime; nothing to release.
		default:
			log.Error("release job", "job_id", id, "error", err)
		}
	}
}
