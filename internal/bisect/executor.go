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

// Package bisect runs one claimed job end to end: clone, endpoint
// verification, the binary search, and the terminal state transition.
package bisect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"bisectd/internal/metrics"
	"bisectd/internal/sandbox"
	"bisectd/internal/store"
	"bisectd/pkg/crypto"
	"bisectd/pkg/models"
)

// Cancellation causes the scheduler attaches when it tears down a job's
// context; they decide whether the executor writes a terminal state.
var (
	// ErrOwnershipLost means another instance re-claimed the job. The
	// executor must go silent: no store writes, no comments.
	ErrOwnershipLost = errors.New("job ownership lost")

	// ErrCancelRequested means an operator cancelled the job. The
	// executor records the cancelled state and says goodbye politely.
	ErrCancelRequested = errors.New("job cancellation requested")
)

// maxBisectSteps bounds the main loop; a well-formed repository needs at
// most ~40 steps plus skips, so hitting this means git is not converging.
const maxBisectSteps = 512

// terminalWriteTimeout bounds store and forge writes made after the job
// context has already been cancelled or expired.
const terminalWriteTimeout = 30 * time.Second

// Forge is the slice of the forge client the executor needs.
type Forge interface {
	InstallationToken(ctx context.Context, installationID int64) (string, error)
	CloneURL(owner, repo, token string) string
	CreateComment(ctx context.Context, token, owner, repo string, issueNumber int, body string) (int64, error)
	UpdateComment(ctx context.Context, token, owner, repo string, commentID int64, body string) error
}

// Options configures an Executor. Zero values get sensible defaults.
type Options struct {
	// WorkspaceRoot is where per-job clone directories are created
	WorkspaceRoot string

	// Budget is the wall-clock limit for one whole job
	Budget time.Duration

	// SkipRetries is how many extra probe attempts a skip verdict gets
	// before the skip is fed back to git
	SkipRetries int

	// ProgressInterval is the minimum spacing between comment edits
	ProgressInterval time.Duration

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.WorkspaceRoot == "" {
		o.WorkspaceRoot = filepath.Join(os.TempDir(), "bisectd")
	}
	if o.Budget <= 0 {
		o.Budget = 30 * time.Minute
	}
	if o.SkipRetries <= 0 {
		o.SkipRetries = 2
	}
	if o.ProgressInterval < 5*time.Second {
		o.ProgressInterval = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Executor drives claimed jobs to a terminal state.
type Executor struct {
	store  store.Store
	forge  Forge
	runner sandbox.Runner
	opts   Options

	// now is swappable for tests
	now func() time.Time
}

// NewExecutor wires an executor over the shared store, forge client, and
// sandbox runner.
func NewExecutor(st store.Store, forge Forge, runner sandbox.Runner, opts Options) *Executor {
	opts.setDefaults()
	return &Executor{
		store:  st,
		forge:  forge,
		runner: runner,
		opts:   opts,
		now:    time.Now,
	}
}

// jobRun is the per-job mutable state threaded through one execution.
type jobRun struct {
	job      *models.Job
	workerID string
	root     string
	token    string
	comment  int64
	lastEdit time.Time
	lines    []string

	culpritSubject string
	culpritAuthor  string
}

// Execute runs job to completion. The caller owns heartbeats and cancels
// ctx with ErrOwnershipLost or ErrCancelRequested via context.Cause when
// the job must stop early; a plain cancellation is treated as shutdown
// and leaves the row for the caller to release.
func (e *Executor) Execute(ctx context.Context, job *models.Job, workerID string) {
	log := e.opts.Logger.With(
		"job_id", job.ID,
		"repo", job.RepoOwner+"/"+job.RepoName,
		"worker_id", workerID,
	)
	start := e.now()

	budgetCtx, cancel := context.WithTimeout(ctx, e.opts.Budget)
	defer cancel()

	run := &jobRun{job: job, workerID: workerID}
	if job.CommentID != nil {
		run.comment = *job.CommentID
	}

	outcome, err := e.run(budgetCtx, log, run)
	metrics.ObserveBisect(e.now().Sub(start))

	switch {
	case err == nil:
		e.finalize(ctx, log, run, outcome)

	case ctx.Err() != nil:
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, ErrOwnershipLost):
			log.Warn("job ownership lost, abandoning without writes")
		case errors.Is(cause, ErrCancelRequested):
			log.Info("job cancelled by request")
			e.finalize(ctx, log, run, store.Outcome{Status: models.JobStatusCancelled})
		default:
			// Shutdown: the scheduler releases the row for re-claim.
			log.Info("job interrupted by shutdown")
		}

	case budgetCtx.Err() != nil:
		log.Warn("job exceeded wall-clock budget", "budget", e.opts.Budget)
		e.finalize(ctx, log, run, store.Outcome{
			Status:       models.JobStatusFailed,
			ErrorMessage: models.ReasonTimeout,
		})

	default:
		log.Error("job failed", "error", err)
		e.finalize(ctx, log, run, store.Outcome{
			Status:       models.JobStatusFailed,
			ErrorMessage: crypto.ScrubTokens(err.Error()),
		})
	}
}

// run performs the bisect. User-visible failures come back as a failed
// Outcome with a nil error; a non-nil error is infrastructure trouble or
// a dead context and is classified by Execute.
func (e *Executor) run(ctx context.Context, log *slog.Logger, run *jobRun) (store.Outcome, error) {
	job := run.job

	token, err := e.forge.InstallationToken(ctx, job.InstallationID)
	if err != nil {
		return store.Outcome{}, fmt.Errorf("mint installation token: %w", err)
	}
	run.token = token

	workdir := filepath.Join(e.opts.WorkspaceRoot, strconv.FormatInt(job.ID, 10))
	if err := os.MkdirAll(workdir, 0o700); err != nil {
		return store.Outcome{}, fmt.Errorf("create workspace: %w", err)
	}
	run.root = workdir
	defer os.RemoveAll(workdir)

	e.postStartComment(ctx, log, run)

	cloneURL := e.forge.CloneURL(job.RepoOwner, job.RepoName, token)
	log.Info("cloning repository", "url", crypto.RedactURL(cloneURL))
	r, err := clone(ctx, cloneURL, filepath.Join(workdir, "repo"))
	if err != nil {
		if ctx.Err() != nil {
			return store.Outcome{}, ctx.Err()
		}
		return failedOutcome(err.Error()), nil
	}

	goodSHA, err := r.resolve(ctx, job.GoodSHA)
	if err != nil {
		if ctx.Err() != nil {
			return store.Outcome{}, ctx.Err()
		}
		return failedOutcome(err.Error()), nil
	}
	badSHA, err := r.resolve(ctx, job.BadSHA)
	if err != nil {
		if ctx.Err() != nil {
			return store.Outcome{}, ctx.Err()
		}
		return failedOutcome(err.Error()), nil
	}

	if outcome, ok, err := e.verifyEndpoints(ctx, run, r, goodSHA, badSHA); err != nil {
		return store.Outcome{}, err
	} else if !ok {
		return outcome, nil
	}

	defer r.bisectReset(ctx)
	out, err := r.bisectStart(ctx, badSHA, goodSHA)
	if err != nil {
		if ctx.Err() != nil {
			return store.Outcome{}, ctx.Err()
		}
		return failedOutcome(err.Error()), nil
	}

	for step := 0; ; step++ {
		if culprit, ok := parseCulprit(out); ok {
			return e.conclude(ctx, log, run, r, culprit)
		}
		if bisectExhausted(out) {
			return failedOutcome(models.ReasonUntestableRange), nil
		}
		if step >= maxBisectSteps {
			return failedOutcome(models.ReasonUntestableRange + ": bisect did not converge"), nil
		}
		if ctx.Err() != nil {
			return store.Outcome{}, ctx.Err()
		}

		candidate, err := r.head(ctx)
		if err != nil {
			return store.Outcome{}, err
		}
		res, err := e.probe(ctx, run, candidate)
		if err != nil {
			return store.Outcome{}, err
		}

		out, err = r.bisectStep(ctx, string(res.Verdict))
		if err != nil && !bisectDone(out) {
			if ctx.Err() != nil {
				return store.Outcome{}, ctx.Err()
			}
			return failedOutcome(err.Error()), nil
		}
		e.maybeEditComment(ctx, log, run)
	}
}

// verifyEndpoints confirms the caller's claim before searching: good_sha
// must pass, bad_sha must fail. ok=false carries the failure outcome.
func (e *Executor) verifyEndpoints(ctx context.Context, run *jobRun, r *repo, goodSHA, badSHA string) (store.Outcome, bool, error) {
	checks := []struct {
		sha  string
		want sandbox.Verdict
	}{
		{badSHA, sandbox.VerdictBad},
		{goodSHA, sandbox.VerdictGood},
	}
	for _, c := range checks {
		if err := r.checkout(ctx, c.sha); err != nil {
			if ctx.Err() != nil {
				return store.Outcome{}, false, ctx.Err()
			}
			return failedOutcome(err.Error()), false, nil
		}
		res, err := e.probe(ctx, run, c.sha)
		if err != nil {
			return store.Outcome{}, false, err
		}
		if res.Verdict != c.want {
			msg := fmt.Sprintf("%s: %.7s is %s, expected %s",
				models.ReasonEndpointsInconsistent, c.sha, res.Verdict, c.want)
			return failedOutcome(msg), false, nil
		}
	}
	return store.Outcome{}, true, nil
}

// probe runs the test command against the currently checked-out commit,
// retrying a bounded number of times when the verdict is skip.
func (e *Executor) probe(ctx context.Context, run *jobRun, sha string) (sandbox.Result, error) {
	var res sandbox.Result
	for attempt := 0; attempt <= e.opts.SkipRetries; attempt++ {
		var err error
		res, err = e.runner.Run(ctx, run.worktree(), run.job.TestCommand, e.remaining(ctx))
		if err != nil {
			return sandbox.Result{}, err
		}
		metrics.ObserveProbe(string(res.Verdict), res.Duration)
		e.recordProgress(ctx, run, probeLine(sha, res, attempt))
		if res.Verdict != sandbox.VerdictSkip {
			break
		}
	}
	return res, nil
}

// conclude resolves culprit metadata and builds the success outcome.
func (e *Executor) conclude(ctx context.Context, log *slog.Logger, run *jobRun, r *repo, culprit string) (store.Outcome, error) {
	if ctx.Err() != nil {
		return store.Outcome{}, ctx.Err()
	}
	// Metadata is decoration; losing it must not fail the job.
	if subject, err := r.commitSubject(ctx, culprit); err == nil {
		run.culpritSubject = subject
	} else {
		log.Warn("read culprit subject", "error", err)
	}
	if author, err := r.commitAuthor(ctx, culprit); err == nil {
		run.culpritAuthor = author
	}
	return store.Outcome{Status: models.JobStatusCompleted, CulpritSHA: culprit}, nil
}

// remaining derives the per-probe limit from the job budget left on ctx.
func (e *Executor) remaining(ctx context.Context) time.Duration {
	dl, ok := ctx.Deadline()
	if !ok {
		return e.opts.Budget
	}
	return dl.Sub(e.now())
}

// recordProgress appends one line to the durable progress log and keeps a
// bounded copy for comment rendering. Best effort; the probe result is
// what matters.
func (e *Executor) recordProgress(ctx context.Context, run *jobRun, line string) {
	run.lines = append(run.lines, line)
	if len(run.lines) > progressTailLines {
		run.lines = run.lines[len(run.lines)-progressTailLines:]
	}
	if err := e.store.AppendProgress(ctx, run.job.ID, run.workerID, line); err != nil && ctx.Err() == nil {
		e.opts.Logger.Warn("append progress", "job_id", run.job.ID, "error", err)
	}
}

// postStartComment creates the job's status comment and records its id so
// later edits and the terminal update land on the same comment. A forge
// failure here degrades the job to silent progress, it does not fail it.
func (e *Executor) postStartComment(ctx context.Context, log *slog.Logger, run *jobRun) {
	if run.comment != 0 {
		return
	}
	job := run.job
	id, err := e.forge.CreateComment(ctx, run.token, job.RepoOwner, job.RepoName, job.IssueNumber, startCommentBody(job))
	if err != nil {
		log.Warn("create status comment", "error", crypto.ScrubTokens(err.Error()))
		return
	}
	run.comment = id
	if err := e.store.SetCommentID(ctx, job.ID, run.workerID, id); err != nil && ctx.Err() == nil {
		log.Warn("record comment id", "error", err)
	}
}

// maybeEditComment pushes the latest progress into the status comment,
// spaced at least ProgressInterval apart to respect forge rate limits.
func (e *Executor) maybeEditComment(ctx context.Context, log *slog.Logger, run *jobRun) {
	if run.comment == 0 {
		return
	}
	now := e.now()
	if !run.lastEdit.IsZero() && now.Sub(run.lastEdit) < e.opts.ProgressInterval {
		return
	}
	job := run.job
	err := e.forge.UpdateComment(ctx, run.token, job.RepoOwner, job.RepoName, run.comment, progressCommentBody(job, run.lines))
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("update status comment", "error", crypto.ScrubTokens(err.Error()))
		}
		return
	}
	run.lastEdit = now
}

// finalize writes the terminal state and, only if the write proved this
// instance still owns the job, updates the status comment to match.
func (e *Executor) finalize(ctx context.Context, log *slog.Logger, run *jobRun, outcome store.Outcome) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()

	if err := e.store.FinishJob(writeCtx, run.job.ID, run.workerID, outcome); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("terminal write lost to re-claim, staying silent")
		} else {
			log.Error("record terminal state", "error", err)
		}
		return
	}
	metrics.IncJobOutcome(string(outcome.Status))
	log.Info("job finished",
		"status", outcome.Status,
		"culprit", outcome.CulpritSHA,
		"reason", outcome.ErrorMessage,
	)

	body := terminalCommentBody(run, outcome)
	e.deliverComment(writeCtx, log, run, body)
}

// deliverComment edits the status comment when one exists, otherwise
// posts a fresh one. Best effort.
func (e *Executor) deliverComment(ctx context.Context, log *slog.Logger, run *jobRun, body string) {
	job := run.job
	var err error
	if run.comment != 0 {
		err = e.forge.UpdateComment(ctx, run.token, job.RepoOwner, job.RepoName, run.comment, body)
	} else if run.token != "" {
		_, err = e.forge.CreateComment(ctx, run.token, job.RepoOwner, job.RepoName, job.IssueNumber, body)
	}
	if err != nil {
		log.Warn("deliver terminal comment", "error", crypto.ScrubTokens(err.Error()))
	}
}

// ReportExhausted posts the giving-up comment for a job whose retry
// budget ran out. The store already holds the terminal state.
func (e *Executor) ReportExhausted(ctx context.Context, job *models.Job) {
	log := e.opts.Logger.With("job_id", job.ID, "repo", job.RepoOwner+"/"+job.RepoName)

	token, err := e.forge.InstallationToken(ctx, job.InstallationID)
	if err != nil {
		log.Warn("mint installation token for exhaustion notice", "error", err)
		return
	}
	run := &jobRun{job: job, token: token}
	if job.CommentID != nil {
		run.comment = *job.CommentID
	}
	reason := models.ReasonRetryLimitExceeded
	if job.ErrorMessage != nil {
		reason = *job.ErrorMessage
	}
	e.deliverComment(ctx, log, run, failureCommentBody(job, reason))
}

// worktree is where the clone lives inside the job workspace.
func (run *jobRun) worktree() string {
	return filepath.Join(run.root, "repo")
}

func failedOutcome(msg string) store.Outcome {
	return store.Outcome{Status: models.JobStatusFailed, ErrorMessage: msg}
}

func probeLine(sha string, res sandbox.Result, attempt int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "probe %.7s: %s", sha, res.Verdict)
	if res.Reason != "" {
		fmt.Fprintf(&b, " (%s)", res.Reason)
	}
	if attempt > 0 {
		fmt.Fprintf(&b, " [retry %d]", attempt)
	}
	fmt.Fprintf(&b, " in %s", res.Duration.Round(100*time.Millisecond))
	return b.String()
}
