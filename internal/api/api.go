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

// Package api is the operator-facing read surface: health, queue stats,
// job inspection, cancellation, and retry. Everything it returns is redacted;
// a token never reaches a response body even if one leaked into stored
// output.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"bisectd/internal/sandbox"
	"bisectd/internal/store"
	"bisectd/pkg/crypto"
	"bisectd/pkg/models"
)

// requestTimeout bounds store access per read request.
const requestTimeout = 5 * time.Second

// Handler serves the read surface.
type Handler struct {
	store    store.Store
	runner   sandbox.Runner
	workerID string
	logger   *slog.Logger
}

// NewHandler wires the read surface over the shared store and this
// instance's sandbox runner.
func NewHandler(st store.Store, runner sandbox.Runner, workerID string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: st, runner: runner, workerID: workerID, logger: logger}
}

// Register attaches the read surface routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /stats", h.handleStats)
	mux.HandleFunc("GET /job/{id}", h.handleGetJob)
	mux.HandleFunc("POST /job/{id}/cancel", h.handleCancelJob)
	mux.HandleFunc("POST /job/{id}/retry", h.handleRetryJob)
}

type healthResponse struct {
	Status  string `json:"status"`
	Store   string `json:"store"`
	Sandbox string `json:"sandbox"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	resp := healthResponse{Status: "healthy", Store: "ok", Sandbox: "ok"}
	code := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Store = err.Error()
		code = http.StatusServiceUnavailable
	}
	if h.runner != nil {
		if err := h.runner.Available(ctx); err != nil {
			resp.Status = "degraded"
			resp.Sandbox = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	stats, err := h.store.Stats(ctx, h.workerID)
	if err != nil {
		h.logger.Error("read stats", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "could not read stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// jobView is the redacted job representation. Ownership details and the
// forge comment id stay internal.
type jobView struct {
	ID           int64            `json:"id"`
	Status       models.JobStatus `json:"status"`
	Repo         string           `json:"repo"`
	IssueNumber  int              `json:"issue_number"`
	Requester    string           `json:"requester"`
	GoodSHA      string           `json:"good_sha"`
	BadSHA       string           `json:"bad_sha"`
	TestCommand  string           `json:"test_command"`
	AttemptCount int              `json:"attempt_count"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	CulpritSHA   *string          `json:"culprit_sha,omitempty"`
	ErrorMessage *string          `json:"error_message,omitempty"`
	ProgressLog  string           `json:"progress_log,omitempty"`
}

func redactJob(job *models.Job) jobView {
	v := jobView{
		ID:           job.ID,
		Status:       job.Status,
		Repo:         job.RepoOwner + "/" + job.RepoName,
		IssueNumber:  job.IssueNumber,
		Requester:    job.Requester,
		GoodSHA:      job.GoodSHA,
		BadSHA:       job.BadSHA,
		TestCommand:  crypto.ScrubTokens(job.TestCommand),
		AttemptCount: job.AttemptCount,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
		CulpritSHA:   job.CulpritSHA,
		ProgressLog:  crypto.ScrubTokens(job.ProgressLog),
	}
	if job.ErrorMessage != nil {
		msg := crypto.ScrubTokens(*job.ErrorMessage)
		v.ErrorMessage = &msg
	}
	return v
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	job, err := h.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "not_found", "no such job")
		return
	}
	if err != nil {
		h.logger.Error("read job", "job_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "could not read job")
		return
	}
	writeJSON(w, http.StatusOK, redactJob(job))
}

func (h *Handler) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	prior, err := h.store.RequestCancel(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "not_found", "no such job")
		return
	}
	if err != nil {
		h.logger.Error("request cancel", "job_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "could not cancel job")
		return
	}

	switch prior {
	case models.JobStatusPending:
		h.logger.Info("job cancelled", "job_id", id)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": models.JobStatusCancelled})
	case models.JobStatusRunning:
		// The owning scheduler picks the flag up on its next heartbeat.
		h.logger.Info("job cancellation requested", "job_id", id)
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "status": prior, "cancel_requested": true})
	default:
		writeJSONError(w, http.StatusConflict, "already_finished", "job is already in a terminal state")
	}
}

func (h *Handler) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	prior, err := h.store.RetryJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "not_found", "no such job")
		return
	}
	if err != nil {
		h.logger.Error("retry job", "job_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "could not retry job")
		return
	}

	switch prior {
	case models.JobStatusFailed, models.JobStatusCancelled:
		h.logger.Info("job re-queued", "job_id", id, "previous_status", prior)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": models.JobStatusPending})
	default:
		writeJSONError(w, http.StatusConflict, "not_retryable", "only failed or cancelled jobs can be retried")
	}
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_id", "job id must be a positive integer")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
