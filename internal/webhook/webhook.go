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

// Package webhook ingests forge deliveries: signature verification,
// trigger parsing, input validation, and job creation. Everything else
// about a job happens elsewhere; a delivery is answered in milliseconds.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bisectd/internal/metrics"
	"bisectd/internal/store"
	"bisectd/pkg/models"
)

// maxBodySize bounds a delivery payload.
const maxBodySize = 1 << 20

const signatureHeader = "X-Hub-Signature-256"

// Replier posts the polite rejection and acknowledgement comments.
type Replier interface {
	InstallationToken(ctx context.Context, installationID int64) (string, error)
	CreateComment(ctx context.Context, token, owner, repo string, issueNumber int, body string) (int64, error)
}

// Handler answers POST deliveries from the forge.
type Handler struct {
	store  store.Store
	forge  Replier
	secret []byte
	logger *slog.Logger
}

// NewHandler wires the ingress handler. secret must be the value the
// forge app was configured with; deliveries that do not prove knowledge
// of it are rejected before the payload is parsed.
func NewHandler(st store.Store, forge Replier, secret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: st, forge: forge, secret: []byte(secret), logger: logger}
}

// eventPayload is the slice of the issue_comment event we consume.
type eventPayload struct {
	Action  string `json:"action"`
	Comment struct {
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
	Issue struct {
		Number int `json:"number"`
	} `json:"issue"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get("X-GitHub-Event")
	code := h.handle(w, r, event)
	metrics.ObserveWebhookRequest(event, code)
}

// handle processes one delivery and returns the status code written.
func (h *Handler) handle(w http.ResponseWriter, r *http.Request, event string) int {
	if r.Method != http.MethodPost {
		return writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "deliveries must be POSTed")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return writeJSONError(w, http.StatusBadRequest, "read_error", "could not read request body")
	}
	if len(body) > maxBodySize {
		return writeJSONError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "delivery exceeds 1 MiB")
	}

	// Authentication happens before any parsing: an unsigned payload is
	// untrusted bytes and gets no further consideration.
	if !h.verifySignature(body, r.Header.Get(signatureHeader)) {
		h.logger.Warn("delivery signature rejected",
			"remote", r.RemoteAddr,
			"delivery_id", r.Header.Get("X-GitHub-Delivery"),
		)
		return writeJSONError(w, http.StatusUnauthorized, "unauthorized", "signature verification failed")
	}

	if event != "issue_comment" {
		return writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ignored": "event"})
	}

	var payload eventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return writeJSONError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
	}
	if payload.Action != "created" {
		return writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ignored": "action"})
	}

	cmd, found, err := ParseCommand(payload.Comment.Body)
	if !found {
		return writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ignored": "no trigger"})
	}

	spec := models.JobSpec{
		RepoOwner:      payload.Repository.Owner.Login,
		RepoName:       payload.Repository.Name,
		InstallationID: payload.Installation.ID,
		IssueNumber:    payload.Issue.Number,
		Requester:      payload.Comment.User.Login,
		GoodSHA:        cmd.GoodSHA,
		BadSHA:         cmd.BadSHA,
		TestCommand:    cmd.TestCommand,
	}

	if err == nil {
		err = ValidateSpec(spec)
	}
	if err != nil {
		h.logger.Info("submission rejected",
			"repo", spec.RepoOwner+"/"+spec.RepoName,
			"requester", spec.Requester,
			"reason", err,
		)
		h.replyAsync(spec, rejectionBody(spec.Requester, err))
		return writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rejected": err.Error()})
	}

	id, err := h.store.CreateJob(r.Context(), spec)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			h.logger.Info("duplicate submission ignored",
				"repo", spec.RepoOwner+"/"+spec.RepoName,
				"issue", spec.IssueNumber,
			)
			return writeJSON(w, http.StatusOK, map[string]any{"ok": true, "duplicate": true})
		}
		h.logger.Error("create job", "error", err)
		return writeJSONError(w, http.StatusInternalServerError, "server_error", "could not queue job")
	}

	h.logger.Info("job queued",
		"job_id", id,
		"repo", spec.RepoOwner+"/"+spec.RepoName,
		"issue", spec.IssueNumber,
		"requester", spec.Requester,
	)
	return writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "job_id": id})
}

// verifySignature checks the hex HMAC-SHA256 of the raw body in
// constant time.
func (h *Handler) verifySignature(body []byte, header string) bool {
	const prefix = "sha256="
	if len(h.secret) == 0 || !strings.HasPrefix(header, prefix) {
		return false
	}
	provided, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// replyAsync posts a comment without holding the delivery response open;
// the forge deadline is short and the reply is best effort anyway.
func (h *Handler) replyAsync(spec models.JobSpec, body string) {
	if h.forge == nil || spec.InstallationID <= 0 || spec.IssueNumber <= 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		token, err := h.forge.InstallationToken(ctx, spec.InstallationID)
		if err != nil {
			h.logger.Warn("mint token for reply", "error", err)
			return
		}
		if _, err := h.forge.CreateComment(ctx, token, spec.RepoOwner, spec.RepoName, spec.IssueNumber, body); err != nil {
			h.logger.Warn("post reply comment", "error", err)
		}
	}()
}

func rejectionBody(requester string, reason error) string {
	return fmt.Sprintf("⚠️ @%s your bisect request was rejected: %s\n\nUsage: `/bisect <good_sha> <bad_sha> <test_command>`\n", requester, reason)
}

func writeJSON(w http.ResponseWriter, status int, v any) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
	return status
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) int {
	return writeJSON(w, status, map[string]string{"error": code, "message": message})
}
