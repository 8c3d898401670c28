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

package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bisectd/internal/store"
	"bisectd/pkg/models"
)

const testSecret = "webhook-test-secret"

type fakeStore struct {
	mu        sync.Mutex
	created   []models.JobSpec
	createErr error
	nextID    int64
}

func (f *fakeStore) CreateJob(ctx context.Context, spec models.JobSpec) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.created = append(f.created, spec)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeStore) ClaimJobs(ctx context.Context, workerID string, limit int) ([]*models.Job, error) {
	return nil, nil
}

func (f *fakeStore) Heartbeat(ctx context.Context, id int64, workerID string) (bool, error) {
	return false, store.ErrNotFound
}

func (f *fakeStore) FinishJob(ctx context.Context, id int64, workerID string, outcome store.Outcome) error {
	return store.ErrNotFound
}

func (f *fakeStore) ReleaseJob(ctx context.Context, id int64, workerID string) error {
	return store.ErrNotFound
}

func (f *fakeStore) AppendProgress(ctx context.Context, id int64, workerID string, line string) error {
	return store.ErrNotFound
}

func (f *fakeStore) SetCommentID(ctx context.Context, id int64, workerID string, commentID int64) error {
	return store.ErrNotFound
}

func (f *fakeStore) RequestCancel(ctx context.Context, id int64) (models.JobStatus, error) {
	return "", store.ErrNotFound
}

func (f *fakeStore) CancelRequested(ctx context.Context, id int64) (bool, error) {
	return false, store.ErrNotFound
}

func (f *fakeStore) RetryJob(ctx context.Context, id int64) (models.JobStatus, error) {
	return "", store.ErrNotFound
}

func (f *fakeStore) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) Stats(ctx context.Context, workerID string) (models.JobStats, error) {
	return models.JobStats{}, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                   { return nil }

func (f *fakeStore) specs() []models.JobSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.JobSpec(nil), f.created...)
}

type fakeReplier struct {
	mu     sync.Mutex
	posted chan string
	tokens int
}

func newFakeReplier() *fakeReplier {
	return &fakeReplier{posted: make(chan string, 4)}
}

func (f *fakeReplier) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	f.mu.Lock()
	f.tokens++
	f.mu.Unlock()
	return "ghs_testtoken0000000000", nil
}

func (f *fakeReplier) CreateComment(ctx context.Context, token, owner, repo string, issueNumber int, body string) (int64, error) {
	f.posted <- body
	return 1, nil
}

func (f *fakeReplier) tokenCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func issueCommentPayload(t *testing.T, comment string) []byte {
	t.Helper()
	payload := map[string]any{
		"action": "created",
		"comment": map[string]any{
			"body": comment,
			"user": map[string]any{"login": "alice"},
		},
		"issue":        map[string]any{"number": 7},
		"repository":   map[string]any{"name": "hello-world", "owner": map[string]any{"login": "octocat"}},
		"installation": map[string]any{"id": 42},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func deliver(h *Handler, event string, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookQueuesJob(t *testing.T) {
	st := &fakeStore{}
	h := NewHandler(st, newFakeReplier(), testSecret, nil)

	body := issueCommentPayload(t, "/bisect abc1234 def5678 make test")
	rec := deliver(h, "issue_comment", body, sign(testSecret, body))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	specs := st.specs()
	if len(specs) != 1 {
		t.Fatalf("jobs created = %d", len(specs))
	}
	spec := specs[0]
	if spec.RepoOwner != "octocat" || spec.RepoName != "hello-world" ||
		spec.InstallationID != 42 || spec.IssueNumber != 7 || spec.Requester != "alice" ||
		spec.GoodSHA != "abc1234" || spec.BadSHA != "def5678" || spec.TestCommand != "make test" {
		t.Errorf("spec = %+v", spec)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	st := &fakeStore{}
	replier := newFakeReplier()
	h := NewHandler(st, replier, testSecret, nil)

	body := issueCommentPayload(t, "/bisect abc1234 def5678 make test")
	rec := deliver(h, "issue_comment", body, sign("wrong-secret", body))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(st.specs()) != 0 {
		t.Error("job created from unauthenticated delivery")
	}
	if replier.tokenCalls() != 0 {
		t.Error("forge contacted for unauthenticated delivery")
	}
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	h := NewHandler(&fakeStore{}, nil, testSecret, nil)
	body := issueCommentPayload(t, "/bisect abc1234 def5678 make test")
	if rec := deliver(h, "issue_comment", body, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	st := &fakeStore{}
	h := NewHandler(st, nil, testSecret, nil)
	body := []byte(`{"ref":"refs/heads/main"}`)
	rec := deliver(h, "push", body, sign(testSecret, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(st.specs()) != 0 {
		t.Error("job created from non-comment event")
	}
}

func TestWebhookIgnoresCommentWithoutTrigger(t *testing.T) {
	st := &fakeStore{}
	h := NewHandler(st, nil, testSecret, nil)
	body := issueCommentPayload(t, "looks like a regression to me")
	rec := deliver(h, "issue_comment", body, sign(testSecret, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(st.specs()) != 0 {
		t.Error("job created without trigger")
	}
}

func TestWebhookRejectsDeniedCommand(t *testing.T) {
	st := &fakeStore{}
	replier := newFakeReplier()
	h := NewHandler(st, replier, testSecret, nil)

	body := issueCommentPayload(t, "/bisect abc1234 def5678 make test; rm -rf /")
	rec := deliver(h, "issue_comment", body, sign(testSecret, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(st.specs()) != 0 {
		t.Fatal("denied command reached the store")
	}
	select {
	case reply := <-replier.posted:
		if !strings.Contains(reply, "@alice") || !strings.Contains(reply, "rejected") {
			t.Errorf("reply = %q", reply)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no rejection reply posted")
	}
}

func TestWebhookRepliesToMalformedTrigger(t *testing.T) {
	replier := newFakeReplier()
	h := NewHandler(&fakeStore{}, replier, testSecret, nil)

	body := issueCommentPayload(t, "/bisect abc1234")
	rec := deliver(h, "issue_comment", body, sign(testSecret, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	select {
	case reply := <-replier.posted:
		if !strings.Contains(reply, "Usage:") {
			t.Errorf("reply = %q", reply)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no usage reply posted")
	}
}

func TestWebhookDuplicateSubmission(t *testing.T) {
	st := &fakeStore{createErr: store.ErrDuplicate}
	h := NewHandler(st, nil, testSecret, nil)

	body := issueCommentPayload(t, "/bisect abc1234 def5678 make test")
	rec := deliver(h, "issue_comment", body, sign(testSecret, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for duplicate", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "duplicate") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	h := NewHandler(&fakeStore{}, nil, testSecret, nil)
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
