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

package bisect

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"bisectd/pkg/crypto"
)

// repo drives the git binary against one worktree. Command output is
// scrubbed before it reaches errors or logs: clone URLs carry tokens.
type repo struct {
	dir string
}

var firstBadRe = regexp.MustCompile(`(?m)^([0-9a-f]{40}) is the first bad commit`)

// clone clones url into dir and returns a repo handle.
func clone(ctx context.Context, url, dir string) (*repo, error) {
	cmd := exec.CommandContext(ctx, "git", "clone", "--quiet", url, dir)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git clone: %s", crypto.ScrubTokens(firstLine(out.String(), err)))
	}
	return &repo{dir: dir}, nil
}

// git runs one git command in the worktree and returns combined output.
func (r *repo) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	output := crypto.ScrubTokens(out.String())
	if err != nil {
		return output, fmt.Errorf("git %s: %s", args[0], firstLine(output, err))
	}
	return output, nil
}

// resolve expands a (possibly abbreviated) sha to the full commit id.
func (r *repo) resolve(ctx context.Context, sha string) (string, error) {
	out, err := r.git(ctx, "rev-parse", "--verify", sha+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("unknown commit %s: %w", sha, err)
	}
	return strings.TrimSpace(out), nil
}

// checkout moves the worktree to sha.
func (r *repo) checkout(ctx context.Context, sha string) error {
	if _, err := r.git(ctx, "checkout", "--quiet", "--force", sha); err != nil {
		return err
	}
	return nil
}

// head returns the commit currently checked out.
func (r *repo) head(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// bisectStart begins the binary search; git checks out the first candidate.
func (r *repo) bisectStart(ctx context.Context, badSHA, goodSHA string) (string, error) {
	return r.git(ctx, "bisect", "start", badSHA, goodSHA)
}

// bisectStep feeds one verdict back and returns git's response, which
// either names the next candidate or announces the culprit.
func (r *repo) bisectStep(ctx context.Context, verdict string) (string, error) {
	return r.git(ctx, "bisect", verdict)
}

// bisectReset ends the bisect session; best effort, survives a
// cancelled job context.
func (r *repo) bisectReset(ctx context.Context) {
	resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	_, _ = r.git(resetCtx, "bisect", "reset")
}

// commitSubject returns the one-line subject of sha.
func (r *repo) commitSubject(ctx context.Context, sha string) (string, error) {
	out, err := r.git(ctx, "log", "-1", "--pretty=%s", sha)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// commitAuthor returns the author name of sha.
func (r *repo) commitAuthor(ctx context.Context, sha string) (string, error) {
	out, err := r.git(ctx, "log", "-1", "--pretty=%an", sha)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// parseCulprit extracts the first-bad-commit announcement, if present.
func parseCulprit(output string) (string, bool) {
	m := firstBadRe.FindStringSubmatch(output)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// bisectExhausted reports whether git gave up because only skipped
// commits remain between the endpoints.
func bisectExhausted(output string) bool {
	return strings.Contains(output, "We cannot bisect more") ||
		strings.Contains(output, "only 'skip'ped commits left")
}

// bisectDone reports whether git finished narrowing (either announcing a
// culprit or running out of testable commits).
func bisectDone(output string) bool {
	_, ok := parseCulprit(output)
	return ok || bisectExhausted(output)
}

func firstLine(output string, fallback error) string {
	for _, line := range strings.Split(output, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			return s
		}
	}
	return fallback.Error()
}
