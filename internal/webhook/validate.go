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
	"fmt"
	"regexp"
	"strings"

	"bisectd/pkg/models"
)

// Input limits for submissions arriving from the forge.
const (
	maxOwnerLength   = 39
	maxRepoLength    = 100
	maxCommandLength = 4096
)

var (
	shaRe   = regexp.MustCompile(`^[0-9a-fA-F]{7,40}$`)
	ownerRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?$`)
	repoRe  = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// denyPattern rejects a test command outright; commands run inside the
// sandbox, but there is no reason to accept obvious exfiltration or
// escalation attempts and every reason to say why.
type denyPattern struct {
	re     *regexp.Regexp
	reason string
}

var denyPatterns = []denyPattern{
	{regexp.MustCompile(`;\s*rm\s+-rf`), "destructive file removal"},
	{regexp.MustCompile(`\$\([^)]*\)`), "command substitution"},
	{regexp.MustCompile("`"), "command substitution"},
	{regexp.MustCompile(`\|\s*(sh|bash|zsh)\b`), "piping into a shell"},
	{regexp.MustCompile(`(curl|wget)\b[^|]*\|`), "piping downloaded content"},
	{regexp.MustCompile(`>\s*/(etc|proc|sys|dev)/`), "writing to system paths"},
	{regexp.MustCompile(`\\x[0-9a-fA-F]{2}`), "hex escape sequence"},
	{regexp.MustCompile(`\\u[0-9a-fA-F]{4}`), "unicode escape sequence"},
	{regexp.MustCompile(`base64\s+(-d|--decode)`), "encoded payload"},
	{regexp.MustCompile(`export\s+PATH=`), "PATH manipulation"},
	{regexp.MustCompile(`LD_PRELOAD|LD_LIBRARY_PATH`), "loader manipulation"},
	{regexp.MustCompile(`\bnc\b.*-e`), "reverse shell"},
	{regexp.MustCompile(`/dev/tcp/`), "raw network access"},
	{regexp.MustCompile(`\bsudo\b`), "privilege escalation"},
	{regexp.MustCompile(`chmod\s+\+s`), "setuid bit"},
	{regexp.MustCompile(`chown\s+root`), "root ownership change"},
}

// ValidateSHA accepts abbreviated or full hex commit ids.
func ValidateSHA(sha string) error {
	if !shaRe.MatchString(sha) {
		return fmt.Errorf("invalid commit sha %q: want 7-40 hex characters", sha)
	}
	return nil
}

// ValidateOwner checks a forge account name.
func ValidateOwner(owner string) error {
	if owner == "" || len(owner) > maxOwnerLength || !ownerRe.MatchString(owner) {
		return fmt.Errorf("invalid repository owner %q", owner)
	}
	return nil
}

// ValidateRepo checks a repository name.
func ValidateRepo(repo string) error {
	if repo == "" || len(repo) > maxRepoLength || !repoRe.MatchString(repo) {
		return fmt.Errorf("invalid repository name %q", repo)
	}
	switch strings.ToLower(repo) {
	case ".", "..", ".git":
		return fmt.Errorf("invalid repository name %q", repo)
	}
	return nil
}

// ValidateCommand applies the length bound and the deny-list.
func ValidateCommand(command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("test command is empty")
	}
	if len(command) > maxCommandLength {
		return fmt.Errorf("test command exceeds %d characters", maxCommandLength)
	}
	for _, c := range command {
		if c < 0x20 && c != '\t' {
			return fmt.Errorf("test command contains control characters")
		}
	}
	for _, p := range denyPatterns {
		if p.re.MatchString(command) {
			return fmt.Errorf("test command rejected: %s", p.reason)
		}
	}
	return nil
}

// ValidateSpec checks a whole submission before it reaches the store.
func ValidateSpec(spec models.JobSpec) error {
	if err := ValidateOwner(spec.RepoOwner); err != nil {
		return err
	}
	if err := ValidateRepo(spec.RepoName); err != nil {
		return err
	}
	if err := ValidateSHA(spec.GoodSHA); err != nil {
		return err
	}
	if err := ValidateSHA(spec.BadSHA); err != nil {
		return err
	}
	if strings.EqualFold(spec.GoodSHA, spec.BadSHA) {
		return fmt.Errorf("good and bad endpoints are the same commit")
	}
	if err := ValidateCommand(spec.TestCommand); err != nil {
		return err
	}
	if spec.InstallationID <= 0 {
		return fmt.Errorf("missing installation id")
	}
	if spec.IssueNumber <= 0 {
		return fmt.Errorf("missing issue number")
	}
	return nil
}
