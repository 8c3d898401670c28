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

package sandbox

import (
	"strings"
	"testing"
)

func TestClassifyContainerExit(t *testing.T) {
	tests := []struct {
		name       string
		code       int
		want       Verdict
		wantReason string
	}{
		{"clean pass", 0, VerdictGood, ""},
		{"plain failure", 1, VerdictBad, ""},
		{"reserved skip code", 125, VerdictSkip, "reserved skip exit code"},
		{"oom kill", 137, VerdictSkip, "out of memory"},
		{"sigterm", 143, VerdictSkip, "signal 15"},
		{"sigsegv", 139, VerdictSkip, "signal 11"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, reason := classifyContainerExit(tt.code)
			if verdict != tt.want {
				t.Errorf("classifyContainerExit(%d) verdict = %s, want %s", tt.code, verdict, tt.want)
			}
			if tt.wantReason != "" && !strings.Contains(reason, tt.wantReason) {
				t.Errorf("classifyContainerExit(%d) reason = %q, want substring %q", tt.code, reason, tt.wantReason)
			}
		})
	}
}
