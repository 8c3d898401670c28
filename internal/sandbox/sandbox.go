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

// Package sandbox runs untrusted test commands against a worktree under
// resource and wall-clock limits, reducing every outcome to a verdict.
package sandbox

import (
	"context"
	"time"
)

// Verdict classifies one test invocation.
type Verdict string

const (
	VerdictGood Verdict = "good"
	VerdictBad  Verdict = "bad"
	VerdictSkip Verdict = "skip"
)

// SkipExitCode is the reserved exit code meaning "cannot test this
// commit", mirroring git bisect's convention.
const SkipExitCode = 125

// maxCapturedOutput bounds how much combined output is retained per probe.
const maxCapturedOutput = 64 * 1024

// Result is the outcome of one sandboxed invocation.
type Result struct {
	Verdict  Verdict
	ExitCode int
	Reason   string // set for skips: timeout, crash, reserved exit code
	Output   string // combined stdout/stderr, truncated
	Duration time.Duration
}

// Runner executes one test command in one worktree. Implementations must
// release all resources on every exit path, including caller crashes.
type Runner interface {
	// Run invokes command against worktree and classifies the result.
	// A nil error with a skip verdict is an answerable probe; an error
	// means the runner itself is unusable (missing runtime, bad setup)
	// and the job must fail.
	Run(ctx context.Context, worktree, command string, timeout time.Duration) (Result, error)

	// Available probes the backing runtime; used by the health endpoint.
	Available(ctx context.Context) error
}

// classifyExit maps an exit code to a verdict per the bisect convention:
// 0 is good, the reserved code is skip, anything else is bad.
func classifyExit(code int) (Verdict, string) {
	switch {
	case code == 0:
		return VerdictGood, ""
	case code == SkipExitCode:
		return VerdictSkip, "reserved skip exit code"
	default:
		return VerdictBad, ""
	}
}

func truncateOutput(b []byte) string {
	if len(b) <= maxCapturedOutput {
		return string(b)
	}
	return string(b[len(b)-maxCapturedOutput:])
}
