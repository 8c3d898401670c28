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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// LocalRunner executes test commands directly on the host with no
// isolation beyond the wall-clock limit. Development and tests only;
// never point it at untrusted input.
type LocalRunner struct{}

// NewLocalRunner returns a direct-exec runner.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{}
}

// Available checks that a shell exists.
func (r *LocalRunner) Available(ctx context.Context) error {
	if _, err := exec.LookPath("sh"); err != nil {
		return fmt.Errorf("sh not found: %w", err)
	}
	return nil
}

// Run invokes command with worktree as the working directory.
func (r *LocalRunner) Run(ctx context.Context, worktree, command string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		return Result{Verdict: VerdictSkip, Reason: "no time budget remaining"}, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var output bytes.Buffer
	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = worktree
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() != nil && ctx.Err() == nil {
		return Result{
			Verdict:  VerdictSkip,
			ExitCode: -1,
			Reason:   fmt.Sprintf("timed out after %s", timeout.Round(time.Second)),
			Output:   truncateOutput(output.Bytes()),
			Duration: elapsed,
		}, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Result{}, fmt.Errorf("invoke shell: %w", err)
		}
		code := exitErr.ExitCode()
		verdict, reason := classifyExit(code)
		if code == -1 {
			// Killed by a signal rather than exiting: treat as an
			// unanswerable probe, the same as a crash.
			verdict, reason = VerdictSkip, "terminated by signal"
		}
		return Result{
			Verdict:  verdict,
			ExitCode: code,
			Reason:   reason,
			Output:   truncateOutput(output.Bytes()),
			Duration: elapsed,
		}, nil
	}

	return Result{
		Verdict:  VerdictGood,
		ExitCode: 0,
		Output:   truncateOutput(output.Bytes()),
		Duration: elapsed,
	}, nil
}
