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
	"log/slog"
	"os/exec"
	"time"

	"github.com/google/uuid"
)

// Fixed resource limits for every probe.
const (
	dockerCPUs      = "1"
	dockerMemory    = "2g"
	dockerPidsLimit = "256"
	dockerUser      = "65534:65534" // nobody
)

// DockerRunner executes test commands in a throwaway container via the
// docker CLI: no network, read-only root, writable worktree and scratch
// tmpfs, dropped capabilities, no privilege escalation.
type DockerRunner struct {
	// Image is the container image test commands run in
	Image string

	Logger *slog.Logger
}

// NewDockerRunner returns a runner using image.
func NewDockerRunner(image string, logger *slog.Logger) *DockerRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerRunner{Image: image, Logger: logger}
}

// Available probes the docker daemon.
func (r *DockerRunner) Available(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "version", "--format", "{{.Server.Version}}").Run(); err != nil {
		return fmt.Errorf("docker daemon unavailable: %w", err)
	}
	return nil
}

// Run invokes command in a container with worktree mounted at /workspace.
func (r *DockerRunner) Run(ctx context.Context, worktree, command string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		return Result{Verdict: VerdictSkip, Reason: "no time budget remaining"}, nil
	}

	name := "bisectd-probe-" + uuid.NewString()
	args := []string{
		"run", "--rm",
		"--name", name,
		"--cpus", dockerCPUs,
		"--memory", dockerMemory,
		"--memory-swap", dockerMemory,
		"--pids-limit", dockerPidsLimit,
		"--network", "none",
		"--read-only",
		"--tmpfs", "/tmp:rw,exec,size=512m",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--user", dockerUser,
		"-v", worktree + ":/workspace:rw",
		"-w", "/workspace",
		r.Image,
		"sh", "-c", command,
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The container is removed unconditionally afterwards, so a killed
	// docker client never strands it.
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rmCancel()
		_ = exec.CommandContext(rmCtx, "docker", "rm", "-f", name).Run()
	}()

	var output bytes.Buffer
	cmd := exec.CommandContext(runCtx, "docker", args...)
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() != nil && ctx.Err() == nil {
		// Per-probe timeout, not job cancellation: the probe is
		// unanswerable, the job continues.
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
			// docker binary missing or unrunnable: fatal for the job.
			return Result{}, fmt.Errorf("invoke docker: %w", err)
		}
		code := exitErr.ExitCode()
		verdict, reason := classifyContainerExit(code)
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

// classifyContainerExit extends the bisect convention with the runtime's
// signal encoding: 128+N means the container process was killed by
// signal N. The memory cap surfaces as a SIGKILL (137), so a kill is an
// unanswerable probe, not evidence against the commit.
func classifyContainerExit(code int) (Verdict, string) {
	switch {
	case code == 137:
		return VerdictSkip, "killed (out of memory or SIGKILL)"
	case code > 128:
		return VerdictSkip, fmt.Sprintf("killed by signal %d", code-128)
	default:
		return classifyExit(code)
	}
}
