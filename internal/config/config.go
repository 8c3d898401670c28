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

// Package config loads and validates service configuration from the
// environment. Configuration is read once at startup; there is no
// process-wide mutable state behind it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all bisectd configuration.
type Config struct {
	// ListenAddr is the address the HTTP server binds to
	ListenAddr string

	// DatabaseURL locates the job store. postgres:// selects the
	// Postgres backend; sqlite:// or a bare path selects sqlite.
	DatabaseURL string

	// MaxConcurrentJobs caps executors per instance
	MaxConcurrentJobs int

	// BisectTimeout is the per-job wall-clock budget
	BisectTimeout time.Duration

	// SandboxBackend selects the test-command runner: "docker" or "local"
	SandboxBackend string

	// SandboxImage is the container image test commands run in
	SandboxImage string

	// WorkspaceRoot is the parent directory for per-job clone workspaces
	WorkspaceRoot string

	// AppID is the GitHub App identity used to mint tokens
	AppID int64

	// PrivateKeyPath is the GitHub App RS256 signing key file (mode 0600)
	PrivateKeyPath string

	// WebhookSecret is the HMAC key for inbound webhook verification
	WebhookSecret string

	// EncryptionKey optionally encrypts cached installation tokens at rest
	EncryptionKey string

	// APIBaseURL is the GitHub REST endpoint; override for tests
	APIBaseURL string

	// CloneBaseURL is the HTTPS clone host; override for tests
	CloneBaseURL string

	// ClaimInterval is how often the scheduler polls for claimable jobs
	ClaimInterval time.Duration

	// HeartbeatInterval is how often ownership of in-flight jobs is asserted
	HeartbeatInterval time.Duration

	// PendingGrace is how long a pending job must age before claim
	PendingGrace time.Duration

	// HeartbeatStale is the heartbeat age past which a running job is
	// considered orphaned and re-claimable
	HeartbeatStale time.Duration
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		DatabaseURL:       "",
		MaxConcurrentJobs: 4,
		BisectTimeout:     1800 * time.Second,
		SandboxBackend:    "docker",
		SandboxImage:      "ubuntu:24.04",
		WorkspaceRoot:     filepath.Join(os.TempDir(), "bisectd"),
		APIBaseURL:        "https://api.github.com",
		CloneBaseURL:      "https://github.com",
		ClaimInterval:     30 * time.Second,
		HeartbeatInterval: 60 * time.Second,
		PendingGrace:      30 * time.Second,
		HeartbeatStale:    5 * time.Minute,
	}
}

// Load populates a Config from the environment on top of defaults.
func Load() (Config, error) {
	cfg := Default()

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("MAX_CONCURRENT_JOBS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid MAX_CONCURRENT_JOBS %q: %w", v, err)
		}
		cfg.MaxConcurrentJobs = n
	}
	if v := os.Getenv("BISECT_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid BISECT_TIMEOUT_SECONDS %q: %w", v, err)
		}
		cfg.BisectTimeout = time.Duration(n) * time.Second
	}
	if v := os.Getenv("SANDBOX_BACKEND"); v != "" {
		cfg.SandboxBackend = v
	}
	if v := os.Getenv("SANDBOX_IMAGE"); v != "" {
		cfg.SandboxImage = v
	}
	if v := os.Getenv("WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv("FORGE_APP_ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid FORGE_APP_ID %q: %w", v, err)
		}
		cfg.AppID = n
	}
	if v := os.Getenv("FORGE_PRIVATE_KEY_PATH"); v != "" {
		cfg.PrivateKeyPath = v
	}
	if v := os.Getenv("FORGE_WEBHOOK_SECRET"); v != "" {
		cfg.WebhookSecret = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}
	if v := os.Getenv("FORGE_API_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("FORGE_CLONE_URL"); v != "" {
		cfg.CloneBaseURL = v
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be >= 1, got %d", c.MaxConcurrentJobs)
	}
	if c.BisectTimeout < time.Minute {
		return fmt.Errorf("BISECT_TIMEOUT_SECONDS must be >= 60, got %s", c.BisectTimeout)
	}
	switch c.SandboxBackend {
	case "docker", "local":
	default:
		return fmt.Errorf("SANDBOX_BACKEND must be \"docker\" or \"local\", got %q", c.SandboxBackend)
	}
	if c.SandboxBackend == "docker" && c.SandboxImage == "" {
		return fmt.Errorf("SANDBOX_IMAGE is required for the docker backend")
	}
	if c.AppID <= 0 {
		return fmt.Errorf("FORGE_APP_ID is required")
	}
	if c.PrivateKeyPath == "" {
		return fmt.Errorf("FORGE_PRIVATE_KEY_PATH is required")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("FORGE_WEBHOOK_SECRET is required")
	}
	if c.PendingGrace < 30*time.Second {
		return fmt.Errorf("pending grace must be >= 30s, got %s", c.PendingGrace)
	}
	if c.HeartbeatStale < 5*time.Minute {
		return fmt.Errorf("heartbeat staleness must be >= 5m, got %s", c.HeartbeatStale)
	}
	return nil
}

// CheckPrivateKeyMode verifies the signing key file exists and is not
// group or world readable.
func (c Config) CheckPrivateKeyMode() error {
	info, err := os.Stat(c.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("stat private key: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("private key %s has mode %04o, want 0600", c.PrivateKeyPath, info.Mode().Perm())
	}
	return nil
}
