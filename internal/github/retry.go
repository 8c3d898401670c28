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

package github

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"time"

	"bisectd/internal/metrics"
)

// Default retry configuration for forge calls.
const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 5 * time.Second
	defaultJitterFrac  = 0.3
)

// retryConfig defines retry/backoff parameters for one forge operation.
type retryConfig struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitterFrac  float64 // 0.0-1.0 fraction of delay to jitter
	op          string  // metrics/logging operation label

	// retryHTTP permits retrying 429 and 5xx responses. Non-idempotent
	// writes leave this false: only connection-level failures retry.
	retryHTTP bool
}

func newRetryConfig(op string, retryHTTP bool) retryConfig {
	return retryConfig{
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		jitterFrac:  defaultJitterFrac,
		op:          op,
		retryHTTP:   retryHTTP,
	}
}

// doWithRetry executes fn with retry/backoff on transient failures.
// It returns the last response (caller is responsible to close body) and error.
func (c *Client) doWithRetry(ctx context.Context, cfg retryConfig, fn func(context.Context) (*http.Response, error)) (*http.Response, error) {
	if cfg.maxAttempts <= 0 {
		cfg.maxAttempts = defaultMaxAttempts
	}

	var lastErr error
	var lastResp *http.Response
	for attempt := 1; attempt <= cfg.maxAttempts; attempt++ {
		resp, err := fn(ctx)

		code := -1
		if resp != nil {
			code = resp.StatusCode
		}
		metrics.ObserveForgeRequest(cfg.op, code)

		// Success path
		if err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		if !isRetryable(err, resp, cfg.retryHTTP) {
			if err != nil {
				return nil, err
			}
			return resp, nil
		}

		// Close response body on retryable failure to avoid leaks before retry
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}

		lastErr = err
		lastResp = resp

		if attempt < cfg.maxAttempts {
			exp := attempt - 1
			if exp > 10 {
				exp = 10
			}
			backoff := cfg.baseDelay * (1 << exp)
			if backoff > cfg.maxDelay {
				backoff = cfg.maxDelay
			}
			jitter := time.Duration(rand.Float64() * cfg.jitterFrac * float64(backoff) * 2)
			sleep := backoff - time.Duration(cfg.jitterFrac*float64(backoff)) + jitter // +/- around base

			metrics.IncForgeRetry(cfg.op)
			c.logger.Debug("forge retry",
				"op", cfg.op, "attempt", attempt, "sleep", sleep,
				"err", errString(err), "statusCode", code)

			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return lastResp, errors.New("forge request failed after retries")
}

// isRetryable determines if the error/response suggests a transient failure.
func isRetryable(err error, resp *http.Response, retryHTTP bool) bool {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return true
		}
		// Connection resets and similar transport failures.
		return true
	}
	if resp == nil {
		return true
	}
	if !retryHTTP {
		return false
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return resp.StatusCode >= 500 && resp.StatusCode <= 599
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
