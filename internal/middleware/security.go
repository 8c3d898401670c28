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

// Package middleware carries the HTTP plumbing shared by the webhook
// ingress and the read surface.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"bisectd/internal/ctxkeys"
)

// SecurityHeaders adds baseline response headers to every request. HSTS
// is opt-in since the service usually sits behind a TLS-terminating
// proxy.
func SecurityHeaders(enableHSTS bool) func(http.Handler) http.Handler {
	const hstsMaxAge = 31536000
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			if enableHSTS {
				w.Header().Set("Strict-Transport-Security", "max-age="+strconv.Itoa(hstsMaxAge))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Correlation threads a correlation id through the request context and
// echoes it back so deliveries can be traced across instances.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		ctx := r.Context()
		if id != "" {
			ctx = ctxkeys.WithCorrelationID(ctx, id)
		} else {
			ctx, id = ctxkeys.EnsureCorrelationID(ctx)
		}
		w.Header().Set("X-Correlation-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// AccessLog emits one structured line per request.
func AccessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start).Round(time.Millisecond),
				"correlation_id", ctxkeys.GetCorrelationID(r.Context()),
			)
		})
	}
}
