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

// Package metrics exposes Prometheus collectors for bisectd.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	webhookRequests *prometheus.CounterVec
	jobOutcomes     *prometheus.CounterVec
	jobsClaimed     prometheus.Counter
	jobsInFlight    prometheus.Gauge
	probes          *prometheus.CounterVec
	probeDuration   prometheus.Histogram
	bisectDuration  prometheus.Histogram
	forgeRequests   *prometheus.CounterVec
	forgeRetries    *prometheus.CounterVec
	heartbeatLost   prometheus.Counter
)

// Forge operation labels.
const (
	OpMintToken     = "token.mint"
	OpCreateComment = "comment.create"
	OpUpdateComment = "comment.update"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveWebhookRequest records a completed webhook delivery attempt.
func ObserveWebhookRequest(event string, code int) {
	labelEvent := sanitizeLabel(event, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if webhookRequests != nil {
		webhookRequests.WithLabelValues(labelEvent, strconv.Itoa(code)).Inc()
	}
}

// IncJobOutcome records a terminal job transition.
func IncJobOutcome(status string) {
	labelStatus := sanitizeLabel(status, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobOutcomes != nil {
		jobOutcomes.WithLabelValues(labelStatus).Inc()
	}
}

// IncJobsClaimed records successfully claimed jobs.
func IncJobsClaimed(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsClaimed != nil && n > 0 {
		jobsClaimed.Add(float64(n))
	}
}

// SetJobsInFlight tracks executors currently live on this instance.
func SetJobsInFlight(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsInFlight != nil {
		jobsInFlight.Set(float64(n))
	}
}

// ObserveProbe records one checkout + test invocation and its verdict.
func ObserveProbe(verdict string, duration time.Duration) {
	labelVerdict := sanitizeLabel(verdict, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if probes != nil {
		probes.WithLabelValues(labelVerdict).Inc()
	}
	if probeDuration != nil {
		probeDuration.Observe(durationSeconds(duration))
	}
}

// ObserveBisect records a whole bisect run from claim to terminal state.
func ObserveBisect(duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if bisectDuration != nil {
		bisectDuration.Observe(durationSeconds(duration))
	}
}

// ObserveForgeRequest records a completed forge API request attempt.
// code should be the HTTP status code; use negative values to indicate errors.
func ObserveForgeRequest(op string, code int) {
	labelOp := sanitizeLabel(op, "unknown")
	status := "error"
	if code >= 0 {
		status = strconv.Itoa(code)
	}

	mu.RLock()
	defer mu.RUnlock()
	if forgeRequests != nil {
		forgeRequests.WithLabelValues(labelOp, status).Inc()
	}
}

// IncForgeRetry increments the retry counter for a forge operation.
func IncForgeRetry(op string) {
	labelOp := sanitizeLabel(op, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if forgeRetries != nil {
		forgeRetries.WithLabelValues(labelOp).Inc()
	}
}

// IncHeartbeatLost counts jobs whose ownership was lost to re-claim.
func IncHeartbeatLost() {
	mu.RLock()
	defer mu.RUnlock()
	if heartbeatLost != nil {
		heartbeatLost.Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bisectd",
		Name:      "webhook_requests_total",
		Help:      "Total webhook deliveries grouped by event kind and response code.",
	}, []string{"event", "code"})

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bisectd",
		Name:      "job_outcomes_total",
		Help:      "Terminal job transitions grouped by status.",
	}, []string{"status"})

	claimed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bisectd",
		Name:      "jobs_claimed_total",
		Help:      "Jobs claimed by this instance, including re-claims of orphans.",
	})

	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bisectd",
		Name:      "jobs_in_flight",
		Help:      "Executors currently live on this instance.",
	})

	probesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bisectd",
		Name:      "probes_total",
		Help:      "Bisect probes grouped by verdict.",
	}, []string{"verdict"})

	probeHist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bisectd",
		Name:      "probe_duration_seconds",
		Help:      "Duration of one checkout + sandboxed test invocation.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	})

	bisectHist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bisectd",
		Name:      "bisect_duration_seconds",
		Help:      "Duration of a full bisect run from claim to terminal state.",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
	})

	forgeTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bisectd",
		Name:      "forge_requests_total",
		Help:      "Forge API request attempts grouped by operation and status code.",
	}, []string{"op", "code"})

	forgeRetry := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bisectd",
		Name:      "forge_retries_total",
		Help:      "Forge API retries grouped by operation.",
	}, []string{"op"})

	lost := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bisectd",
		Name:      "heartbeat_ownership_lost_total",
		Help:      "Heartbeats rejected because the job was re-claimed elsewhere.",
	})

	registry.MustRegister(webhooks, outcomes, claimed, inFlight, probesTotal,
		probeHist, bisectHist, forgeTotal, forgeRetry, lost)

	reg = registry
	webhookRequests = webhooks
	jobOutcomes = outcomes
	jobsClaimed = claimed
	jobsInFlight = inFlight
	probes = probesTotal
	probeDuration = probeHist
	bisectDuration = bisectHist
	forgeRequests = forgeTotal
	forgeRetries = forgeRetry
	heartbeatLost = lost
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
