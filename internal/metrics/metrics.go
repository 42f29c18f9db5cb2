// Copyright 2025 The Agents Dashboard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// runsStarted tracks runs entering the running state.
	runsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentsd_runs_started_total",
			Help: "Total runs started, by harness",
		},
		[]string{"harness"},
	)

	// runsCompleted tracks runs reaching a terminal state.
	runsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentsd_runs_completed_total",
			Help: "Total runs completed, by harness and terminal state",
		},
		[]string{"harness", "state"},
	)

	// queueDepth tracks runs waiting in the queued state.
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentsd_queue_depth",
			Help: "Number of runs currently queued",
		},
	)

	// dispatchDeferrals tracks requests parked by saturation or missing workers.
	dispatchDeferrals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentsd_dispatch_deferrals_total",
			Help: "Total dispatch deferrals, by reason",
		},
		[]string{"reason"},
	)

	// eventsIngested tracks structured events through the pipeline.
	eventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentsd_events_ingested_total",
			Help: "Total structured events ingested, by category",
		},
		[]string{"category"},
	)

	// proxyRoutes tracks the live proxy route count.
	proxyRoutes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentsd_proxy_routes",
			Help: "Number of registered proxy routes",
		},
	)

	// prunedRows tracks structured rows deleted by the retention pruner.
	prunedRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentsd_pruned_rows_total",
			Help: "Total rows deleted by the retention pruner, by table",
		},
		[]string{"table"},
	)

	// alertTransitions tracks alert rule state changes.
	alertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentsd_alert_transitions_total",
			Help: "Total alert rule transitions, by rule type and state",
		},
		[]string{"rule_type", "state"},
	)

	// runDuration observes wall-clock run durations.
	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentsd_run_duration_seconds",
			Help:    "Run duration from start to terminal state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"harness", "state"},
	)
)

// RecordRunStarted increments the started counter.
func RecordRunStarted(harness string) {
	runsStarted.WithLabelValues(harness).Inc()
}

// RecordRunCompleted increments the completed counter and observes duration.
func RecordRunCompleted(harness, state string, duration time.Duration) {
	runsCompleted.WithLabelValues(harness, state).Inc()
	runDuration.WithLabelValues(harness, state).Observe(duration.Seconds())
}

// SetQueueDepth records the current queued-run count.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordDeferral increments the deferral counter.
func RecordDeferral(reason string) {
	dispatchDeferrals.WithLabelValues(reason).Inc()
}

// RecordEvent increments the pipeline ingest counter.
func RecordEvent(category string) {
	eventsIngested.WithLabelValues(category).Inc()
}

// SetProxyRoutes records the current route count.
func SetProxyRoutes(n int) {
	proxyRoutes.Set(float64(n))
}

// RecordPruned adds deleted row counts for one table.
func RecordPruned(table string, n int) {
	prunedRows.WithLabelValues(table).Add(float64(n))
}

// RecordAlertTransition increments the alert transition counter.
func RecordAlertTransition(ruleType, state string) {
	alertTransitions.WithLabelValues(ruleType, state).Inc()
}

// Serve runs the /metrics endpoint until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
