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

// Package alerting evaluates operational alert rules on a tick and
// records firing/resolved transitions with cooldown.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentsdashboard/agentsd/internal/metrics"
	"github.com/agentsdashboard/agentsd/internal/store"
)

// Rule types.
const (
	RuleFailureRate     = "failure-rate"
	RuleQueueBacklog    = "queue-backlog"
	RuleHeartbeatGap    = "heartbeat-gap"
	RulePRFailureStreak = "pr-failure-streak"
	RuleRouteLeak       = "route-leak"
)

// Alert states.
const (
	StateFiring   = "firing"
	StateResolved = "resolved"
)

// DefaultEvalInterval is the cadence of rule evaluation.
const DefaultEvalInterval = 30 * time.Second

// RouteSource exposes the live route table to the route-leak rule.
// Implemented by the proxy manager.
type RouteSource interface {
	OwnedRoutes() map[string]string // route-id -> owning run-id, "" when unowned
}

// ruleState tracks one rule's firing window.
type ruleState struct {
	firing    bool
	firstSeen time.Time
	lastSeen  time.Time
	lastFired time.Time
}

// Engine evaluates alert rules against the store.
type Engine struct {
	store  *store.Store
	routes RouteSource
	logger *slog.Logger
	tick   time.Duration
	now    func() time.Time

	mu     sync.Mutex
	states map[string]*ruleState
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvalInterval overrides the evaluation cadence.
func WithEvalInterval(d time.Duration) Option {
	return func(e *Engine) { e.tick = d }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an alerting engine. routes may be nil, which disables the
// route-leak rule.
func New(st *store.Store, routes RouteSource, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:  st,
		routes: routes,
		logger: logger.With(slog.String("component", "alerting")),
		tick:   DefaultEvalInterval,
		now:    time.Now,
		states: make(map[string]*ruleState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run evaluates rules until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Evaluate(ctx)
		}
	}
}

// Evaluate runs one evaluation pass over all enabled rules.
func (e *Engine) Evaluate(ctx context.Context) {
	rules, err := e.store.ListAlertRules(ctx)
	if err != nil {
		e.logger.Error("failed to list alert rules", "error", err)
		return
	}
	for _, rule := range rules {
		breached, detail, err := e.check(ctx, rule)
		if err != nil {
			e.logger.Warn("rule evaluation failed", "rule_id", rule.ID, "error", err)
			continue
		}
		e.apply(ctx, rule, breached, detail)
	}
}

// check evaluates one rule's condition.
func (e *Engine) check(ctx context.Context, rule *store.AlertRuleRecord) (bool, string, error) {
	now := e.now().UTC()

	switch rule.Type {
	case RuleFailureRate:
		stats, err := e.store.RunStatsSince(ctx, now.Add(-rule.Window))
		if err != nil {
			return false, "", err
		}
		if stats.Total == 0 {
			return false, "", nil
		}
		ratio := float64(stats.Failed) / float64(stats.Total)
		return ratio > rule.Threshold,
			fmt.Sprintf("failure rate %.2f (%d/%d)", ratio, stats.Failed, stats.Total), nil

	case RuleQueueBacklog:
		stats, err := e.store.RunStatsSince(ctx, now.Add(-rule.Window))
		if err != nil {
			return false, "", err
		}
		return float64(stats.Queued) > rule.Threshold,
			fmt.Sprintf("%d runs queued", stats.Queued), nil

	case RuleHeartbeatGap:
		workers, err := e.store.ListWorkers(ctx)
		if err != nil {
			return false, "", err
		}
		gap := time.Duration(rule.Threshold * float64(time.Second))
		for _, w := range workers {
			if now.Sub(w.LastHeartbeat) > gap {
				return true, fmt.Sprintf("worker %s silent for %s",
					w.ID, now.Sub(w.LastHeartbeat).Truncate(time.Second)), nil
			}
		}
		return false, "", nil

	case RulePRFailureStreak:
		streaks, err := e.store.AutoPRFailureStreaks(ctx)
		if err != nil {
			return false, "", err
		}
		for taskID, n := range streaks {
			if float64(n) >= rule.Threshold {
				return true, fmt.Sprintf("task %s failed %d times in a row", taskID, n), nil
			}
		}
		return false, "", nil

	case RuleRouteLeak:
		if e.routes == nil {
			return false, "", nil
		}
		leaks := 0
		for routeID, runID := range e.routes.OwnedRoutes() {
			if runID == "" {
				continue
			}
			run, err := e.store.GetRun(ctx, runID)
			if err != nil || run.State.Terminal() {
				leaks++
				e.logger.Debug("route outlived its run", "route_id", routeID, "run_id", runID)
			}
		}
		return float64(leaks) > rule.Threshold, fmt.Sprintf("%d leaked routes", leaks), nil
	}

	return false, "", fmt.Errorf("unknown rule type %q", rule.Type)
}

// apply records firing/resolved transitions, honouring cooldown.
func (e *Engine) apply(ctx context.Context, rule *store.AlertRuleRecord, breached bool, detail string) {
	now := e.now().UTC()

	e.mu.Lock()
	st, ok := e.states[rule.ID]
	if !ok {
		st = &ruleState{}
		e.states[rule.ID] = st
	}

	var event *store.AlertEventRecord
	switch {
	case breached && !st.firing:
		if now.Sub(st.lastFired) < rule.Cooldown {
			// Still cooling down from the previous fire.
			break
		}
		st.firing = true
		st.firstSeen = now
		st.lastSeen = now
		st.lastFired = now
		event = &store.AlertEventRecord{
			RuleID: rule.ID, State: StateFiring,
			FirstSeen: st.firstSeen, LastSeen: now, Detail: detail,
		}
	case breached && st.firing:
		st.lastSeen = now
	case !breached && st.firing:
		st.firing = false
		event = &store.AlertEventRecord{
			RuleID: rule.ID, State: StateResolved,
			FirstSeen: st.firstSeen, LastSeen: st.lastSeen, Detail: detail,
		}
	}
	e.mu.Unlock()

	if event == nil {
		return
	}
	if err := e.store.RecordAlertEvent(ctx, event); err != nil {
		e.logger.Error("failed to record alert event", "rule_id", rule.ID, "error", err)
		return
	}
	metrics.RecordAlertTransition(rule.Type, event.State)
	e.logger.Info("alert state changed",
		"rule_id", rule.ID, "state", event.State, "detail", detail)
}

// Firing reports whether a rule is currently firing.
func (e *Engine) Firing(ruleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[ruleID]
	return ok && st.firing
}
