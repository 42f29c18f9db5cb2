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

// Package proxy manages dynamic per-run reverse-proxy routes with
// ownership labels and TTL-based garbage collection. The route table is
// single-writer, multi-reader: every change publishes a new immutable
// snapshot and signals readers through a change token.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentsdashboard/agentsd/internal/metrics"
)

// DefaultSweepInterval is the cadence of the TTL sweeper.
const DefaultSweepInterval = 60 * time.Second

// Ownership ties a route to the entities that created it.
type Ownership struct {
	ProjectID    string
	RepositoryID string
	TaskID       string
	RunID        string
}

// Route is one managed reverse-proxy route.
type Route struct {
	ID          string
	PathPattern string
	Destination string
	Deadline    time.Time // zero means no TTL
	Owner       Ownership
}

// Expired reports whether the route's TTL deadline has passed.
func (r Route) Expired(now time.Time) bool {
	return !r.Deadline.IsZero() && now.After(r.Deadline)
}

// Snapshot is an immutable view of the route table plus a change token
// that is closed when a newer snapshot exists. Multiple updates may
// collapse into a single visible snapshot for a slow reader.
type Snapshot struct {
	routes  map[string]Route
	changed chan struct{}
}

// Get returns a route by id.
func (s *Snapshot) Get(id string) (Route, bool) {
	r, ok := s.routes[id]
	return r, ok
}

// Routes returns all routes in the snapshot.
func (s *Snapshot) Routes() []Route {
	out := make([]Route, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r)
	}
	return out
}

// Changed is closed once this snapshot is superseded.
func (s *Snapshot) Changed() <-chan struct{} {
	return s.changed
}

// Auditor records requests observed on managed routes.
type Auditor interface {
	RecordRoute(ctx context.Context, route Route, path string, latency time.Duration)
}

// Manager owns the route table.
type Manager struct {
	mu      sync.Mutex
	current *Snapshot
	logger  *slog.Logger
	auditor Auditor
	sweep   time.Duration
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuditor installs the audit hook.
func WithAuditor(a Auditor) Option {
	return func(m *Manager) { m.auditor = a }
}

// WithSweepInterval overrides the TTL sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweep = d }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a route manager with an empty table.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		current: &Snapshot{routes: map[string]Route{}, changed: make(chan struct{})},
		logger:  logger.With(slog.String("component", "proxy")),
		sweep:   DefaultSweepInterval,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Upsert adds or replaces a route. A route owned by a run must carry
// the run prefix in its id; everything else is rejected before it can
// shadow another run's traffic.
func (m *Manager) Upsert(route Route) error {
	if route.ID == "" {
		return fmt.Errorf("route id is required")
	}
	if runID := route.Owner.RunID; runID != "" {
		prefix := "run-" + runID
		if !strings.HasPrefix(route.ID, prefix) {
			return fmt.Errorf("route %q owned by run %s must start with %q", route.ID, runID, prefix)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.publish(func(routes map[string]Route) {
		routes[route.ID] = route
	})
	m.logger.Debug("route upserted", "route_id", route.ID, "destination", route.Destination)
	return nil
}

// Remove deletes a route by id. Removing an absent route is a no-op.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.current.routes[id]; !ok {
		return
	}
	m.publish(func(routes map[string]Route) {
		delete(routes, id)
	})
	m.logger.Debug("route removed", "route_id", id)
}

// RemoveOwnedBy deletes every route owned by the given run, called when
// the run reaches a terminal state.
func (m *Manager) RemoveOwnedBy(runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var victims []string
	for id, r := range m.current.routes {
		if r.Owner.RunID == runID {
			victims = append(victims, id)
		}
	}
	if len(victims) == 0 {
		return 0
	}
	m.publish(func(routes map[string]Route) {
		for _, id := range victims {
			delete(routes, id)
		}
	})
	return len(victims)
}

// publish installs a new immutable snapshot and signals the old one
// (must hold lock).
func (m *Manager) publish(mutate func(map[string]Route)) {
	next := make(map[string]Route, len(m.current.routes)+1)
	for id, r := range m.current.routes {
		next[id] = r
	}
	mutate(next)

	old := m.current
	m.current = &Snapshot{routes: next, changed: make(chan struct{})}
	close(old.changed)
	metrics.SetProxyRoutes(len(next))
}

// Snapshot returns the current immutable route table.
func (m *Manager) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SweepExpired removes every route whose TTL deadline has passed and
// returns how many were evicted.
func (m *Manager) SweepExpired() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var victims []string
	for id, r := range m.current.routes {
		if r.Expired(now) {
			victims = append(victims, id)
		}
	}
	if len(victims) == 0 {
		return 0
	}
	m.publish(func(routes map[string]Route) {
		for _, id := range victims {
			delete(routes, id)
		}
	})
	m.logger.Info("swept expired routes", "count", len(victims))
	return len(victims)
}

// Run drives the TTL sweeper until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepExpired()
		}
	}
}

// OwnedRoutes returns route-id -> owning run-id for the current
// snapshot, with "" for unowned routes. Used by leak detection.
func (m *Manager) OwnedRoutes() map[string]string {
	snap := m.Snapshot()
	out := make(map[string]string, len(snap.routes))
	for id, r := range snap.routes {
		out[id] = r.Owner.RunID
	}
	return out
}

// Audit reports a request served through a managed route.
func (m *Manager) Audit(ctx context.Context, routeID, path string, latency time.Duration) {
	if m.auditor == nil {
		return
	}
	route, ok := m.Snapshot().Get(routeID)
	if !ok {
		return
	}
	m.auditor.RecordRoute(ctx, route, path, latency)
}
