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

package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runRoute(runID, suffix string) Route {
	return Route{
		ID:          "run-" + runID + suffix,
		PathPattern: "/runs/" + runID + "/preview/*",
		Destination: "http://127.0.0.1:3000",
		Owner:       Ownership{ProjectID: "p1", RepositoryID: "r1", TaskID: "t1", RunID: runID},
	}
}

func TestUpsertEnforcesOwnerPrefix(t *testing.T) {
	m := NewManager(nil)

	require.NoError(t, m.Upsert(runRoute("abc", "-web")))

	// A run-owned route without the run prefix could shadow another
	// run's traffic.
	bad := runRoute("abc", "-web")
	bad.ID = "web"
	err := m.Upsert(bad)
	assert.Error(t, err)

	assert.Error(t, m.Upsert(Route{Destination: "http://x"}))

	// Unowned routes have no prefix requirement.
	require.NoError(t, m.Upsert(Route{ID: "dashboard", Destination: "http://127.0.0.1:8080"}))
}

func TestSnapshotImmutableWithChangeToken(t *testing.T) {
	m := NewManager(nil)

	snap1 := m.Snapshot()
	assert.Empty(t, snap1.Routes())

	select {
	case <-snap1.Changed():
		t.Fatal("token closed before any change")
	default:
	}

	require.NoError(t, m.Upsert(runRoute("abc", "-web")))

	// The old snapshot is signalled but never mutated.
	select {
	case <-snap1.Changed():
	case <-time.After(time.Second):
		t.Fatal("change token not closed")
	}
	assert.Empty(t, snap1.Routes())

	snap2 := m.Snapshot()
	require.Len(t, snap2.Routes(), 1)
	got, ok := snap2.Get("run-abc-web")
	require.True(t, ok)
	assert.Equal(t, "abc", got.Owner.RunID)
}

func TestRemove(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Upsert(runRoute("abc", "-web")))

	m.Remove("run-abc-web")
	_, ok := m.Snapshot().Get("run-abc-web")
	assert.False(t, ok)

	// Removing an absent route publishes nothing.
	snap := m.Snapshot()
	m.Remove("run-abc-web")
	assert.Same(t, snap, m.Snapshot())
}

func TestRemoveOwnedBy(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Upsert(runRoute("abc", "-web")))
	require.NoError(t, m.Upsert(runRoute("abc", "-api")))
	require.NoError(t, m.Upsert(runRoute("xyz", "-web")))

	assert.Equal(t, 2, m.RemoveOwnedBy("abc"))
	assert.Equal(t, 0, m.RemoveOwnedBy("abc"))

	routes := m.Snapshot().Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, "xyz", routes[0].Owner.RunID)
}

func TestSweepExpired(t *testing.T) {
	now := time.Now()
	m := NewManager(nil, WithClock(func() time.Time { return now }))

	expired := runRoute("abc", "-web")
	expired.Deadline = now.Add(-time.Minute)
	require.NoError(t, m.Upsert(expired))

	live := runRoute("xyz", "-web")
	live.Deadline = now.Add(time.Hour)
	require.NoError(t, m.Upsert(live))

	// Zero deadline means no TTL.
	forever := Route{ID: "dashboard", Destination: "http://d"}
	require.NoError(t, m.Upsert(forever))

	assert.Equal(t, 1, m.SweepExpired())
	assert.Equal(t, 0, m.SweepExpired())

	snap := m.Snapshot()
	_, ok := snap.Get("run-abc-web")
	assert.False(t, ok)
	_, ok = snap.Get("run-xyz-web")
	assert.True(t, ok)
	_, ok = snap.Get("dashboard")
	assert.True(t, ok)
}

func TestOwnedRoutes(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Upsert(runRoute("abc", "-web")))
	require.NoError(t, m.Upsert(Route{ID: "dashboard", Destination: "http://d"}))

	owned := m.OwnedRoutes()
	assert.Equal(t, "abc", owned["run-abc-web"])
	assert.Equal(t, "", owned["dashboard"])
}

type recordingAuditor struct {
	routes []Route
	paths  []string
}

func (a *recordingAuditor) RecordRoute(_ context.Context, route Route, path string, _ time.Duration) {
	a.routes = append(a.routes, route)
	a.paths = append(a.paths, path)
}

func TestAudit(t *testing.T) {
	aud := &recordingAuditor{}
	m := NewManager(nil, WithAuditor(aud))
	require.NoError(t, m.Upsert(runRoute("abc", "-web")))

	m.Audit(context.Background(), "run-abc-web", "/runs/abc/preview/index.html", 12*time.Millisecond)
	m.Audit(context.Background(), "missing", "/x", 0)

	require.Len(t, aud.routes, 1)
	assert.Equal(t, "abc", aud.routes[0].Owner.RunID)
	assert.Equal(t, "/runs/abc/preview/index.html", aud.paths[0])
}
