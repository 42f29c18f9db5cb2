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

package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to RunState }{
		{RunQueued, RunRunning},
		{RunQueued, RunPendingApproval},
		{RunQueued, RunCancelled},
		{RunPendingApproval, RunRunning},
		{RunPendingApproval, RunCancelled},
		{RunRunning, RunSucceeded},
		{RunRunning, RunFailed},
		{RunRunning, RunCancelled},
	}
	for _, tr := range legal {
		assert.True(t, CanTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	illegal := []struct{ from, to RunState }{
		{RunQueued, RunSucceeded},
		{RunQueued, RunFailed},
		{RunPendingApproval, RunSucceeded},
		{RunSucceeded, RunRunning},
		{RunFailed, RunQueued},
		{RunCancelled, RunRunning},
		{RunRunning, RunQueued},
		{RunRunning, RunPendingApproval},
	}
	for _, tr := range illegal {
		assert.False(t, CanTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}
}

func TestRunStateTerminal(t *testing.T) {
	assert.True(t, RunSucceeded.Terminal())
	assert.True(t, RunFailed.Terminal())
	assert.True(t, RunCancelled.Terminal())
	assert.False(t, RunQueued.Terminal())
	assert.False(t, RunRunning.Terminal())
	assert.False(t, RunPendingApproval.Terminal())
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Base: 10 * time.Second, Multiplier: 2, Cap: 60 * time.Second}

	assert.Equal(t, 10*time.Second, p.Delay(1))
	assert.Equal(t, 20*time.Second, p.Delay(2))
	assert.Equal(t, 40*time.Second, p.Delay(3))
	// 80s exceeds the cap.
	assert.Equal(t, 60*time.Second, p.Delay(4))
	// Attempts below 1 clamp to 1.
	assert.Equal(t, 10*time.Second, p.Delay(0))
}

func TestTaskValidate(t *testing.T) {
	task := &Task{ID: "t1", Kind: TaskKindCron}
	assert.ErrorIs(t, task.Validate(), ErrCronExpressionRequired)

	task.Cron = "0 * * * *"
	assert.NoError(t, task.Validate())

	oneShot := &Task{ID: "t2", Kind: TaskKindOneShot}
	assert.NoError(t, oneShot.Validate())
}

func TestWorkerHealthy(t *testing.T) {
	now := time.Now()
	w := &Worker{LastHeartbeat: now.Add(-10 * time.Second)}
	assert.True(t, w.Healthy(now, 30*time.Second))
	assert.False(t, w.Healthy(now, 5*time.Second))
}
