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

package harness

import (
	"sync"
	"time"
)

// idleWatchdog aborts a harness that goes silent: when no chunk arrives
// within the idle window it invokes abort once, which closes the
// harness transport and unblocks the stream reader. The runtime checks
// expired after the stream ends to report an idle failure rather than a
// plain exit.
type idleWatchdog struct {
	idle  time.Duration
	timer *time.Timer

	mu  sync.Mutex
	hit bool
}

// newIdleWatchdog arms the watchdog. A non-positive idle disables it;
// the returned watchdog then never fires and reset is a no-op.
func newIdleWatchdog(idle time.Duration, abort func()) *idleWatchdog {
	w := &idleWatchdog{idle: idle}
	if idle <= 0 {
		return w
	}
	w.timer = time.AfterFunc(idle, func() {
		w.mu.Lock()
		w.hit = true
		w.mu.Unlock()
		abort()
	})
	return w
}

// reset re-arms the idle window. Called on every chunk.
func (w *idleWatchdog) reset() {
	if w.timer == nil {
		return
	}
	w.mu.Lock()
	if !w.hit {
		w.timer.Reset(w.idle)
	}
	w.mu.Unlock()
}

// stop disarms the watchdog once the stream has ended.
func (w *idleWatchdog) stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

// expired reports whether the watchdog fired.
func (w *idleWatchdog) expired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hit
}
