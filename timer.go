// Copyright 2025 Edgeo SCADA
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

package uasession

import (
	"sync"
	"time"
)

// scheduledTask runs fn once after a delay. Arm replaces any pending run
// and Stop cancels it; a fire that raced with Arm or Stop is discarded.
type scheduledTask struct {
	mu      sync.Mutex
	fn      func()
	timer   *time.Timer
	gen     uint64
	stopped bool
}

func newScheduledTask(fn func()) *scheduledTask {
	return &scheduledTask{fn: fn}
}

// Arm schedules fn after d, replacing a pending schedule.
func (t *scheduledTask) Arm(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(d, func() { t.fire(gen) })
}

// ArmIfIdle schedules fn after d unless a run is already pending.
func (t *scheduledTask) ArmIfIdle(d time.Duration) {
	t.mu.Lock()
	pending := t.timer != nil
	t.mu.Unlock()
	if !pending {
		t.Arm(d)
	}
}

// Cancel drops a pending run; the task can be armed again.
func (t *scheduledTask) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Stop cancels a pending run and refuses further arming.
func (t *scheduledTask) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.Cancel()
}

func (t *scheduledTask) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.stopped {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.mu.Unlock()
	t.fn()
}

// periodicTask runs fn on every tick until stopped. Start with a running
// task restarts it with the new period.
type periodicTask struct {
	mu   sync.Mutex
	fn   func()
	stop chan struct{}
}

func newPeriodicTask(fn func()) *periodicTask {
	return &periodicTask{fn: fn}
}

// Start runs fn every period, the first time after one period.
func (t *periodicTask) Start(period time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		close(t.stop)
	}
	stop := make(chan struct{})
	t.stop = stop
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				select {
				case <-stop:
					return
				default:
				}
				t.fn()
			}
		}
	}()
}

// Stop halts the task. No tick starts after Stop returns; a tick already
// running is not waited for, so Stop may be called from fn.
func (t *periodicTask) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
}

// Running reports whether the task is started.
func (t *periodicTask) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}
