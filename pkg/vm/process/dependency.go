// Copyright 2022 Axion Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package process

import (
	"sync"
	"sync/atomic"
	"time"
)

// Dependency is a level-triggered readiness gate.  An operator that
// finds its condition unsatisfied (queue empty, queue full) calls Block,
// re-checks the condition once, and if still unsatisfied hands the gate
// to the scheduler, which parks the task with Register.  Whoever changes
// the condition calls Signal, which marks the gate ready and hands every
// parked waiter back to the scheduler exactly once.
//
// Signal is idempotent: signalling a ready gate is a no-op apart from
// draining waiters, so producers may signal unconditionally.  The gate
// never counts signals and nobody ever spins on it.
//
// The blocking party must re-check its condition after Block and Signal
// the gate itself when the condition turned true in between.  That
// double check closes the window where a wakeup raced with Block and
// would otherwise be lost.
type Dependency struct {
	name  string
	ready atomic.Bool

	mu      sync.Mutex
	waiters []waiter

	blockedNs atomic.Int64
}

type waiter struct {
	cb       func()
	parkedAt time.Time
}

func NewDependency(name string, ready bool) *Dependency {
	d := &Dependency{name: name}
	d.ready.Store(ready)
	return d
}

func (d *Dependency) Name() string {
	return d.name
}

// IsReady reports the gate level without taking the lock.
func (d *Dependency) IsReady() bool {
	return d.ready.Load()
}

// Block resets the gate to not-ready.  Only the party that just observed
// the unsatisfied condition calls it.
func (d *Dependency) Block() {
	d.ready.Store(false)
}

// Signal marks the gate ready and reschedules every parked waiter.  Safe
// to call from any goroutine, any number of times.
func (d *Dependency) Signal() {
	d.mu.Lock()
	d.ready.Store(true)
	ws := d.waiters
	d.waiters = nil
	d.mu.Unlock()
	if len(ws) == 0 {
		return
	}
	now := time.Now()
	for _, w := range ws {
		d.blockedNs.Add(now.Sub(w.parkedAt).Nanoseconds())
		w.cb()
	}
}

// Register parks cb until the next Signal.  If the gate is already ready
// nothing is registered and Register returns false; the caller stays
// runnable.  A registered callback runs exactly once.
func (d *Dependency) Register(cb func()) bool {
	d.mu.Lock()
	if d.ready.Load() {
		d.mu.Unlock()
		return false
	}
	d.waiters = append(d.waiters, waiter{cb: cb, parkedAt: time.Now()})
	d.mu.Unlock()
	return true
}

// BlockedNs returns the total time waiters spent parked on this gate.
func (d *Dependency) BlockedNs() int64 {
	return d.blockedNs.Load()
}
