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

package pipeline

import (
	"github.com/axiondb/axion/pkg/common/axerr"
	"github.com/axiondb/axion/pkg/vm"
	"github.com/panjf2000/ants/v2"
)

// NewScheduler builds a scheduler over workers goroutines.  A panic in
// a task crashes the whole program, not just the pool goroutine it ran
// on; operator bugs must not die silently.
func NewScheduler(workers int) (*Scheduler, error) {
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(v interface{}) {
		panic(v)
	}))
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		pool: pool,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.dispatch()
	return s, nil
}

// Submit hands a task to the scheduler.  The task runs until its
// operator reports ExecStop or fails.
func (s *Scheduler) Submit(t *Task) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return axerr.NewInvalidStateNoCtx("submit on a closed scheduler")
	}
	s.wg.Add(1)
	t.setState(TaskReady)
	s.ready = append(s.ready, t)
	s.mu.Unlock()
	s.kick()
	return nil
}

// Wait blocks until every submitted task ended, and returns the first
// failure if there was one.
func (s *Scheduler) Wait() error {
	s.wg.Wait()
	return s.Err()
}

func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Close stops the dispatcher and releases the pool.  Call it after Wait;
// tasks still running or parked when Close fires are abandoned.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stop)
	<-s.done
	s.pool.Release()
}

// enqueue marks t runnable again.  It only appends to the ready queue,
// so it is safe on any goroutine, including a worker inside Signal.
func (s *Scheduler) enqueue(t *Task) {
	s.mu.Lock()
	s.ready = append(s.ready, t)
	s.mu.Unlock()
	s.kick()
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) fail(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
}

// dispatch drains the ready queue into the pool.  Parking here on a
// saturated pool is fine, the dispatcher is not a worker and every
// enqueue is already recorded.
func (s *Scheduler) dispatch() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.ready) == 0 {
				s.mu.Unlock()
				break
			}
			t := s.ready[0]
			copy(s.ready, s.ready[1:])
			s.ready[len(s.ready)-1] = nil
			s.ready = s.ready[:len(s.ready)-1]
			s.mu.Unlock()
			if err := s.pool.Submit(func() { s.run(t) }); err != nil {
				t.setState(TaskFailed)
				s.fail(err)
				t.Proc.Cancel()
				s.wg.Done()
			}
		}
	}
}

// run drives the task until it stops, fails, or parks.  A parked task
// re-enters through the callback registered on its gate, exactly once
// per blocked-to-ready transition.
func (s *Scheduler) run(t *Task) {
	t.setState(TaskRunning)
	for {
		result, err := t.Op.Call(t.Proc)
		if err != nil {
			t.setState(TaskFailed)
			s.fail(err)
			t.Proc.Cancel()
			s.wg.Done()
			return
		}
		switch result.Status {
		case vm.ExecStop:
			t.setState(TaskDone)
			s.wg.Done()
			return
		case vm.ExecBlocked:
			gate := result.BlockedOn
			if gate == nil {
				err := axerr.NewInternalErrorNoCtx("blocked task %d carries no dependency", t.ID)
				t.setState(TaskFailed)
				s.fail(err)
				t.Proc.Cancel()
				s.wg.Done()
				return
			}
			t.setState(TaskBlocked)
			if gate.Register(func() {
				t.setState(TaskReady)
				s.enqueue(t)
			}) {
				return
			}
			// the gate turned ready before we parked, keep driving
			t.setState(TaskRunning)
		default:
			// ExecNext, ExecHasMore: keep driving
		}
	}
}
