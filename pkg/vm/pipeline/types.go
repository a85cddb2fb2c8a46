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
	"sync"
	"sync/atomic"

	"github.com/axiondb/axion/pkg/vm"
	"github.com/axiondb/axion/pkg/vm/process"
	"github.com/panjf2000/ants/v2"
)

const (
	TaskReady int32 = iota
	TaskRunning
	TaskBlocked
	TaskDone
	TaskFailed
)

// Task drives one operator tree on the scheduler.  The root operator is
// expected to consume its own output (a sink, an output collector); the
// scheduler only interprets the call status.
type Task struct {
	ID   int32
	Op   vm.Operator
	Proc *process.Process

	state atomic.Int32
}

func NewTask(id int32, op vm.Operator, proc *process.Process) *Task {
	return &Task{ID: id, Op: op, Proc: proc}
}

func (t *Task) State() int32 {
	return t.state.Load()
}

func (t *Task) setState(s int32) {
	t.state.Store(s)
}

// Scheduler runs tasks cooperatively over a fixed worker pool.  A task
// occupies a worker only while it is actually running; a task that
// reports ExecBlocked parks on its gate and frees the worker until the
// gate is signalled.
//
// Tasks reach the pool through the ready queue and the dispatcher
// goroutine, never directly.  The dispatcher is the only caller of
// pool.Submit, which blocks when every worker is busy; making a worker
// wait there would wedge the whole pool, since gate callbacks run on
// whatever goroutine delivered the Signal, workers included.
type Scheduler struct {
	pool *ants.Pool
	wg   sync.WaitGroup

	mu       sync.Mutex
	ready    []*Task
	closed   bool
	firstErr error

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}
