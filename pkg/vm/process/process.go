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
	"context"

	"github.com/axiondb/axion/pkg/common/mpool"
)

// New builds a process over ctx.  The context is wrapped so the process
// can be cancelled independently of its parent.
func New(ctx context.Context, m *mpool.MPool) *Process {
	proc := &Process{mp: m}
	proc.Ctx, proc.Cancel = context.WithCancel(ctx)
	return proc
}

// NewFromProc derives a child process sharing proc's memory pool.  The
// child context is derived from the parent's, so cancelling the parent
// cancels every child.
func NewFromProc(proc *Process) *Process {
	child := &Process{mp: proc.mp}
	child.Ctx, child.Cancel = context.WithCancel(proc.Ctx)
	return child
}

// XXX MPOOL
// Some code evaluates expressions without a proc (test only?) and ends
// up asking a nil process for its pool.  Hack in a fallback pool.  It is
// a zero-cap pool so there will not be real leaks, except counters in
// the global stats.
var xxxProcMp = mpool.MustNewNoFixed("fallback_proc_mp")

func (proc *Process) GetMPool() *mpool.MPool {
	if proc == nil {
		return xxxProcMp
	}
	return proc.mp
}

func (proc *Process) Mp() *mpool.MPool {
	return proc.GetMPool()
}

func (proc *Process) OperatorOutofMemory(size int64) bool {
	return proc.Mp().Cap() < size
}
