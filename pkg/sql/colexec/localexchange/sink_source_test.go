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

package localexchange

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/axiondb/axion/pkg/common/axerr"
	"github.com/axiondb/axion/pkg/common/mpool"
	"github.com/axiondb/axion/pkg/container/batch"
	"github.com/axiondb/axion/pkg/container/types"
	"github.com/axiondb/axion/pkg/container/vector"
	"github.com/axiondb/axion/pkg/testutil"
	"github.com/axiondb/axion/pkg/vm"
	"github.com/axiondb/axion/pkg/vm/pipeline"
	"github.com/axiondb/axion/pkg/vm/process"
	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/require"
)

// rowGen emits a fixed number of two-column batches and then stops. Keys
// come from a shared counter so rows stay distinct across generators;
// with constKey set every row carries the tag instead, which pins the
// whole stream to one hash partition.
type rowGen struct {
	vm.OperatorBase
	tag      int64
	batches  int
	rows     int
	next     *atomic.Int64
	constKey bool

	emitted int
	buf     *batch.Batch
}

func (op *rowGen) String(buf *bytes.Buffer)          { buf.WriteString("row_gen") }
func (op *rowGen) Prepare(*process.Process) error    { return nil }
func (op *rowGen) Release()                          {}
func (op *rowGen) GetOperatorBase() *vm.OperatorBase { return &op.OperatorBase }

func (op *rowGen) Call(proc *process.Process) (vm.CallResult, error) {
	if op.buf != nil {
		op.buf.Clean(proc.Mp())
		op.buf = nil
	}
	if op.emitted >= op.batches {
		return vm.CallResult{Status: vm.ExecStop}, nil
	}
	kv := vector.NewVector(types.T_int64.ToType())
	tv := vector.NewVector(types.T_int64.ToType())
	for i := 0; i < op.rows; i++ {
		key := op.next.Add(1)
		if op.constKey {
			key = op.tag
		}
		if err := vector.Append(kv, key, false, proc.Mp()); err != nil {
			kv.Free(proc.Mp())
			tv.Free(proc.Mp())
			return vm.CallResult{}, err
		}
		if err := vector.Append(tv, op.tag, false, proc.Mp()); err != nil {
			kv.Free(proc.Mp())
			tv.Free(proc.Mp())
			return vm.CallResult{}, err
		}
	}
	bat := batch.NewWithSize(2)
	bat.Vecs[0] = kv
	bat.Vecs[1] = tv
	bat.SetRowCount(op.rows)
	op.emitted++
	op.buf = bat
	return vm.CallResult{Status: vm.ExecNext, Batch: bat}, nil
}

func (op *rowGen) Free(proc *process.Process, _ bool, _ error) {
	if op.buf != nil {
		op.buf.Clean(proc.Mp())
		op.buf = nil
	}
}

func (op *rowGen) Reset(proc *process.Process, pipelineFailed bool, err error) {
	op.Free(proc, pipelineFailed, err)
	op.emitted = 0
}

// rowCount drains its child and counts the delivered rows.
type rowCount struct {
	vm.OperatorBase
	rows *atomic.Int64
}

func (op *rowCount) String(buf *bytes.Buffer)            { buf.WriteString("row_count") }
func (op *rowCount) Prepare(*process.Process) error      { return nil }
func (op *rowCount) Free(*process.Process, bool, error)  {}
func (op *rowCount) Reset(*process.Process, bool, error) {}
func (op *rowCount) Release()                            {}
func (op *rowCount) GetOperatorBase() *vm.OperatorBase   { return &op.OperatorBase }

func (op *rowCount) Call(proc *process.Process) (vm.CallResult, error) {
	result, err := vm.ChildrenCall(op, proc, 0)
	if err != nil || result.Status == vm.ExecBlocked || result.Status == vm.ExecStop {
		return result, err
	}
	if result.Batch != nil {
		op.rows.Add(int64(result.Batch.RowCount()))
	}
	return vm.CallResult{Status: vm.ExecNext}, nil
}

// failGen returns its error on the first call.
type failGen struct {
	vm.OperatorBase
	err error
}

func (op *failGen) String(buf *bytes.Buffer)            { buf.WriteString("fail_gen") }
func (op *failGen) Prepare(*process.Process) error      { return nil }
func (op *failGen) Free(*process.Process, bool, error)  {}
func (op *failGen) Reset(*process.Process, bool, error) {}
func (op *failGen) Release()                            {}
func (op *failGen) GetOperatorBase() *vm.OperatorBase   { return &op.OperatorBase }

func (op *failGen) Call(*process.Process) (vm.CallResult, error) {
	return vm.CallResult{}, op.err
}

func TestSinkSourceRoundTrip(t *testing.T) {
	proc := testutil.NewProc()
	mp := proc.Mp()
	_, e := newTestExchange(t, proc, newTestConfig(Shuffle, 1, 1, 8))

	var counter atomic.Int64
	gen := &rowGen{tag: 1, batches: 3, rows: 4, next: &counter}
	sink := NewSinkArgument(e, 0)
	sink.AppendChild(gen)
	require.NoError(t, vm.Prepare(sink, proc))

	// one emitted batch per call, then the end-of-stream call
	for i := 0; i < 3; i++ {
		result, err := sink.Call(proc)
		require.NoError(t, err)
		require.Equal(t, vm.ExecNext, result.Status)
	}
	result, err := sink.Call(proc)
	require.NoError(t, err)
	require.Equal(t, vm.ExecStop, result.Status)

	source := NewSourceArgument(e, 0)
	require.NoError(t, vm.Prepare(source, proc))
	rows := 0
	for {
		result, err := source.Call(proc)
		require.NoError(t, err)
		if result.Status == vm.ExecStop {
			break
		}
		require.Equal(t, vm.ExecNext, result.Status)
		require.NotNil(t, result.Batch)
		rows += result.Batch.RowCount()
		// the source owns the delivered batch; downstream only reads it
	}
	require.Equal(t, 12, rows)

	vm.Free(sink, proc, false, nil)
	vm.Free(source, proc, false, nil)
	e.SharedState().Free(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestExchangePipelineEndToEnd(t *testing.T) {
	defer leaktest.AfterTest(t)()

	mp := mpool.MustNew("exchange_e2e")
	newProc := func() *process.Process {
		return process.New(context.Background(), mp)
	}
	setup := newProc()
	ss, e := newTestExchange(t, setup, newTestConfig(Shuffle, 4, 2, 4))

	s, err := pipeline.NewScheduler(3)
	require.NoError(t, err)
	defer s.Close()

	var counter, consumed atomic.Int64
	var tasks []*pipeline.Task
	var roots []vm.Operator
	var procs []*process.Process

	for prod := int32(0); prod < 2; prod++ {
		gen := &rowGen{tag: int64(prod), batches: 8, rows: 32, next: &counter}
		sink := NewSinkArgument(e, prod)
		sink.AppendChild(gen)
		proc := newProc()
		require.NoError(t, vm.Prepare(sink, proc))
		tasks = append(tasks, pipeline.NewTask(prod, sink, proc))
		roots = append(roots, sink)
		procs = append(procs, proc)
	}
	for cons := int32(0); cons < 4; cons++ {
		count := &rowCount{rows: &consumed}
		count.AppendChild(NewSourceArgument(e, cons))
		proc := newProc()
		require.NoError(t, vm.Prepare(count, proc))
		tasks = append(tasks, pipeline.NewTask(10+cons, count, proc))
		roots = append(roots, count)
		procs = append(procs, proc)
	}

	for _, task := range tasks {
		require.NoError(t, s.Submit(task))
	}
	require.NoError(t, s.Wait())
	for _, task := range tasks {
		require.Equal(t, pipeline.TaskDone, task.State())
	}

	// two producers, eight batches of thirty-two rows each
	require.Equal(t, int64(512), consumed.Load())
	snap := ss.Stats().Snapshot()
	require.Equal(t, int64(512), snap.RowsRouted)
	require.Equal(t, snap.BatchesIn, snap.BatchesOut)

	for i, root := range roots {
		vm.Free(root, procs[i], false, nil)
	}
	require.NoError(t, e.Close(setup))
	ss.Free(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestExchangePipelineWorkerStarvation(t *testing.T) {
	defer leaktest.AfterTest(t)()

	mp := mpool.MustNew("exchange_starved")
	newProc := func() *process.Process {
		return process.New(context.Background(), mp)
	}
	setup := newProc()
	// capacity 1 keeps every partition permanently on the edge of full,
	// so room and data gates are signalled from inside Enqueue/Dequeue on
	// the single worker; the run must still drain completely
	ss, e := newTestExchange(t, setup, newTestConfig(Shuffle, 4, 2, 1))

	s, err := pipeline.NewScheduler(1)
	require.NoError(t, err)
	defer s.Close()

	var counter, consumed atomic.Int64
	var tasks []*pipeline.Task
	var roots []vm.Operator
	var procs []*process.Process

	for prod := int32(0); prod < 2; prod++ {
		gen := &rowGen{tag: int64(prod), batches: 8, rows: 32, next: &counter}
		sink := NewSinkArgument(e, prod)
		sink.AppendChild(gen)
		proc := newProc()
		require.NoError(t, vm.Prepare(sink, proc))
		tasks = append(tasks, pipeline.NewTask(prod, sink, proc))
		roots = append(roots, sink)
		procs = append(procs, proc)
	}
	for cons := int32(0); cons < 4; cons++ {
		count := &rowCount{rows: &consumed}
		count.AppendChild(NewSourceArgument(e, cons))
		proc := newProc()
		require.NoError(t, vm.Prepare(count, proc))
		tasks = append(tasks, pipeline.NewTask(10+cons, count, proc))
		roots = append(roots, count)
		procs = append(procs, proc)
	}

	for _, task := range tasks {
		require.NoError(t, s.Submit(task))
	}
	require.NoError(t, s.Wait())
	for _, task := range tasks {
		require.Equal(t, pipeline.TaskDone, task.State())
	}
	require.Equal(t, int64(512), consumed.Load())

	for i, root := range roots {
		vm.Free(root, procs[i], false, nil)
	}
	require.NoError(t, e.Close(setup))
	ss.Free(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestExchangeCancelUnblocksTasks(t *testing.T) {
	defer leaktest.AfterTest(t)()

	mp := mpool.MustNew("exchange_cancel")
	newProc := func() *process.Process {
		return process.New(context.Background(), mp)
	}
	setup := newProc()
	ss, e := newTestExchange(t, setup, newTestConfig(Shuffle, 2, 1, 1))

	// every generated row carries key 5: find the partition it hashes to,
	// so the test can park a consumer on the other, forever-empty one
	oracle, err := NewHashRouter(2, []int32{0})
	require.NoError(t, err)
	probe := newInt64Batch(t, mp, 5)
	parts, err := oracle.RouteBatch(probe, nil)
	require.NoError(t, err)
	hot := parts[0]
	probe.Clean(mp)

	s, err := pipeline.NewScheduler(2)
	require.NoError(t, err)
	defer s.Close()

	var counter atomic.Int64
	gen := &rowGen{tag: 5, batches: 100, rows: 8, next: &counter, constKey: true}
	sink := NewSinkArgument(e, 0)
	sink.AppendChild(gen)
	prodProc := newProc()
	require.NoError(t, vm.Prepare(sink, prodProc))
	prodTask := pipeline.NewTask(1, sink, prodProc)

	var ignored atomic.Int64
	count := &rowCount{rows: &ignored}
	count.AppendChild(NewSourceArgument(e, 1-hot))
	consProc := newProc()
	require.NoError(t, vm.Prepare(count, consProc))
	consTask := pipeline.NewTask(2, count, consProc)

	require.NoError(t, s.Submit(prodTask))
	require.NoError(t, s.Submit(consTask))

	// the producer jams on the full hot partition, the consumer parks on
	// the empty one
	require.Eventually(t, func() bool {
		return prodTask.State() == pipeline.TaskBlocked &&
			consTask.State() == pipeline.TaskBlocked
	}, 5*time.Second, time.Millisecond)

	boom := axerr.NewInternalErrorNoCtx("abandon ship")
	ss.Cancel(boom)

	require.Equal(t, boom, s.Wait())
	require.Equal(t, pipeline.TaskFailed, prodTask.State())
	require.Equal(t, pipeline.TaskFailed, consTask.State())

	vm.Free(sink, prodProc, true, boom)
	vm.Free(count, consProc, true, boom)
	ss.Free(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestSinkCancelsOnChildError(t *testing.T) {
	proc := testutil.NewProc()
	ss, e := newTestExchange(t, proc, newTestConfig(Shuffle, 1, 1, 8))

	boom := axerr.NewInternalErrorNoCtx("child died")
	sink := NewSinkArgument(e, 0)
	sink.AppendChild(&failGen{err: boom})
	require.NoError(t, vm.Prepare(sink, proc))

	_, err := sink.Call(proc)
	require.Equal(t, boom, err)

	// the child's error is the failure every consumer observes, verbatim
	require.Equal(t, boom, ss.Failed())
	source := NewSourceArgument(e, 0)
	require.NoError(t, vm.Prepare(source, proc))
	_, perr := source.Call(proc)
	require.Equal(t, boom, perr)

	ss.Free(proc.Mp())
}

func TestOperatorsCancelWithProcess(t *testing.T) {
	proc := testutil.NewProc()
	ss, e := newTestExchange(t, proc, newTestConfig(Shuffle, 1, 1, 8))

	sink := NewSinkArgument(e, 0)
	sink.AppendChild(&rowGen{tag: 0, batches: 1, rows: 1, next: new(atomic.Int64)})
	require.NoError(t, vm.Prepare(sink, proc))

	proc.Cancel()
	result, err := sink.Call(proc)
	require.Error(t, err)
	require.Equal(t, vm.ExecStop, result.Status)
	require.Error(t, ss.Failed())

	ss.Free(proc.Mp())
}

func TestSinkFreeOnPipelineFailure(t *testing.T) {
	proc := testutil.NewProc()
	mp := proc.Mp()
	ss, e := newTestExchange(t, proc, newTestConfig(Shuffle, 1, 1, 1))
	require.NoError(t, e.Open(proc))

	// leave one routed copy stuck in the pending list
	first := newInt64Batch(t, mp, 1)
	gate, err := e.SinkBatch(proc, 0, first, false)
	require.NoError(t, err)
	require.Nil(t, gate)
	first.Clean(mp)
	second := newInt64Batch(t, mp, 2)
	gate, err = e.SinkBatch(proc, 0, second, false)
	require.NoError(t, err)
	require.NotNil(t, gate)
	second.Clean(mp)

	boom := axerr.NewInternalErrorNoCtx("pipeline torn down")
	sink := NewSinkArgument(e, 0)
	sink.Free(proc, true, boom)

	require.Equal(t, boom, ss.Failed())
	require.Empty(t, e.pending[0])
	ss.Free(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}
