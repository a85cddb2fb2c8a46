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

package main

import (
	"bytes"
	"sync/atomic"

	"github.com/axiondb/axion/pkg/container/batch"
	"github.com/axiondb/axion/pkg/container/types"
	"github.com/axiondb/axion/pkg/container/vector"
	"github.com/axiondb/axion/pkg/vm"
	"github.com/axiondb/axion/pkg/vm/process"
)

// keyGen feeds one producer pipeline with two-column (key, producer)
// batches until it has emitted totalRows rows.  Keys are drawn from a
// counter shared by all generators so the stream has high cardinality;
// with skewed set, every row of this generator carries the producer id
// instead, which collapses the key space to one value per producer.
type keyGen struct {
	vm.OperatorBase

	producerID int64
	totalRows  int
	batchRows  int
	skewed     bool
	nextKey    *atomic.Int64

	emitted int
	buf     *batch.Batch
}

func (op *keyGen) String(buf *bytes.Buffer)          { buf.WriteString("key_gen") }
func (op *keyGen) Prepare(*process.Process) error    { return nil }
func (op *keyGen) Release()                          {}
func (op *keyGen) GetOperatorBase() *vm.OperatorBase { return &op.OperatorBase }

func (op *keyGen) Call(proc *process.Process) (vm.CallResult, error) {
	if op.buf != nil {
		op.buf.Clean(proc.Mp())
		op.buf = nil
	}
	if op.emitted >= op.totalRows {
		return vm.CallResult{Status: vm.ExecStop}, nil
	}
	n := op.batchRows
	if left := op.totalRows - op.emitted; left < n {
		n = left
	}
	kv := vector.NewVector(types.T_int64.ToType())
	pv := vector.NewVector(types.T_int64.ToType())
	for i := 0; i < n; i++ {
		key := op.nextKey.Add(1)
		if op.skewed {
			key = op.producerID
		}
		if err := vector.Append(kv, key, false, proc.Mp()); err != nil {
			kv.Free(proc.Mp())
			pv.Free(proc.Mp())
			return vm.CallResult{}, err
		}
		if err := vector.Append(pv, op.producerID, false, proc.Mp()); err != nil {
			kv.Free(proc.Mp())
			pv.Free(proc.Mp())
			return vm.CallResult{}, err
		}
	}
	bat := batch.NewWithSize(2)
	bat.Vecs[0] = kv
	bat.Vecs[1] = pv
	bat.SetRowCount(n)
	op.emitted += n
	op.buf = bat
	return vm.CallResult{Status: vm.ExecNext, Batch: bat}, nil
}

func (op *keyGen) Free(proc *process.Process, _ bool, _ error) {
	if op.buf != nil {
		op.buf.Clean(proc.Mp())
		op.buf = nil
	}
}

func (op *keyGen) Reset(proc *process.Process, pipelineFailed bool, err error) {
	op.Free(proc, pipelineFailed, err)
	op.emitted = 0
}

// drain pulls its child (a local exchange source) to exhaustion and
// counts the rows it saw.
type drain struct {
	vm.OperatorBase

	rows *atomic.Int64
}

func (op *drain) String(buf *bytes.Buffer)            { buf.WriteString("drain") }
func (op *drain) Prepare(*process.Process) error      { return nil }
func (op *drain) Free(*process.Process, bool, error)  {}
func (op *drain) Reset(*process.Process, bool, error) {}
func (op *drain) Release()                            {}
func (op *drain) GetOperatorBase() *vm.OperatorBase   { return &op.OperatorBase }

func (op *drain) Call(proc *process.Process) (vm.CallResult, error) {
	result, err := vm.ChildrenCall(op, proc, 0)
	if err != nil {
		return result, err
	}
	if result.Status == vm.ExecNext && result.Batch != nil {
		op.rows.Add(int64(result.Batch.RowCount()))
	}
	return result, nil
}
