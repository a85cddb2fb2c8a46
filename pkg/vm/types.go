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

package vm

import (
	"bytes"

	"github.com/axiondb/axion/pkg/container/batch"
	"github.com/axiondb/axion/pkg/vm/process"
)

type Operator interface {
	// Free release all the memory allocated from mPool in an operator.
	// pipelineFailed marks the process status of the pipeline when the method is called.
	Free(proc *process.Process, pipelineFailed bool, err error)

	// Reset clean all the memory that can be reused.
	Reset(proc *process.Process, pipelineFailed bool, err error)

	// String returns the string representation of an operator.
	String(buf *bytes.Buffer)

	// Prepare prepares an operator for execution.
	Prepare(proc *process.Process) error

	// Call calls an operator.
	Call(proc *process.Process) (CallResult, error)

	// Release an operator
	Release()

	// OperatorBase methods
	SetInfo(info *OperatorInfo)
	AppendChild(child Operator)

	GetOperatorBase() *OperatorBase
}

type OperatorBase struct {
	OperatorInfo
	Children []Operator
}

func (o *OperatorBase) SetInfo(info *OperatorInfo) {
	o.OperatorInfo = *info
}

func (o *OperatorBase) NumChildren() int {
	return len(o.Children)
}

func (o *OperatorBase) AppendChild(child Operator) {
	o.Children = append(o.Children, child)
}

func (o *OperatorBase) SetChildren(children []Operator) {
	o.Children = children
}

func (o *OperatorBase) GetChildren(idx int) Operator {
	return o.Children[idx]
}

func (o *OperatorBase) GetOperatorID() int32 {
	return o.OperatorID
}

func (o *OperatorBase) GetParallelID() int32 {
	return o.ParallelID
}

func (o *OperatorBase) GetMaxParallel() int32 {
	return o.MaxParallel
}

func (o *OperatorBase) GetIdx() int {
	return o.Idx
}

func (o *OperatorBase) GetIsFirst() bool {
	return o.IsFirst
}

func (o *OperatorBase) GetIsLast() bool {
	return o.IsLast
}

var CancelResult = CallResult{
	Status: ExecStop,
}

// CancelCheck polls the process context without blocking.
func CancelCheck(proc *process.Process) (error, bool) {
	select {
	case <-proc.Ctx.Done():
		return proc.Ctx.Err(), true
	default:
		return nil, false
	}
}

type ExecStatus int

const (
	// ExecStop means the operator has produced its last batch.
	ExecStop ExecStatus = iota
	// ExecNext means the operator produced a batch and can be called again.
	ExecNext
	// ExecHasMore means the operator holds more output for the same input.
	ExecHasMore
	// ExecBlocked means the operator cannot make progress until the gate
	// in CallResult.BlockedOn is signalled.  The task must be parked on
	// that gate and the same Call retried afterwards; operators never
	// block a thread themselves.
	ExecBlocked
)

type CtrState int

const (
	Build CtrState = iota
	Eval
	End
)

type CallResult struct {
	Status ExecStatus
	Batch  *batch.Batch

	// BlockedOn is set iff Status is ExecBlocked.
	BlockedOn *process.Dependency
}

func NewCallResult() CallResult {
	return CallResult{
		Status: ExecNext,
	}
}

type OperatorInfo struct {
	Idx     int
	IsFirst bool
	IsLast  bool

	OperatorID  int32
	ParallelID  int32
	MaxParallel int32
}
