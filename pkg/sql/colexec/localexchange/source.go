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

	"github.com/axiondb/axion/pkg/container/batch"
	"github.com/axiondb/axion/pkg/vm"
	"github.com/axiondb/axion/pkg/vm/process"
)

// SourceArgument is the consumer side of a local exchange: it drains the
// one partition assigned to its consumer. A delivered batch stays owned by
// this operator and is cleaned on the next call, so downstream operators
// must not retain it across calls without taking a reference.
type SourceArgument struct {
	vm.OperatorBase

	Exch       *Exchanger
	ConsumerID int32

	ctr *sourceContainer
}

type sourceContainer struct {
	buf *batch.Batch
}

func NewSourceArgument(exch *Exchanger, consumerID int32) *SourceArgument {
	return &SourceArgument{
		Exch:       exch,
		ConsumerID: consumerID,
	}
}

func (arg *SourceArgument) String(buf *bytes.Buffer) {
	buf.WriteString("local_exchange.source(" + arg.Exch.Type().String() + ")")
}

func (arg *SourceArgument) Prepare(proc *process.Process) error {
	if arg.ctr == nil {
		arg.ctr = new(sourceContainer)
	}
	return arg.Exch.Open(proc)
}

func (arg *SourceArgument) Call(proc *process.Process) (vm.CallResult, error) {
	if err, isCancel := vm.CancelCheck(proc); isCancel {
		arg.Exch.SharedState().Cancel(err)
		return vm.CancelResult, err
	}

	if arg.ctr.buf != nil {
		arg.ctr.buf.Clean(proc.Mp())
		arg.ctr.buf = nil
	}

	result := vm.NewCallResult()
	bat, state, err := arg.Exch.SourcePull(proc, arg.ConsumerID)
	if err != nil {
		return vm.CancelResult, err
	}
	switch state {
	case PullHasData:
		arg.ctr.buf = bat
		result.Batch = bat
		result.Status = vm.ExecNext
	case PullBlocked:
		result.Status = vm.ExecBlocked
		result.BlockedOn = arg.Exch.DataGate(arg.ConsumerID)
	default:
		result.Status = vm.ExecStop
	}
	return result, nil
}

func (arg *SourceArgument) Free(proc *process.Process, pipelineFailed bool, err error) {
	if pipelineFailed {
		arg.Exch.SharedState().Cancel(err)
	}
	if arg.ctr != nil && arg.ctr.buf != nil {
		arg.ctr.buf.Clean(proc.Mp())
	}
	arg.ctr = nil
}

func (arg *SourceArgument) Reset(proc *process.Process, pipelineFailed bool, err error) {
	if pipelineFailed {
		arg.Exch.SharedState().Cancel(err)
	}
	if arg.ctr != nil && arg.ctr.buf != nil {
		arg.ctr.buf.Clean(proc.Mp())
		arg.ctr.buf = nil
	}
}

func (arg *SourceArgument) Release() {
}

func (arg *SourceArgument) GetOperatorBase() *vm.OperatorBase {
	return &arg.OperatorBase
}
