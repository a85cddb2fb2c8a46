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

	"github.com/axiondb/axion/pkg/vm"
	"github.com/axiondb/axion/pkg/vm/process"
)

// SinkArgument is the producer side of a local exchange: it pulls its
// child and feeds the exchanger. The child keeps ownership of the batches
// it returns; the exchanger copies what it routes.
type SinkArgument struct {
	vm.OperatorBase

	Exch       *Exchanger
	ProducerID int32

	ctr *sinkContainer
}

type sinkContainer struct {
	childDone bool
}

func NewSinkArgument(exch *Exchanger, producerID int32) *SinkArgument {
	return &SinkArgument{
		Exch:       exch,
		ProducerID: producerID,
	}
}

func (arg *SinkArgument) String(buf *bytes.Buffer) {
	buf.WriteString("local_exchange.sink(" + arg.Exch.Type().String() + ")")
}

func (arg *SinkArgument) Prepare(proc *process.Process) error {
	if arg.ctr == nil {
		arg.ctr = new(sinkContainer)
	}
	return arg.Exch.Open(proc)
}

func (arg *SinkArgument) Call(proc *process.Process) (vm.CallResult, error) {
	if err, isCancel := vm.CancelCheck(proc); isCancel {
		arg.Exch.SharedState().Cancel(err)
		return vm.CancelResult, err
	}

	result := vm.NewCallResult()
	if arg.ctr.childDone {
		return arg.deliverLast(proc)
	}

	// drain the backlog before pulling more from the child
	gate, err := arg.Exch.SinkBatch(proc, arg.ProducerID, nil, false)
	if err != nil {
		return vm.CancelResult, err
	}
	if gate != nil {
		result.Status = vm.ExecBlocked
		result.BlockedOn = gate
		return result, nil
	}

	child, err := vm.ChildrenCall(arg, proc, 0)
	if err != nil {
		arg.Exch.SharedState().Cancel(err)
		return vm.CancelResult, err
	}
	if child.Status == vm.ExecBlocked {
		return child, nil
	}
	if child.Batch != nil && !child.Batch.IsEmpty() {
		gate, err = arg.Exch.SinkBatch(proc, arg.ProducerID, child.Batch, false)
		if err != nil {
			return vm.CancelResult, err
		}
	}
	if child.Batch == nil || child.Status == vm.ExecStop {
		arg.ctr.childDone = true
		if gate != nil {
			// finish once the backlog drains
			result.Status = vm.ExecBlocked
			result.BlockedOn = gate
			return result, nil
		}
		return arg.deliverLast(proc)
	}
	if gate != nil {
		result.Status = vm.ExecBlocked
		result.BlockedOn = gate
		return result, nil
	}
	result.Status = vm.ExecNext
	return result, nil
}

// deliverLast hands the producer's end-of-stream to the exchanger, retried
// across calls while the backlog still blocks it.
func (arg *SinkArgument) deliverLast(proc *process.Process) (vm.CallResult, error) {
	result := vm.NewCallResult()
	gate, err := arg.Exch.SinkBatch(proc, arg.ProducerID, nil, true)
	if err != nil {
		return vm.CancelResult, err
	}
	if gate != nil {
		result.Status = vm.ExecBlocked
		result.BlockedOn = gate
		return result, nil
	}
	result.Status = vm.ExecStop
	return result, nil
}

func (arg *SinkArgument) Free(proc *process.Process, pipelineFailed bool, err error) {
	if pipelineFailed {
		arg.Exch.SharedState().Cancel(err)
	}
	arg.Exch.cleanProducer(proc, arg.ProducerID)
	arg.ctr = nil
}

func (arg *SinkArgument) Reset(proc *process.Process, pipelineFailed bool, err error) {
	if pipelineFailed {
		arg.Exch.SharedState().Cancel(err)
	}
	arg.Exch.cleanProducer(proc, arg.ProducerID)
	if arg.ctr != nil {
		arg.ctr.childDone = false
	}
}

func (arg *SinkArgument) Release() {
}

func (arg *SinkArgument) GetOperatorBase() *vm.OperatorBase {
	return &arg.OperatorBase
}
