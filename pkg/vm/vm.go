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

	"github.com/axiondb/axion/pkg/vm/process"
)

// String prints the operator tree bottom-up so the output reads like the
// data flow of the pipeline.
func String(op Operator, buf *bytes.Buffer) {
	if op == nil {
		return
	}
	base := op.GetOperatorBase()
	for _, child := range base.Children {
		String(child, buf)
		buf.WriteString(" -> ")
	}
	op.String(buf)
}

// Prepare readies the tree children first, the way data flows.
func Prepare(op Operator, proc *process.Process) error {
	base := op.GetOperatorBase()
	for _, child := range base.Children {
		if err := Prepare(child, proc); err != nil {
			return err
		}
	}
	return op.Prepare(proc)
}

// ChildrenCall pulls one result from the idx-th child of op.
func ChildrenCall(op Operator, proc *process.Process, idx int) (CallResult, error) {
	return op.GetOperatorBase().GetChildren(idx).Call(proc)
}

// Free releases the tree bottom-up.
func Free(op Operator, proc *process.Process, pipelineFailed bool, err error) {
	base := op.GetOperatorBase()
	for _, child := range base.Children {
		Free(child, proc, pipelineFailed, err)
	}
	op.Free(proc, pipelineFailed, err)
}
