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

package batch

import (
	"github.com/axiondb/axion/pkg/container/vector"
)

// EmptyBatch is a row-less batch used as a signal between operators.
// It carries no memory and must never be cleaned.
var EmptyBatch = &Batch{rowCount: 0}

// Batch represents a part of a relationship, a set of column vectors
// sharing one row count.
//  (Attrs) - list of attribute names
//  (Vecs)  - columns
//
// A batch is reference counted.  Cnt starts at 1; AddCnt hands an extra
// reference to another owner and each owner releases its reference with
// Clean.  The memory goes back to the pool when the count reaches zero.
type Batch struct {
	// reference count, default is 1
	Cnt int64
	// Attrs column name list
	Attrs []string
	// Vecs col data
	Vecs []*vector.Vector

	rowCount int
}
