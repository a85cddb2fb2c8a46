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

// DefaultBatchSize is the row count operators aim for when they build
// output batches.
const DefaultBatchSize = 8192

// Process is the per-pipeline execution context.  Every operator of one
// pipeline shares the same process; parallel pipelines of one query get
// child processes derived with NewFromProc, sharing the memory pool but
// carrying their own cancelable context.
type Process struct {
	Ctx    context.Context
	Cancel context.CancelFunc

	mp *mpool.MPool
}

// Limitation caps the resources a single query may take.
type Limitation struct {
	Size      int64 // memory threshold
	BatchRows int64 // max rows for batch
	BatchSize int64 // max size for batch
}
