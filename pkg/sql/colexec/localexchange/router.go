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
	"encoding/binary"

	"github.com/axiondb/axion/pkg/common/axerr"
	"github.com/axiondb/axion/pkg/container/batch"
	"github.com/axiondb/axion/pkg/container/nulls"
	"github.com/cespare/xxhash/v2"
)

// nullKeyMarker feeds the hash for a NULL key cell. All NULL keys of one
// column set land on the same partition.
const nullKeyMarker = 0x01

// Router maps rows to partitions. It holds no mutable state, so one Router
// may be shared by every producer of an exchange point; the per-call
// scratch buffers are supplied by the caller.
//
// Hash mode reduces a 32-bit row hash with a multiply-and-shift,
// (hash * partitionCount) >> 32, never a modulo. The reduction must stay
// bit-identical to the one used by colocated operators elsewhere in a
// plan, otherwise rows silently land on the wrong consumer.
type Router struct {
	partitionCount int32
	keyCols        []int32

	// bucket mode only
	bucketCount int32
	bucketTable []int32
}

func NewHashRouter(partitionCount int32, keyCols []int32) (*Router, error) {
	if partitionCount < 1 {
		return nil, axerr.NewBadConfigNoCtx("router: partition count %d, want >= 1", partitionCount)
	}
	if len(keyCols) == 0 {
		return nil, axerr.NewBadConfigNoCtx("router: no key columns")
	}
	for _, col := range keyCols {
		if col < 0 {
			return nil, axerr.NewBadConfigNoCtx("router: negative key column %d", col)
		}
	}
	return &Router{
		partitionCount: partitionCount,
		keyCols:        keyCols,
	}, nil
}

func NewBucketRouter(partitionCount int32, keyCols []int32, bucketTable []int32) (*Router, error) {
	r, err := NewHashRouter(partitionCount, keyCols)
	if err != nil {
		return nil, err
	}
	if len(bucketTable) == 0 {
		return nil, axerr.NewBadBucketTableNoCtx("empty bucket table")
	}
	for b, p := range bucketTable {
		if p < 0 || p >= partitionCount {
			return nil, axerr.NewBadBucketTableNoCtx("bucket %d maps to partition %d, want [0, %d)", b, p, partitionCount)
		}
	}
	r.bucketCount = int32(len(bucketTable))
	r.bucketTable = bucketTable
	return r, nil
}

func (r *Router) PartitionCount() int32 {
	return r.partitionCount
}

// checkKeys verifies the key columns against a batch. Routing raises no
// per-row errors; a bad column position is a configuration error caught on
// the first batch that flows.
func (r *Router) checkKeys(bat *batch.Batch) error {
	for _, col := range r.keyCols {
		if int(col) >= len(bat.Vecs) {
			return axerr.NewBadConfigNoCtx("router: key column %d out of range, batch has %d columns", col, len(bat.Vecs))
		}
	}
	return nil
}

// appendRowKey appends the key bytes of one row to buf and returns the
// extended slice. Varlen cells are length-prefixed so adjacent columns
// cannot alias each other; NULL cells contribute a fixed marker byte.
func (r *Router) appendRowKey(bat *batch.Batch, row int, buf []byte) []byte {
	for _, col := range r.keyCols {
		vec := bat.Vecs[col]
		if vec.IsConstNull() {
			buf = append(buf, nullKeyMarker)
			continue
		}
		idx := row
		if vec.IsConst() {
			idx = 0
		}
		if nulls.Contains(vec.GetNulls(), uint64(idx)) {
			buf = append(buf, nullKeyMarker)
			continue
		}
		if vec.GetType().IsVarlen() {
			bs := vec.GetBytes(idx)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(bs)))
			buf = append(buf, bs...)
		} else {
			sz := vec.GetType().TypeSize()
			raw := vec.UnsafeGetRawData()
			buf = append(buf, raw[idx*sz:(idx+1)*sz]...)
		}
	}
	return buf
}

// rowPartition hashes one row and reduces it to a partition index. The
// returned buffer is the caller's scratch, reset and reusable.
func (r *Router) rowPartition(bat *batch.Batch, row int, buf []byte) (int32, []byte) {
	buf = r.appendRowKey(bat, row, buf[:0])
	h64 := xxhash.Sum64(buf)
	h32 := uint32(h64 ^ (h64 >> 32))
	if r.bucketTable != nil {
		bucket := h32 % uint32(r.bucketCount)
		return r.bucketTable[bucket], buf
	}
	return int32((uint64(h32) * uint64(r.partitionCount)) >> 32), buf
}

// RouteBatch fills dst with one partition index per row and returns it.
// dst is grown as needed so callers can reuse one buffer across batches.
func (r *Router) RouteBatch(bat *batch.Batch, dst []int32) ([]int32, error) {
	if err := r.checkKeys(bat); err != nil {
		return nil, err
	}
	n := bat.RowCount()
	if cap(dst) < n {
		dst = make([]int32, n)
	}
	dst = dst[:n]
	var buf []byte
	for i := 0; i < n; i++ {
		dst[i], buf = r.rowPartition(bat, i, buf)
	}
	return dst, nil
}
