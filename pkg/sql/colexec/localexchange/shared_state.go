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
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/axiondb/axion/pkg/common/axerr"
	"github.com/axiondb/axion/pkg/common/mpool"
	"github.com/axiondb/axion/pkg/container/batch"
	"github.com/axiondb/axion/pkg/logutil"
	"github.com/axiondb/axion/pkg/vm/process"
	queue "github.com/yireyun/go-queue"
)

type failure struct {
	err error
}

// SharedState is the meeting point of one exchange: one bounded FIFO queue
// per partition plus the gates, counters and flags every participant sees.
// Partitions are fully independent, there is no lock spanning them.
//
// The ring buffers come from go-queue; their cursor arithmetic makes a
// Put/Get fail transiently under contention and their internal capacity is
// a power of two with slack slots. Neither detail is allowed to leak into
// the exchange semantics: a per-partition reservation counter enforces the
// logical capacity exactly, and push/take retry the ring until the
// reserved slot lands.
type SharedState struct {
	cfg Config

	queues    []*queue.EsQueue
	sizes     []atomic.Int32 // logical occupancy, reserved before the ring put
	hasData   []*process.Dependency
	hasRoom   []*process.Dependency
	producers []atomic.Int32 // outstanding producers per partition

	// liveProducers counts producers that have not delivered their
	// end-of-stream yet, across all partitions.
	liveProducers atomic.Int32

	// mode is the adaptive strategy switch; see adaptive.go. It lives
	// here so that the one-shot flip is observed by every producer.
	mode atomic.Int32

	failed        atomic.Pointer[failure]
	bufferedBytes atomic.Int64
	stats         *ExchangeStats
	freedFlag     atomic.Bool
}

// expectedProducers is the number of producers that can ever write to a
// partition under the configured strategy. A partition expecting zero
// producers is born at end-of-stream.
func (c *Config) expectedProducers(p int32) int32 {
	switch c.Typ {
	case Passthrough:
		n := int32(0)
		for q := int32(0); q < c.ProducerCount; q++ {
			if q%c.PartitionCount == p {
				n++
			}
		}
		return n
	case PassToOne:
		if p == 0 {
			return c.ProducerCount
		}
		return 0
	default:
		return c.ProducerCount
	}
}

// ringCapacity oversizes the ring so that the reservation counter, not the
// ring, is the bound that producers hit.
func ringCapacity(logical int32) uint32 {
	need := uint32(2*logical + 4)
	c := uint32(8)
	for c < need {
		c <<= 1
	}
	return c
}

func NewSharedState(proc *process.Process, cfg Config) (*SharedState, error) {
	cfg.fillDefaults()
	if err := cfg.validate(proc.Ctx); err != nil {
		return nil, err
	}
	n := cfg.PartitionCount
	ss := &SharedState{
		cfg:       cfg,
		queues:    make([]*queue.EsQueue, n),
		sizes:     make([]atomic.Int32, n),
		hasData:   make([]*process.Dependency, n),
		hasRoom:   make([]*process.Dependency, n),
		producers: make([]atomic.Int32, n),
		stats:     newExchangeStats(n),
	}
	ring := ringCapacity(cfg.QueueCapacity)
	for p := int32(0); p < n; p++ {
		ss.queues[p] = queue.NewQueue(ring)
		expected := cfg.expectedProducers(p)
		ss.producers[p].Store(expected)
		ss.hasData[p] = process.NewDependency(fmt.Sprintf("local_exchange.has_data.%d", p), expected == 0)
		ss.hasRoom[p] = process.NewDependency(fmt.Sprintf("local_exchange.has_room.%d", p), true)
	}
	ss.liveProducers.Store(cfg.ProducerCount)
	logutil.Debugf("local exchange up: typ=%s partitions=%d producers=%d consumers=%d capacity=%d",
		cfg.Typ, n, cfg.ProducerCount, cfg.ConsumerCount, cfg.QueueCapacity)
	return ss, nil
}

// reserve claims one slot of the logical capacity. prev is the occupancy
// before the claim; prev == 0 on success means the partition was empty.
func (ss *SharedState) reserve(partition int32) (prev int32, ok bool) {
	for {
		cur := ss.sizes[partition].Load()
		if cur >= ss.cfg.QueueCapacity {
			return cur, false
		}
		if ss.sizes[partition].CompareAndSwap(cur, cur+1) {
			return cur, true
		}
	}
}

func (ss *SharedState) push(partition int32, bat *batch.Batch) {
	q := ss.queues[partition]
	for {
		if ok, _ := q.Put(bat); ok {
			return
		}
		// the ring is oversized relative to the logical capacity, so a
		// failed put is transient cursor contention, not a full queue
		runtime.Gosched()
	}
}

func (ss *SharedState) take(partition int32) *batch.Batch {
	q := ss.queues[partition]
	for {
		if val, ok, _ := q.Get(); ok {
			return val.(*batch.Batch)
		}
		// a reserved enqueue has not landed in the ring yet
		runtime.Gosched()
	}
}

// Enqueue offers a batch to a partition without ever blocking the calling
// thread. ok == false with a nil error means the partition is at capacity:
// the caller should park on the partition's room gate and retry the same
// enqueue when signalled. Ownership of the batch moves to the queue only
// when ok is true.
func (ss *SharedState) Enqueue(partition int32, bat *batch.Batch) (bool, error) {
	if err := ss.Failed(); err != nil {
		return false, err
	}
	if partition < 0 || int(partition) >= len(ss.queues) {
		return false, axerr.NewPartitionOutOfRangeNoCtx(int(partition), len(ss.queues))
	}
	prev, ok := ss.reserve(partition)
	if !ok {
		// About to wait: flip the gate first, then look again. A drain
		// that raced us has already signalled, and that signal must not
		// be erased without a re-check.
		ss.hasRoom[partition].Block()
		if err := ss.Failed(); err != nil {
			return false, err
		}
		if prev, ok = ss.reserve(partition); !ok {
			return false, nil
		}
		ss.hasRoom[partition].Signal() // lost race with a drain, keep the level
	}
	rows := int64(bat.RowCount())
	size := int64(bat.Size())
	ss.push(partition, bat)
	ss.bufferedBytes.Add(size)
	st := ss.stats
	st.rowsRouted.Add(rows)
	st.bytesRouted.Add(size)
	st.batchesIn.Add(1)
	pc := &st.partitions[partition]
	pc.rows.Add(rows)
	pc.bytes.Add(size)
	pc.enqueued.Add(1)
	if prev == 0 {
		// newly non-empty; steady-state enqueues skip the wake-up
		ss.hasData[partition].Signal()
	}
	return true, nil
}

// Dequeue takes the next batch of a partition. exchangeBlocked means the
// queue is empty while producers are still outstanding; park on the data
// gate and retry. exchangeEOS is terminal. Ownership of a returned batch
// moves to the caller.
func (ss *SharedState) Dequeue(partition int32) (*batch.Batch, dequeueState, error) {
	if err := ss.Failed(); err != nil {
		return nil, exchangeEOS, err
	}
	if partition < 0 || int(partition) >= len(ss.queues) {
		return nil, exchangeEOS, axerr.NewPartitionOutOfRangeNoCtx(int(partition), len(ss.queues))
	}
	if ss.sizes[partition].Load() == 0 {
		if ss.producers[partition].Load() == 0 {
			// Producers decrement their counter only after their final
			// enqueue, so one more look at the size closes the race with
			// a producer finishing right now.
			if ss.sizes[partition].Load() == 0 {
				return nil, exchangeEOS, nil
			}
		} else {
			ss.hasData[partition].Block()
			if err := ss.Failed(); err != nil {
				return nil, exchangeEOS, err
			}
			if ss.sizes[partition].Load() > 0 {
				ss.hasData[partition].Signal() // lost race with an enqueue, keep the level
			} else if ss.producers[partition].Load() > 0 {
				return nil, exchangeBlocked, nil
			} else {
				ss.hasData[partition].Signal() // end-of-stream is a level too
				if ss.sizes[partition].Load() == 0 {
					return nil, exchangeEOS, nil
				}
			}
		}
	}
	bat := ss.take(partition)
	prev := ss.sizes[partition].Add(-1) + 1
	size := int64(bat.Size())
	ss.bufferedBytes.Add(-size)
	st := ss.stats
	st.batchesOut.Add(1)
	st.partitions[partition].dequeued.Add(1)
	if prev == ss.cfg.QueueCapacity {
		// the queue was full, its room gate has waiters to release
		ss.hasRoom[partition].Signal()
	}
	return bat, exchangeHasData, nil
}

// MarkProducerDone records that one producer will never enqueue into the
// partition again. The last one signals the data gate so a parked consumer
// wakes up and observes end-of-stream instead of hanging.
func (ss *SharedState) MarkProducerDone(partition int32) {
	if partition < 0 || int(partition) >= len(ss.producers) {
		panic(axerr.NewPartitionOutOfRangeNoCtx(int(partition), len(ss.producers)))
	}
	left := ss.producers[partition].Add(-1)
	if left < 0 {
		panic(axerr.NewInvalidStateNoCtx("local exchange: producer counter of partition %d went below zero", partition))
	}
	if left == 0 {
		ss.hasData[partition].Signal()
	}
}

// Cancel latches the first failure and wakes every gate of every partition
// so no producer or consumer stays parked. Later calls are no-ops; the
// first reason sticks.
func (ss *SharedState) Cancel(err error) {
	if err == nil {
		err = axerr.NewExchangeCancelledNoCtx("cancel requested")
	}
	if !ss.failed.CompareAndSwap(nil, &failure{err: err}) {
		return
	}
	logutil.Errorf("local exchange failed: %v", err)
	for p := range ss.hasData {
		ss.hasData[p].Signal()
		ss.hasRoom[p].Signal()
	}
}

// Failed returns the sticky failure, or nil.
func (ss *SharedState) Failed() error {
	if f := ss.failed.Load(); f != nil {
		return f.err
	}
	return nil
}

func (ss *SharedState) DataGate(partition int32) *process.Dependency {
	return ss.hasData[partition]
}

func (ss *SharedState) RoomGate(partition int32) *process.Dependency {
	return ss.hasRoom[partition]
}

func (ss *SharedState) QueueLen(partition int32) int32 {
	return ss.sizes[partition].Load()
}

func (ss *SharedState) BufferedBytes() int64 {
	return ss.bufferedBytes.Load()
}

func (ss *SharedState) Capacity() int32 {
	return ss.cfg.QueueCapacity
}

func (ss *SharedState) PartitionCount() int32 {
	return ss.cfg.PartitionCount
}

func (ss *SharedState) Stats() *ExchangeStats {
	return ss.stats
}

// Free drains what is still buffered and cleans it. Callers must have
// stopped every producer and consumer task first; Free is idempotent and
// safe after either a normal drain or a cancel.
func (ss *SharedState) Free(m *mpool.MPool) {
	if !ss.freedFlag.CompareAndSwap(false, true) {
		return
	}
	dropped := 0
	for p := range ss.queues {
		for {
			val, ok, _ := ss.queues[p].Get()
			if !ok {
				break
			}
			val.(*batch.Batch).Clean(m)
			dropped++
		}
		ss.sizes[p].Store(0)
	}
	ss.bufferedBytes.Store(0)
	if dropped > 0 {
		logutil.Debugf("local exchange freed %d undelivered batches", dropped)
	}
}
