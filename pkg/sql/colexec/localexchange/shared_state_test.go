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
	"sync"
	"testing"
	"time"

	"github.com/axiondb/axion/pkg/common/axerr"
	"github.com/axiondb/axion/pkg/common/mpool"
	"github.com/axiondb/axion/pkg/container/batch"
	"github.com/axiondb/axion/pkg/container/types"
	"github.com/axiondb/axion/pkg/container/vector"
	"github.com/axiondb/axion/pkg/testutil"
	"github.com/axiondb/axion/pkg/vm/process"
	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/require"
)

func newTestConfig(typ ExchangeType, partitions, producers, capacity int32) Config {
	cfg := Config{
		PartitionCount: partitions,
		ProducerCount:  producers,
		ConsumerCount:  partitions,
		Typ:            typ,
		QueueCapacity:  capacity,
	}
	switch typ {
	case Shuffle, BucketShuffle, AdaptivePassthrough:
		cfg.HashColumns = []int32{0}
	}
	return cfg
}

func newInt64Batch(t *testing.T, mp *mpool.MPool, vals ...int64) *batch.Batch {
	t.Helper()
	vec := vector.NewVector(types.T_int64.ToType())
	for _, v := range vals {
		require.NoError(t, vector.Append(vec, v, false, mp))
	}
	bat := batch.NewWithSize(1)
	bat.Vecs[0] = vec
	bat.SetRowCount(len(vals))
	return bat
}

// newTagBatch builds a two-column batch: column 0 carries the keys,
// column 1 repeats tag so a consumer can tell the batches of different
// producers apart after routing.
func newTagBatch(t *testing.T, mp *mpool.MPool, tag int64, keys ...int64) *batch.Batch {
	t.Helper()
	kv := vector.NewVector(types.T_int64.ToType())
	tv := vector.NewVector(types.T_int64.ToType())
	for _, k := range keys {
		require.NoError(t, vector.Append(kv, k, false, mp))
		require.NoError(t, vector.Append(tv, tag, false, mp))
	}
	bat := batch.NewWithSize(2)
	bat.Vecs[0] = kv
	bat.Vecs[1] = tv
	bat.SetRowCount(len(keys))
	return bat
}

// awaitGate parks the calling goroutine the way the scheduler parks a
// task: register a wakeup on the gate, run only when it fires. The caller
// must have observed its condition unsatisfied through an operation that
// blocked the gate first.
func awaitGate(g *process.Dependency) {
	wake := make(chan struct{})
	if g.Register(func() { close(wake) }) {
		<-wake
	}
}

func firstInt64(bat *batch.Batch) int64 {
	return vector.MustTCols[int64](bat.Vecs[0])[0]
}

func TestSharedStateFIFO(t *testing.T) {
	proc := testutil.NewProc()
	mp := proc.Mp()
	ss, err := NewSharedState(proc, newTestConfig(Shuffle, 1, 1, 8))
	require.NoError(t, err)

	for i := int64(0); i < 5; i++ {
		ok, err := ss.Enqueue(0, newInt64Batch(t, mp, i, i+100))
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Equal(t, int32(5), ss.QueueLen(0))
	require.Greater(t, ss.BufferedBytes(), int64(0))

	for i := int64(0); i < 5; i++ {
		bat, st, err := ss.Dequeue(0)
		require.NoError(t, err)
		require.Equal(t, exchangeHasData, st)
		require.Equal(t, i, firstInt64(bat))
		bat.Clean(mp)
	}
	require.Equal(t, int32(0), ss.QueueLen(0))
	require.Equal(t, int64(0), ss.BufferedBytes())

	ss.MarkProducerDone(0)
	_, st, err := ss.Dequeue(0)
	require.NoError(t, err)
	require.Equal(t, exchangeEOS, st)

	snap := ss.Stats().Snapshot()
	require.Equal(t, int64(10), snap.RowsRouted)
	require.Equal(t, int64(5), snap.BatchesIn)
	require.Equal(t, int64(5), snap.BatchesOut)
	require.Equal(t, int64(5), snap.Partitions[0].Enqueued)
	require.Equal(t, int64(5), snap.Partitions[0].Dequeued)

	ss.Free(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestSharedStateBackpressure(t *testing.T) {
	proc := testutil.NewProc()
	mp := proc.Mp()
	ss, err := NewSharedState(proc, newTestConfig(Shuffle, 1, 1, 2))
	require.NoError(t, err)

	for i := int64(0); i < 2; i++ {
		ok, err := ss.Enqueue(0, newInt64Batch(t, mp, i))
		require.NoError(t, err)
		require.True(t, ok)
	}

	// the queue is at capacity: the third offer is refused, not an error,
	// and the room gate is left blocked for the caller to park on
	third := newInt64Batch(t, mp, 2)
	ok, err := ss.Enqueue(0, third)
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, ss.RoomGate(0).IsReady())
	require.Equal(t, int32(2), ss.QueueLen(0))

	// draining a full queue signals the room gate
	bat, st, err := ss.Dequeue(0)
	require.NoError(t, err)
	require.Equal(t, exchangeHasData, st)
	require.Equal(t, int64(0), firstInt64(bat))
	bat.Clean(mp)
	require.True(t, ss.RoomGate(0).IsReady())

	// the refused batch stayed with the caller; the retry goes through
	ok, err = ss.Enqueue(0, third)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int32(2), ss.QueueLen(0))

	ss.Free(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestSharedStateBlockedConsumer(t *testing.T) {
	proc := testutil.NewProc()
	mp := proc.Mp()
	ss, err := NewSharedState(proc, newTestConfig(Shuffle, 1, 1, 4))
	require.NoError(t, err)

	bat, st, err := ss.Dequeue(0)
	require.NoError(t, err)
	require.Nil(t, bat)
	require.Equal(t, exchangeBlocked, st)
	require.False(t, ss.DataGate(0).IsReady())

	// the first enqueue into an empty partition raises the data gate
	ok, err := ss.Enqueue(0, newInt64Batch(t, mp, 7))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, ss.DataGate(0).IsReady())

	bat, st, err = ss.Dequeue(0)
	require.NoError(t, err)
	require.Equal(t, exchangeHasData, st)
	require.Equal(t, int64(7), firstInt64(bat))
	bat.Clean(mp)

	ss.Free(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestSharedStateEOS(t *testing.T) {
	proc := testutil.NewProc()
	mp := proc.Mp()
	ss, err := NewSharedState(proc, newTestConfig(Shuffle, 1, 2, 4))
	require.NoError(t, err)

	ok, err := ss.Enqueue(0, newInt64Batch(t, mp, 1))
	require.NoError(t, err)
	require.True(t, ok)

	// one of two producers done: not end-of-stream yet
	ss.MarkProducerDone(0)
	bat, st, err := ss.Dequeue(0)
	require.NoError(t, err)
	require.Equal(t, exchangeHasData, st)
	bat.Clean(mp)

	_, st, err = ss.Dequeue(0)
	require.NoError(t, err)
	require.Equal(t, exchangeBlocked, st)

	// the last producer raises the data gate so a parked consumer comes
	// back and sees end-of-stream
	ss.MarkProducerDone(0)
	require.True(t, ss.DataGate(0).IsReady())
	_, st, err = ss.Dequeue(0)
	require.NoError(t, err)
	require.Equal(t, exchangeEOS, st)

	// end-of-stream is terminal and repeatable
	_, st, err = ss.Dequeue(0)
	require.NoError(t, err)
	require.Equal(t, exchangeEOS, st)

	require.Panics(t, func() { ss.MarkProducerDone(0) })
	require.Panics(t, func() { ss.MarkProducerDone(99) })

	ss.Free(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestSharedStateRangeChecks(t *testing.T) {
	proc := testutil.NewProc()
	mp := proc.Mp()
	ss, err := NewSharedState(proc, newTestConfig(Shuffle, 2, 1, 4))
	require.NoError(t, err)

	bat := newInt64Batch(t, mp, 1)
	defer bat.Clean(mp)
	_, err = ss.Enqueue(5, bat)
	require.True(t, axerr.IsAxErrCode(err, axerr.ErrPartitionOutOfRange))
	_, _, err = ss.Dequeue(-1)
	require.True(t, axerr.IsAxErrCode(err, axerr.ErrPartitionOutOfRange))
}

func TestSharedStateCancelSticky(t *testing.T) {
	defer leaktest.AfterTest(t)()

	proc := testutil.NewProc()
	mp := proc.Mp()
	ss, err := NewSharedState(proc, newTestConfig(Shuffle, 2, 2, 4))
	require.NoError(t, err)

	boom1 := axerr.NewInternalErrorNoCtx("boom one")
	boom2 := axerr.NewInternalErrorNoCtx("boom two")

	var wg sync.WaitGroup
	for _, e := range []error{boom1, boom2} {
		wg.Add(1)
		go func(e error) {
			defer wg.Done()
			ss.Cancel(e)
		}(e)
	}
	wg.Wait()

	// exactly one reason latched, and it never changes
	got := ss.Failed()
	require.Contains(t, []error{boom1, boom2}, got)
	ss.Cancel(axerr.NewInternalErrorNoCtx("too late"))
	require.Equal(t, got, ss.Failed())

	// every gate was raised so nobody stays parked
	for p := int32(0); p < 2; p++ {
		require.True(t, ss.DataGate(p).IsReady())
		require.True(t, ss.RoomGate(p).IsReady())
	}

	// the failure surfaces verbatim on both sides
	bat := newInt64Batch(t, mp, 1)
	defer bat.Clean(mp)
	_, err = ss.Enqueue(0, bat)
	require.Equal(t, got, err)
	_, _, err = ss.Dequeue(0)
	require.Equal(t, got, err)

	ss.Free(mp)
}

func TestSharedStateCancelNilReason(t *testing.T) {
	proc := testutil.NewProc()
	ss, err := NewSharedState(proc, newTestConfig(Shuffle, 1, 1, 4))
	require.NoError(t, err)

	ss.Cancel(nil)
	require.True(t, axerr.IsAxErrCode(ss.Failed(), axerr.ErrExchangeCancelled))
	ss.Free(proc.Mp())
}

func TestSharedStateCancelUnblocks(t *testing.T) {
	defer leaktest.AfterTest(t)()

	proc := testutil.NewProc()
	mp := proc.Mp()
	ss, err := NewSharedState(proc, newTestConfig(Shuffle, 2, 1, 1))
	require.NoError(t, err)

	ok, err := ss.Enqueue(0, newInt64Batch(t, mp, 0))
	require.NoError(t, err)
	require.True(t, ok)

	boom := axerr.NewInternalErrorNoCtx("cancelled under load")
	errs := make(chan error, 2)

	// a producer stuck on the full partition 0
	go func() {
		bat := newInt64Batch(t, mp, 1)
		defer bat.Clean(mp)
		for {
			ok, err := ss.Enqueue(0, bat)
			if err != nil {
				errs <- err
				return
			}
			if ok {
				errs <- nil
				return
			}
			awaitGate(ss.RoomGate(0))
		}
	}()

	// a consumer stuck on the empty partition 1
	go func() {
		for {
			bat, st, err := ss.Dequeue(1)
			if err != nil {
				errs <- err
				return
			}
			switch st {
			case exchangeHasData:
				bat.Clean(mp)
			case exchangeBlocked:
				awaitGate(ss.DataGate(1))
			default:
				errs <- nil
				return
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	ss.Cancel(boom)

	require.Equal(t, boom, <-errs)
	require.Equal(t, boom, <-errs)

	ss.Free(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}

// TestSharedStateConcurrentStress hammers one partition from four
// producers against one consumer at a tiny capacity. The point is the
// wakeup protocol: no enqueue or dequeue may be lost and no goroutine may
// stay parked when there is work or an end-of-stream to observe.
func TestSharedStateConcurrentStress(t *testing.T) {
	defer leaktest.AfterTest(t)()

	proc := testutil.NewProc()
	mp := proc.Mp()
	ss, err := NewSharedState(proc, newTestConfig(Shuffle, 1, 4, 4))
	require.NoError(t, err)

	const perProducer = 40
	var wg sync.WaitGroup
	for tag := int64(0); tag < 4; tag++ {
		wg.Add(1)
		go func(tag int64) {
			defer wg.Done()
			for seq := int64(0); seq < perProducer; seq++ {
				bat := newInt64Batch(t, mp, tag*1000+seq)
				for {
					ok, err := ss.Enqueue(0, bat)
					require.NoError(t, err)
					if ok {
						break
					}
					awaitGate(ss.RoomGate(0))
				}
			}
			ss.MarkProducerDone(0)
		}(tag)
	}

	received := 0
	lastSeq := map[int64]int64{0: -1, 1: -1, 2: -1, 3: -1}
	for {
		bat, st, err := ss.Dequeue(0)
		require.NoError(t, err)
		if st == exchangeEOS {
			break
		}
		if st == exchangeBlocked {
			awaitGate(ss.DataGate(0))
			continue
		}
		v := firstInt64(bat)
		bat.Clean(mp)
		tag, seq := v/1000, v%1000
		require.Equal(t, lastSeq[tag]+1, seq, "producer %d out of order", tag)
		lastSeq[tag] = seq
		received++
	}
	wg.Wait()

	require.Equal(t, 4*perProducer, received)
	ss.Free(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestSharedStateFreeDrains(t *testing.T) {
	proc := testutil.NewProc()
	mp := proc.Mp()
	ss, err := NewSharedState(proc, newTestConfig(Shuffle, 2, 1, 4))
	require.NoError(t, err)

	for i := int64(0); i < 3; i++ {
		ok, err := ss.Enqueue(int32(i%2), newInt64Batch(t, mp, i))
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Greater(t, mp.CurrNB(), int64(0))

	ss.Free(mp)
	require.Equal(t, int64(0), mp.CurrNB())
	require.Equal(t, int32(0), ss.QueueLen(0))
	require.Equal(t, int32(0), ss.QueueLen(1))
	require.Equal(t, int64(0), ss.BufferedBytes())

	// idempotent
	ss.Free(mp)
}

func TestRingCapacity(t *testing.T) {
	require.Equal(t, uint32(8), ringCapacity(1))
	require.Equal(t, uint32(8), ringCapacity(2))
	require.Equal(t, uint32(16), ringCapacity(5))
	require.Equal(t, uint32(64), ringCapacity(16))
	for logical := int32(1); logical <= 256; logical++ {
		c := ringCapacity(logical)
		require.GreaterOrEqual(t, c, uint32(2*logical+4))
		require.Zero(t, c&(c-1), "ring capacity %d is not a power of two", c)
	}
}

func TestExpectedProducers(t *testing.T) {
	cfg := newTestConfig(Passthrough, 3, 5, 4)
	require.Equal(t, int32(2), cfg.expectedProducers(0)) // producers 0, 3
	require.Equal(t, int32(2), cfg.expectedProducers(1)) // producers 1, 4
	require.Equal(t, int32(1), cfg.expectedProducers(2)) // producer 2

	cfg = newTestConfig(PassToOne, 3, 5, 4)
	require.Equal(t, int32(5), cfg.expectedProducers(0))
	require.Equal(t, int32(0), cfg.expectedProducers(1))

	cfg = newTestConfig(Shuffle, 3, 5, 4)
	for p := int32(0); p < 3; p++ {
		require.Equal(t, int32(5), cfg.expectedProducers(p))
	}
}

func TestSharedStateBornEOS(t *testing.T) {
	// a pass-to-one partition other than 0 can never receive anything;
	// its consumer must see end-of-stream without waiting for anybody
	proc := testutil.NewProc()
	ss, err := NewSharedState(proc, newTestConfig(PassToOne, 3, 2, 4))
	require.NoError(t, err)

	require.True(t, ss.DataGate(1).IsReady())
	require.True(t, ss.DataGate(2).IsReady())
	_, st, err := ss.Dequeue(1)
	require.NoError(t, err)
	require.Equal(t, exchangeEOS, st)

	ss.Free(proc.Mp())
}

func TestNewSharedStateValidation(t *testing.T) {
	proc := testutil.NewProc()

	bad := func(cfg Config, code uint16) {
		_, err := NewSharedState(proc, cfg)
		require.True(t, axerr.IsAxErrCode(err, code), "want code %d, got %v", code, err)
	}

	cfg := newTestConfig(Shuffle, 0, 1, 4)
	bad(cfg, axerr.ErrBadConfig)

	cfg = newTestConfig(Shuffle, 2, 0, 4)
	bad(cfg, axerr.ErrBadConfig)

	cfg = newTestConfig(Shuffle, 2, 1, 4)
	cfg.ConsumerCount = 3
	bad(cfg, axerr.ErrBadConfig)

	cfg = newTestConfig(Shuffle, 2, 1, 4)
	cfg.Typ = ExchangeType(99)
	bad(cfg, axerr.ErrBadConfig)

	cfg = newTestConfig(Shuffle, 2, 1, 4)
	cfg.HashColumns = nil
	bad(cfg, axerr.ErrBadConfig)

	cfg = newTestConfig(BucketShuffle, 2, 1, 4)
	cfg.BucketCount = 4
	cfg.BucketTable = []int32{0, 1}
	bad(cfg, axerr.ErrBadBucketTable)

	cfg = newTestConfig(BucketShuffle, 2, 1, 4)
	cfg.BucketCount = 2
	cfg.BucketTable = []int32{0, 5}
	bad(cfg, axerr.ErrBadBucketTable)

	// a defaulted capacity comes out as DefaultQueueCapacity
	cfg = newTestConfig(Shuffle, 2, 1, 0)
	ss, err := NewSharedState(proc, cfg)
	require.NoError(t, err)
	require.Equal(t, int32(DefaultQueueCapacity), ss.Capacity())
	require.Equal(t, int32(2), ss.PartitionCount())
	ss.Free(proc.Mp())
}
