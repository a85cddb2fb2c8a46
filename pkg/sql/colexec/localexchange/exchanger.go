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
	"sync/atomic"
	"time"

	"github.com/axiondb/axion/pkg/common/axerr"
	"github.com/axiondb/axion/pkg/container/batch"
	"github.com/axiondb/axion/pkg/container/types"
	"github.com/axiondb/axion/pkg/container/vector"
	"github.com/axiondb/axion/pkg/logutil"
	"github.com/axiondb/axion/pkg/vm/process"
)

type pendingEntry struct {
	partition int32
	bat       *batch.Batch
}

// Exchanger applies one routing strategy on top of a SharedState. One
// instance is shared by every sink and source of the exchange point; the
// strategy set is closed and dispatch goes through a function chosen once
// at construction.
//
// SinkBatch always takes ownership of a non-nil input: the rows are copied
// (or reference-counted, for Broadcast) into exchange-owned batches which
// wait on a per-producer pending list until the target queues have room. A
// non-nil gate from SinkBatch means part of that backlog is undelivered;
// the caller parks on the gate and calls again, with or without new input,
// though offering new input while backed up only grows the backlog.
//
// The per-producer slots (pending lists, scratch buffers, EOS flags) are
// only ever touched by that producer's task, which the scheduler runs on
// one worker at a time, so they need no locks.
type Exchanger struct {
	ss      *SharedState
	typ     ExchangeType
	router  *Router
	send    func(proc *process.Process, producerID int32, bat *batch.Batch) error
	state   atomic.Int32
	monitor *skewMonitor

	schemaMu sync.Mutex
	schema   []types.Type

	pending   [][]pendingEntry
	lastReq   []bool
	eosSent   []bool
	routeBufs [][]int32
	selBufs   [][][]int64

	allPartitions []int32
}

func NewExchanger(ss *SharedState) (*Exchanger, error) {
	cfg := &ss.cfg
	e := &Exchanger{
		ss:            ss,
		typ:           cfg.Typ,
		pending:       make([][]pendingEntry, cfg.ProducerCount),
		lastReq:       make([]bool, cfg.ProducerCount),
		eosSent:       make([]bool, cfg.ProducerCount),
		routeBufs:     make([][]int32, cfg.ProducerCount),
		selBufs:       make([][][]int64, cfg.ProducerCount),
		allPartitions: make([]int32, cfg.PartitionCount),
	}
	for p := int32(0); p < cfg.PartitionCount; p++ {
		e.allPartitions[p] = p
	}
	var err error
	switch cfg.Typ {
	case Shuffle:
		e.router, err = NewHashRouter(cfg.PartitionCount, cfg.HashColumns)
		e.send = e.sendShuffle
	case BucketShuffle:
		e.router, err = NewBucketRouter(cfg.PartitionCount, cfg.HashColumns, cfg.BucketTable)
		e.send = e.sendShuffle
	case Passthrough:
		e.send = e.sendPassthrough
	case Broadcast:
		e.send = e.sendBroadcast
	case PassToOne:
		e.send = e.sendToOne
	case AdaptivePassthrough:
		e.router, err = NewHashRouter(cfg.PartitionCount, cfg.HashColumns)
		e.monitor = newSkewMonitor(cfg.Adaptive)
		e.send = e.sendAdaptive
	default:
		err = axerr.NewBadConfigNoCtx("local exchange: unknown exchange type %d", cfg.Typ)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Exchanger) Type() ExchangeType {
	return e.typ
}

func (e *Exchanger) SharedState() *SharedState {
	return e.ss
}

// StateName reports the lifecycle state, for logs and diagnostics.
func (e *Exchanger) StateName() string {
	return stateName(e.state.Load())
}

// DataGate is the gate a consumer parks on after PullBlocked.
func (e *Exchanger) DataGate(consumerID int32) *process.Dependency {
	return e.ss.DataGate(consumerID)
}

// Open moves the exchanger into its running state. Every sink and source
// calls it from Prepare; only the first call does the transition.
func (e *Exchanger) Open(proc *process.Process) error {
	for {
		switch e.state.Load() {
		case stateUninitialized:
			if e.state.CompareAndSwap(stateUninitialized, stateOpen) {
				logutil.Debugf("local exchange %s open", e.typ)
				return nil
			}
		case stateOpen, stateRouting, stateClosing:
			return nil
		default:
			return axerr.NewInvalidState(proc.Ctx, "local exchange: open after close")
		}
	}
}

// SinkBatch feeds one producer's next batch in, and with isLast the
// producer's end-of-stream. The input is consumed even when a gate is
// returned; the gate only means the backlog is not fully delivered yet and
// the producer should retry once signalled. nil, nil means everything this
// producer owed the queues has been delivered.
func (e *Exchanger) SinkBatch(proc *process.Process, producerID int32, bat *batch.Batch, isLast bool) (*process.Dependency, error) {
	if err := e.ss.Failed(); err != nil {
		return nil, err
	}
	switch e.state.Load() {
	case stateUninitialized:
		return nil, axerr.NewInvalidState(proc.Ctx, "local exchange: sink before open")
	case stateClosed:
		return nil, axerr.NewExchangeClosed(proc.Ctx)
	}
	if producerID < 0 || int(producerID) >= len(e.pending) {
		return nil, axerr.NewInvalidArg(proc.Ctx, "producer id", producerID)
	}
	if bat != nil && !bat.IsEmpty() {
		if e.eosSent[producerID] {
			return nil, axerr.NewInvalidState(proc.Ctx,
				"local exchange: batch from producer %d after its end-of-stream", producerID)
		}
		e.state.CompareAndSwap(stateOpen, stateRouting)
		if err := e.checkSchema(proc, bat); err != nil {
			e.ss.Cancel(err)
			return nil, err
		}
		if err := e.send(proc, producerID, bat); err != nil {
			e.ss.Cancel(err)
			return nil, err
		}
	}
	if isLast {
		e.lastReq[producerID] = true
	}
	gate, err := e.flush(producerID)
	if err != nil {
		return nil, err
	}
	if gate != nil {
		return gate, nil
	}
	if e.lastReq[producerID] && !e.eosSent[producerID] {
		e.eosSent[producerID] = true
		e.finishProducer(producerID)
	}
	return nil, nil
}

// SourcePull hands the consumer its next batch. PullBlocked asks the
// caller to park on DataGate(consumerID) and retry; PullEOS is terminal.
func (e *Exchanger) SourcePull(proc *process.Process, consumerID int32) (*batch.Batch, PullState, error) {
	if err := e.ss.Failed(); err != nil {
		return nil, PullEOS, err
	}
	switch e.state.Load() {
	case stateUninitialized:
		return nil, PullEOS, axerr.NewInvalidState(proc.Ctx, "local exchange: pull before open")
	case stateClosed:
		return nil, PullEOS, axerr.NewExchangeClosed(proc.Ctx)
	}
	if consumerID < 0 || consumerID >= e.ss.cfg.PartitionCount {
		return nil, PullEOS, axerr.NewInvalidArg(proc.Ctx, "consumer id", consumerID)
	}
	bat, st, err := e.ss.Dequeue(consumerID)
	if err != nil {
		return nil, PullEOS, err
	}
	switch st {
	case exchangeHasData:
		return bat, PullHasData, nil
	case exchangeBlocked:
		return nil, PullBlocked, nil
	default:
		return nil, PullEOS, nil
	}
}

// Close ends the exchanger's lifecycle. Buffered memory is released
// separately by SharedState.Free. The gates are signalled so a straggling
// task cannot stay parked on a closed exchange.
func (e *Exchanger) Close(proc *process.Process) error {
	for {
		s := e.state.Load()
		if s == stateClosed {
			return nil
		}
		if e.state.CompareAndSwap(s, stateClosed) {
			for p := int32(0); p < e.ss.cfg.PartitionCount; p++ {
				e.ss.hasData[p].Signal()
				e.ss.hasRoom[p].Signal()
			}
			logutil.Debugf("local exchange %s closed", e.typ)
			return nil
		}
	}
}

// checkSchema captures the column layout of the first batch that flows and
// holds every later batch to it. The key columns are checked here too:
// routing raises no per-row errors, a bad column position fails the whole
// exchange before any row reaches a consumer.
func (e *Exchanger) checkSchema(proc *process.Process, bat *batch.Batch) error {
	e.schemaMu.Lock()
	defer e.schemaMu.Unlock()
	if e.schema == nil {
		if e.router != nil {
			if err := e.router.checkKeys(bat); err != nil {
				return err
			}
		}
		schema := make([]types.Type, len(bat.Vecs))
		for i, vec := range bat.Vecs {
			schema[i] = *vec.GetType()
		}
		e.schema = schema
		return nil
	}
	if len(bat.Vecs) != len(e.schema) {
		return axerr.NewSchemaMismatch(proc.Ctx,
			"batch has %d columns, exchange expects %d", len(bat.Vecs), len(e.schema))
	}
	for i, vec := range bat.Vecs {
		if vec.GetType().Oid != e.schema[i].Oid {
			return axerr.NewSchemaMismatch(proc.Ctx,
				"column %d is %s, exchange expects %s", i, vec.GetType(), e.schema[i])
		}
	}
	return nil
}

// flush delivers the producer's pending backlog head-first. It stops at
// the first full queue and returns its room gate.
func (e *Exchanger) flush(producerID int32) (*process.Dependency, error) {
	pend := e.pending[producerID]
	if len(pend) == 0 {
		return nil, nil
	}
	start := time.Now()
	flushed := 0
	var gate *process.Dependency
	var ferr error
	for _, entry := range pend {
		ok, err := e.ss.Enqueue(entry.partition, entry.bat)
		if err != nil {
			ferr = err
			break
		}
		if !ok {
			gate = e.ss.RoomGate(entry.partition)
			break
		}
		flushed++
	}
	e.ss.stats.distributeNs.Add(time.Since(start).Nanoseconds())
	if flushed > 0 {
		rest := copy(pend, pend[flushed:])
		for i := rest; i < len(pend); i++ {
			pend[i] = pendingEntry{}
		}
		e.pending[producerID] = pend[:rest]
	}
	if ferr != nil {
		// shared state already failed; what is still pending is cleaned
		// by cleanProducer when the sink is freed
		return nil, ferr
	}
	return gate, nil
}

func (e *Exchanger) finishProducer(producerID int32) {
	for _, p := range e.eosTargets(producerID) {
		e.ss.MarkProducerDone(p)
	}
	if e.ss.liveProducers.Add(-1) == 0 {
		if !e.state.CompareAndSwap(stateRouting, stateClosing) {
			e.state.CompareAndSwap(stateOpen, stateClosing)
		}
		logutil.Debugf("local exchange %s closing: all %d producers done", e.typ, e.ss.cfg.ProducerCount)
	}
}

// eosTargets lists the partitions a producer could ever write to; its
// end-of-stream must reach exactly those.
func (e *Exchanger) eosTargets(producerID int32) []int32 {
	switch e.typ {
	case Passthrough:
		return []int32{producerID % e.ss.cfg.PartitionCount}
	case PassToOne:
		return []int32{0}
	default:
		return e.allPartitions
	}
}

// cleanProducer drops whatever the producer still holds undelivered. Used
// on failure paths; on a clean shutdown the pending lists are empty.
func (e *Exchanger) cleanProducer(proc *process.Process, producerID int32) {
	if producerID < 0 || int(producerID) >= len(e.pending) {
		return
	}
	for _, entry := range e.pending[producerID] {
		entry.bat.Clean(proc.Mp())
	}
	e.pending[producerID] = nil
}

func (e *Exchanger) pend(producerID, partition int32, bat *batch.Batch) {
	e.pending[producerID] = append(e.pending[producerID], pendingEntry{
		partition: partition,
		bat:       bat,
	})
}

// sendShuffle splits the batch into one exchange-owned sub-batch per
// nonempty target partition.
func (e *Exchanger) sendShuffle(proc *process.Process, producerID int32, bat *batch.Batch) error {
	start := time.Now()
	parts, err := e.router.RouteBatch(bat, e.routeBufs[producerID])
	e.ss.stats.hashNs.Add(time.Since(start).Nanoseconds())
	if err != nil {
		return err
	}
	e.routeBufs[producerID] = parts
	sels := e.producerSels(producerID)
	for i, p := range parts {
		sels[p] = append(sels[p], int64(i))
	}
	for p := int32(0); p < e.ss.cfg.PartitionCount; p++ {
		if len(sels[p]) == 0 {
			continue
		}
		sub, err := e.sliceBatch(proc, bat, sels[p])
		if err != nil {
			return err
		}
		e.pend(producerID, p, sub)
	}
	return nil
}

func (e *Exchanger) sendPassthrough(proc *process.Process, producerID int32, bat *batch.Batch) error {
	dup, err := bat.Dup(proc.Mp())
	if err != nil {
		return err
	}
	e.pend(producerID, producerID%e.ss.cfg.PartitionCount, dup)
	return nil
}

// sendBroadcast clones once and hands every partition a reference to the
// same batch. Consumers only read it; each Clean drops one reference.
func (e *Exchanger) sendBroadcast(proc *process.Process, producerID int32, bat *batch.Batch) error {
	n := e.ss.cfg.PartitionCount
	dup, err := bat.Dup(proc.Mp())
	if err != nil {
		return err
	}
	if n > 1 {
		dup.AddCnt(int(n) - 1)
	}
	for p := int32(0); p < n; p++ {
		e.pend(producerID, p, dup)
	}
	return nil
}

func (e *Exchanger) sendToOne(proc *process.Process, producerID int32, bat *batch.Batch) error {
	dup, err := bat.Dup(proc.Mp())
	if err != nil {
		return err
	}
	e.pend(producerID, 0, dup)
	return nil
}

// sendAdaptive is passthrough until the skew monitor trips, then shuffle
// forever. The flip is a single compare-and-swap on the shared state so
// every producer observes the same strategy from that point on.
func (e *Exchanger) sendAdaptive(proc *process.Process, producerID int32, bat *batch.Batch) error {
	if e.ss.mode.Load() == modeShuffle {
		return e.sendShuffle(proc, producerID, bat)
	}
	if e.monitor.observe(e, bat) {
		if e.ss.mode.CompareAndSwap(modePassthrough, modeShuffle) {
			e.ss.stats.switches.Add(1)
			logutil.Infof("local exchange switched to shuffle: %s", e.monitor.reason())
		}
		return e.sendShuffle(proc, producerID, bat)
	}
	return e.sendPassthrough(proc, producerID, bat)
}

func (e *Exchanger) producerSels(producerID int32) [][]int64 {
	sels := e.selBufs[producerID]
	if sels == nil {
		sels = make([][]int64, e.ss.cfg.PartitionCount)
		e.selBufs[producerID] = sels
	}
	for p := range sels {
		sels[p] = sels[p][:0]
	}
	return sels
}

func (e *Exchanger) sliceBatch(proc *process.Process, bat *batch.Batch, sels []int64) (*batch.Batch, error) {
	sub := batch.NewWithSize(len(bat.Vecs))
	sub.SetAttributes(bat.Attrs)
	for i, vec := range bat.Vecs {
		nv := vector.NewVector(*vec.GetType())
		if err := nv.Union(vec, sels, proc.Mp()); err != nil {
			nv.Free(proc.Mp())
			sub.Clean(proc.Mp())
			return nil, err
		}
		sub.Vecs[i] = nv
	}
	sub.SetRowCount(len(sels))
	return sub, nil
}
