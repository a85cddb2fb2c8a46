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

package mpool

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/axiondb/axion/pkg/common/axerr"
)

// Mpool is a counting allocator over Go-managed memory.  It does not
// own the bytes -- the GC does -- but every Alloc/Free pair keeps the
// pool's accounting exact, so a capacity can be enforced and leaks show
// up as a nonzero CurrNB at teardown.  Small allocations are absorbed
// by per-size-class pools.

const (
	kMemHdrSz = 16
	// PB, truly no limit
	PB = 1 << 50
	// MaxAllocSize bounds a single allocation
	MaxAllocSize = 1 << 40

	NumFixedPool = 8
)

// Fixed pool classes, from 64 bytes to 8K.
var poolSizes = [NumFixedPool]int32{64, 128, 256, 512, 1024, 2048, 4096, 8192}

const (
	NoFixed = 1
)

type memHdr struct {
	poolId       int64
	allocSz      int32
	fixedPoolIdx int8
	guard        [3]uint8
}

func (pHdr *memHdr) SetGuard() {
	pHdr.guard[0] = 0xDE
	pHdr.guard[1] = 0xAD
	pHdr.guard[2] = 0xBF
}

func (pHdr *memHdr) CheckGuard() bool {
	return pHdr.guard[0] == 0xDE && pHdr.guard[1] == 0xAD && pHdr.guard[2] == 0xBF
}

type MPoolStats struct {
	NumAlloc      atomic.Int64
	NumFree       atomic.Int64
	NumCurrBytes  atomic.Int64
	HighWaterMark atomic.Int64
}

func (s *MPoolStats) RecordAlloc(sz int64) int64 {
	s.NumAlloc.Add(1)
	curr := s.NumCurrBytes.Add(sz)
	for {
		hwm := s.HighWaterMark.Load()
		if curr <= hwm {
			break
		}
		if s.HighWaterMark.CompareAndSwap(hwm, curr) {
			break
		}
	}
	return curr
}

func (s *MPoolStats) RecordFree(sz int64) int64 {
	s.NumFree.Add(1)
	curr := s.NumCurrBytes.Add(-sz)
	if curr < 0 {
		panic(axerr.NewInternalErrorNoCtx("mpool freed more bytes than allocated"))
	}
	return curr
}

func (s *MPoolStats) MarshalJSON() ([]byte, error) {
	type display struct {
		NumAlloc      int64 `json:"numAlloc"`
		NumFree       int64 `json:"numFree"`
		NumCurrBytes  int64 `json:"numCurrBytes"`
		HighWaterMark int64 `json:"highWaterMark"`
	}
	return json.Marshal(display{
		NumAlloc:      s.NumAlloc.Load(),
		NumFree:       s.NumFree.Load(),
		NumCurrBytes:  s.NumCurrBytes.Load(),
		HighWaterMark: s.HighWaterMark.Load(),
	})
}

type fixedPool struct {
	pools [NumFixedPool]sync.Pool
}

func (fp *fixedPool) classOf(sz int) int {
	for i := 0; i < NumFixedPool; i++ {
		if sz <= int(poolSizes[i]) {
			return i
		}
	}
	return -1
}

type MPool struct {
	id      int64
	tag     string
	cap     int64
	noFixed bool
	fp      fixedPool
	stats   MPoolStats

	// details, optional accounting of alloc call sites
	detailed atomic.Bool
}

var nextPoolId atomic.Int64
var globalStats MPoolStats
var globalCap atomic.Int64
var globalPools sync.Map

func InitCap(cap int64) {
	if cap <= 0 {
		cap = PB
	}
	globalCap.Store(cap)
}

// NewMPool creates a pool.  cap <= 0 means unbounded.
func NewMPool(tag string, cap int64, flag int) (*MPool, error) {
	if cap > 0 {
		gcap := GlobalCap()
		if cap > gcap {
			return nil, axerr.NewInvalidArgNoCtx("mpool cap", cap)
		}
	}

	m := &MPool{
		id:      nextPoolId.Add(1),
		tag:     tag,
		cap:     cap,
		noFixed: flag&NoFixed != 0,
	}
	globalPools.Store(m.id, m)
	return m, nil
}

func MustNew(tag string) *MPool {
	m, err := NewMPool(tag, 0, 0)
	if err != nil {
		panic(err)
	}
	return m
}

func MustNewZero() *MPool {
	return MustNew("must_new_zero")
}

func MustNewNoFixed(tag string) *MPool {
	m, err := NewMPool(tag, 0, NoFixed)
	if err != nil {
		panic(err)
	}
	return m
}

func DeleteMPool(m *MPool) {
	if m == nil {
		return
	}
	globalPools.Delete(m.id)
	m.destroy()
}

func (m *MPool) destroy() {
	if m.stats.NumAlloc.Load() < m.stats.NumFree.Load() {
		logOrPanic("mpool double free detected at destroy")
	}
	// Undo the pool's live bytes from the global accounting.
	if curr := m.stats.NumCurrBytes.Load(); curr != 0 {
		globalStats.NumCurrBytes.Add(-curr)
	}
}

func logOrPanic(msg string) {
	panic(axerr.NewInternalErrorNoCtx(msg))
}

func (m *MPool) Tag() string {
	return m.tag
}

func (m *MPool) Cap() int64 {
	if m.cap <= 0 {
		return PB
	}
	return m.cap
}

func GlobalCap() int64 {
	if c := globalCap.Load(); c > 0 {
		return c
	}
	return PB
}

func (m *MPool) CurrNB() int64 {
	return m.stats.NumCurrBytes.Load()
}

func (m *MPool) Stats() *MPoolStats {
	return &m.stats
}

func GlobalStats() *MPoolStats {
	return &globalStats
}

func (m *MPool) EnableDetailRecording() {
	m.detailed.Store(true)
}

// Alloc allocates sz zeroed bytes.
func (m *MPool) Alloc(sz int) ([]byte, error) {
	if sz < 0 || sz > MaxAllocSize {
		return nil, axerr.NewOutOfRangeNoCtx("mpool alloc size %d", sz)
	}
	if sz == 0 {
		return nil, nil
	}

	curr := m.stats.RecordAlloc(int64(sz))
	if curr > m.Cap() {
		m.stats.RecordFree(int64(sz))
		return nil, axerr.NewOOMNoCtx()
	}
	gcurr := globalStats.RecordAlloc(int64(sz))
	if gcurr > GlobalCap() {
		m.stats.RecordFree(int64(sz))
		globalStats.RecordFree(int64(sz))
		return nil, axerr.NewOOMNoCtx()
	}

	idx := -1
	if !m.noFixed {
		idx = m.fp.classOf(sz)
	}

	var raw []byte
	if idx >= 0 {
		if pooled, ok := m.fp.pools[idx].Get().([]byte); ok && pooled != nil {
			raw = pooled
			data := raw[kMemHdrSz:]
			for i := range data {
				data[i] = 0
			}
		} else {
			raw = make([]byte, kMemHdrSz+int(poolSizes[idx]))
		}
	} else {
		raw = make([]byte, kMemHdrSz+sz)
	}

	pHdr := (*memHdr)(unsafe.Pointer(&raw[0]))
	pHdr.poolId = m.id
	pHdr.allocSz = int32(sz)
	pHdr.fixedPoolIdx = int8(idx)
	pHdr.SetGuard()
	return raw[kMemHdrSz : kMemHdrSz+sz : len(raw)], nil
}

// Free returns bytes obtained from Alloc.  Freeing nil or a zero
// length slice is a noop.
func (m *MPool) Free(bs []byte) {
	if len(bs) == 0 {
		return
	}

	pHdr := (*memHdr)(unsafe.Add(unsafe.Pointer(&bs[0]), -kMemHdrSz))
	if !pHdr.CheckGuard() {
		logOrPanic("mpool free of invalid or corrupted pointer")
	}
	if pHdr.poolId != m.id {
		logOrPanic("mpool free of pointer from a different pool")
	}
	sz := atomic.SwapInt32(&pHdr.allocSz, -1)
	if sz < 0 {
		logOrPanic("mpool double free")
	}

	m.stats.RecordFree(int64(sz))
	globalStats.RecordFree(int64(sz))

	if idx := pHdr.fixedPoolIdx; idx >= 0 {
		raw := unsafe.Slice((*byte)(unsafe.Pointer(pHdr)), kMemHdrSz+int(poolSizes[idx]))
		m.fp.pools[idx].Put(raw)
	}
}

// Realloc grows an allocation, copying and freeing the old bytes.
func (m *MPool) Realloc(old []byte, sz int) ([]byte, error) {
	if sz <= len(old) {
		return old[:sz], nil
	}
	bs, err := m.Alloc(sz)
	if err != nil {
		return nil, err
	}
	copy(bs, old)
	m.Free(old)
	return bs, nil
}

// Grow is Realloc with a growth schedule; the returned slice may be
// longer than sz and its full length is usable.
func (m *MPool) Grow(old []byte, sz int) ([]byte, error) {
	if sz < len(old) {
		return nil, axerr.NewInternalErrorNoCtx("mpool grow actually shrinks, %d, %d", len(old), sz)
	}
	if sz <= len(old) {
		return old, nil
	}
	newCap := calcNextCap(len(old), sz)
	bs, err := m.Alloc(newCap)
	if err != nil {
		return nil, err
	}
	copy(bs, old)
	m.Free(old)
	return bs, nil
}

func calcNextCap(curr, need int) int {
	if curr <= 0 {
		curr = 64
	}
	for curr < need {
		if curr < 1024 {
			curr *= 2
		} else {
			curr += curr / 2
		}
	}
	return curr
}

type poolUsage struct {
	Tag           string `json:"tag"`
	NumAlloc      int64  `json:"numAlloc"`
	NumFree       int64  `json:"numFree"`
	NumCurrBytes  int64  `json:"numCurrBytes"`
	HighWaterMark int64  `json:"highWaterMark"`
}

// ReportMemUsage renders pool accounting as json.  tag "" reports every
// live pool, "global" the process-wide counters, anything else a single
// pool.
func ReportMemUsage(tag string) string {
	var usages []poolUsage

	add := func(t string, s *MPoolStats) {
		usages = append(usages, poolUsage{
			Tag:           t,
			NumAlloc:      s.NumAlloc.Load(),
			NumFree:       s.NumFree.Load(),
			NumCurrBytes:  s.NumCurrBytes.Load(),
			HighWaterMark: s.HighWaterMark.Load(),
		})
	}

	if tag == "global" {
		add("global", &globalStats)
	} else {
		globalPools.Range(func(_, v any) bool {
			m := v.(*MPool)
			if tag == "" || m.tag == tag {
				add(m.tag, &m.stats)
			}
			return true
		})
	}

	bs, err := json.Marshal(usages)
	if err != nil {
		return err.Error()
	}
	return string(bs)
}
