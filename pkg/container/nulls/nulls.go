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

// Package nulls wraps the roaring bitmap library for the manipulation
// of a column's NULL set.  Axion stores the NULL rows of every column
// vector as a Nulls.
package nulls

import (
	"fmt"

	roaring "github.com/RoaringBitmap/roaring/roaring64"
)

// Or performs union operation on Nulls nsp,m and stores the result in r.
func Or(nsp, m, r *Nulls) {
	if !nsp.Any() && !m.Any() {
		r.Np = nil
		return
	}
	r.Np = roaring.New()
	if nsp.Any() {
		r.Np.Or(nsp.Np)
	}
	if m.Any() {
		r.Np.Or(m.Np)
	}
}

func Reset(nsp *Nulls) {
	if nsp != nil && nsp.Np != nil {
		nsp.Np.Clear()
	}
}

func NewWithSize(_ int) *Nulls {
	// the bitmap sizes itself; the hint is kept for call-site symmetry
	return &Nulls{Np: roaring.New()}
}

func Build(size int, rows ...uint64) *Nulls {
	nsp := NewWithSize(size)
	Add(nsp, rows...)
	return nsp
}

// Any returns true if any bit in the Nulls is set, otherwise it will return false.
func Any(nsp *Nulls) bool {
	return nsp.Any()
}

// Size estimates the memory usage of the Nulls.
func Size(nsp *Nulls) int {
	if nsp == nil || nsp.Np == nil {
		return 0
	}
	return int(nsp.Np.GetSizeInBytes())
}

// Length returns the number of integers contained in the Nulls.
func Length(nsp *Nulls) int {
	return nsp.Count()
}

func String(nsp *Nulls) string {
	if nsp == nil || nsp.Np == nil {
		return "[]"
	}
	return fmt.Sprintf("%v", nsp.Np.ToArray())
}

// Contains returns true if the integer is contained in the Nulls.
func Contains(nsp *Nulls, row uint64) bool {
	return nsp.Contains(row)
}

func Add(nsp *Nulls, rows ...uint64) {
	if nsp == nil || len(rows) == 0 {
		return
	}
	if nsp.Np == nil {
		nsp.Np = roaring.New()
	}
	nsp.Np.AddMany(rows)
}

// AddRange adds [start, end) to the Nulls.
func AddRange(nsp *Nulls, start, end uint64) {
	if nsp.Np == nil {
		nsp.Np = roaring.New()
	}
	nsp.Np.AddRange(start, end)
}

func Del(nsp *Nulls, rows ...uint64) {
	if nsp == nil || nsp.Np == nil {
		return
	}
	for _, row := range rows {
		nsp.Np.Remove(row)
	}
}

// Set performs union operation on Nulls nsp,m and stores the result in nsp.
func Set(nsp, m *Nulls) {
	if m != nil && m.Np != nil {
		if nsp.Np == nil {
			nsp.Np = roaring.New()
		}
		nsp.Np.Or(m.Np)
	}
}

// FilterCount returns the number of rows in sels that are null in nsp.
func FilterCount(nsp *Nulls, sels []int64) int {
	var cnt int

	if nsp == nil || nsp.Np == nil || len(sels) == 0 {
		return cnt
	}
	for _, sel := range sels {
		if sel >= 0 && nsp.Np.Contains(uint64(sel)) {
			cnt++
		}
	}
	return cnt
}

// RemoveRange removes [start, end) from the Nulls.
func RemoveRange(nsp *Nulls, start, end uint64) {
	if nsp != nil && nsp.Np != nil {
		nsp.Np.RemoveRange(start, end)
	}
}

// Range adds the rows of nsp in [start, end), shifted down by bias, to
// m and returns m.
func Range(nsp *Nulls, start, end, bias uint64, m *Nulls) *Nulls {
	if nsp == nil || nsp.Np == nil {
		return m
	}
	if m.Np == nil {
		m.Np = roaring.New()
	}
	for ; start < end; start++ {
		if nsp.Np.Contains(start) {
			m.Np.Add(start - bias)
		}
	}
	return m
}

// Filter reindexes nsp through the selection vector: row sels[i] of the
// old null set becomes row i of the new one.  With negate, sels lists
// the rows to drop instead.
func Filter(nsp *Nulls, sels []int64, negate bool) *Nulls {
	if nsp == nil || nsp.Np == nil || len(sels) == 0 {
		return nsp
	}

	if negate {
		drop := roaring.New()
		for _, sel := range sels {
			drop.Add(uint64(sel))
		}
		np := roaring.New()
		newIdx := uint64(0)
		if !nsp.Np.IsEmpty() {
			oldLen := nsp.Np.Maximum() + 1
			for oldIdx := uint64(0); oldIdx < oldLen; oldIdx++ {
				if drop.Contains(oldIdx) {
					continue
				}
				if nsp.Np.Contains(oldIdx) {
					np.Add(newIdx)
				}
				newIdx++
			}
		}
		nsp.Np = np
		return nsp
	}

	np := roaring.New()
	for i, sel := range sels {
		if nsp.Np.Contains(uint64(sel)) {
			np.Add(uint64(i))
		}
	}
	nsp.Np = np
	return nsp
}
