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

package vector

import (
	"fmt"
	"unsafe"

	"github.com/axiondb/axion/pkg/common/axerr"
	"github.com/axiondb/axion/pkg/common/mpool"
	"github.com/axiondb/axion/pkg/container/nulls"
	"github.com/axiondb/axion/pkg/container/types"
)

const (
	// FLAT is an uncompressed vector of length elements
	FLAT = iota
	// CONSTANT repeats a single payload element length times
	CONSTANT
)

// Vector represents a column.  data holds the fixed-width elements,
// the var-length headers included; area holds spilled var-length
// payloads.  col is the typed view over data, rebuilt whenever data
// moves.
type Vector struct {
	class int
	typ   types.Type
	nsp   *nulls.Nulls

	col  any
	data []byte
	area []byte

	capacity int
	length   int
}

func NewVector(typ types.Type) *Vector {
	return &Vector{
		typ:   typ,
		class: FLAT,
		nsp:   &nulls.Nulls{},
	}
}

func NewConstNull(typ types.Type, length int, m *mpool.MPool) *Vector {
	vec := &Vector{
		typ:   typ,
		class: CONSTANT,
		nsp:   &nulls.Nulls{},
	}
	if length > 0 {
		SetConstNull(vec, length, m)
	}
	return vec
}

func NewConst[T types.FixedSizeTExceptStrType](typ types.Type, val T, length int, m *mpool.MPool) (*Vector, error) {
	vec := &Vector{
		typ:   typ,
		class: CONSTANT,
		nsp:   &nulls.Nulls{},
	}
	if length > 0 {
		if err := SetConst(vec, val, length, m); err != nil {
			return nil, err
		}
	}
	return vec, nil
}

func NewConstBytes(typ types.Type, val []byte, length int, m *mpool.MPool) (*Vector, error) {
	vec := &Vector{
		typ:   typ,
		class: CONSTANT,
		nsp:   &nulls.Nulls{},
	}
	if length > 0 {
		if err := SetConstBytes(vec, val, length, m); err != nil {
			return nil, err
		}
	}
	return vec, nil
}

func (v *Vector) IsConst() bool {
	return v.class == CONSTANT
}

// IsConstNull reports a scalar NULL, e.g. the right side of a + NULL.
func (v *Vector) IsConstNull() bool {
	return v.IsConst() && nulls.Contains(v.nsp, 0)
}

func (v *Vector) SetClass(class int) {
	v.class = class
}

func (v *Vector) Length() int {
	return v.length
}

func (v *Vector) SetLength(n int) {
	v.length = n
}

func (v *Vector) Capacity() int {
	return v.capacity
}

// Size of the held memory.  Only meaningful for approximate accounting.
func (v *Vector) Size() int {
	return v.length*v.typ.TypeSize() + len(v.area)
}

func (v *Vector) GetType() *types.Type {
	return &v.typ
}

func (v *Vector) SetType(typ types.Type) {
	v.typ = typ
}

func (v *Vector) GetNulls() *nulls.Nulls {
	return v.nsp
}

func (v *Vector) SetNulls(nsp *nulls.Nulls) {
	v.nsp = nsp
}

func (v *Vector) GetArea() []byte {
	return v.area
}

func (v *Vector) UnsafeGetRawData() []byte {
	length := 1
	if !v.IsConst() {
		length = v.length
	}
	return v.data[:length*v.typ.TypeSize()]
}

func (v *Vector) GetBytes(i int) []byte {
	if v.IsConst() {
		i = 0
	}
	bs := v.col.([]types.Varlena)
	return bs[i].GetByteSlice(v.area)
}

func (v *Vector) GetString(i int) string {
	if v.IsConst() {
		i = 0
	}
	bs := v.col.([]types.Varlena)
	return bs[i].GetString(v.area)
}

// DecodeFixedCol views the whole allocation of v as []T.
func DecodeFixedCol[T types.FixedSizeT](v *Vector) []T {
	sz := v.typ.TypeSize()
	if len(v.data) >= sz {
		return unsafe.Slice((*T)(unsafe.Pointer(&v.data[0])), len(v.data)/sz)
	}
	return nil
}

// MustTCols returns the typed column of v.  For a flat vector the view
// covers exactly the length elements; a const vector yields its single
// payload element.  A wrong T panics.
func MustTCols[T types.FixedSizeT](v *Vector) []T {
	if v.col == nil {
		return nil
	}
	col := v.col.([]T)
	if v.class == CONSTANT {
		if len(col) > 1 {
			return col[:1]
		}
		return col
	}
	return col[:v.length]
}

// MustBytesCols materializes the var-length column as byte slices
// pointing into the vector's memory.
func MustBytesCols(v *Vector) [][]byte {
	varcol := MustTCols[types.Varlena](v)
	ret := make([][]byte, len(varcol))
	for i := range varcol {
		ret[i] = varcol[i].GetByteSlice(v.area)
	}
	return ret
}

// MustStrCols materializes the var-length column as strings.
func MustStrCols(v *Vector) []string {
	varcol := MustTCols[types.Varlena](v)
	ret := make([]string, len(varcol))
	for i := range varcol {
		ret[i] = varcol[i].GetString(v.area)
	}
	return ret
}

func SetTAt[T types.FixedSizeT](v *Vector, idx int, t T) error {
	col := MustTCols[T](v)
	if idx < 0 {
		idx = len(col) + idx
	}
	if idx < 0 || idx >= len(col) {
		return axerr.NewInvalidArgNoCtx("vector idx", idx)
	}
	col[idx] = t
	return nil
}

func SetBytesAt(v *Vector, idx int, bs []byte, m *mpool.MPool) error {
	var va types.Varlena
	var err error
	va, v.area, err = types.BuildVarlena(bs, v.area, m)
	if err != nil {
		return err
	}
	return SetTAt(v, idx, va)
}

func SetStringAt(v *Vector, idx int, bs string, m *mpool.MPool) error {
	return SetBytesAt(v, idx, []byte(bs), m)
}

func (v *Vector) Free(m *mpool.MPool) {
	m.Free(v.data)
	m.Free(v.area)
	v.col = nil
	v.data = nil
	v.area = nil
	v.capacity = 0
}

// CleanOnlyData empties the vector but keeps its buffers so it can be
// refilled in place.
func (v *Vector) CleanOnlyData() {
	if v.data != nil {
		v.length = 0
	}
	if v.area != nil {
		v.area = v.area[:0]
	}
	nulls.Reset(v.nsp)
}

// PreExtend grows the capacity so rows more elements fit without
// another allocation.
func (v *Vector) PreExtend(rows int, mp *mpool.MPool) error {
	if v.class == CONSTANT {
		return nil
	}
	return extend(v, rows, mp)
}

// Dup deep-copies v, its nulls and area included.
func (v *Vector) Dup(m *mpool.MPool) (*Vector, error) {
	if v.IsConstNull() {
		return NewConstNull(v.typ, v.Length(), m), nil
	}

	w := &Vector{
		class: v.class,
		typ:   v.typ,
		nsp:   v.nsp.Clone(),
	}

	rows := v.length
	if v.IsConst() {
		rows = 1
	}
	if rows > 0 {
		if err := extend(w, rows, m); err != nil {
			return nil, err
		}
		copy(w.data, v.data[:rows*v.typ.TypeSize()])
	}
	w.length = v.length

	if len(v.area) > 0 {
		area, err := m.Alloc(len(v.area))
		if err != nil {
			w.Free(m)
			return nil, err
		}
		copy(area, v.area)
		w.area = area
	}
	return w, nil
}

// Shrink keeps the rows listed in sels, which must be ordered.  The
// area is left as is; surviving headers keep pointing into it.
func (v *Vector) Shrink(sels []int64) {
	if v.class == FLAT {
		switch v.typ.Oid {
		case types.T_bool:
			shrinkFixed[bool](v, sels)
		case types.T_int8:
			shrinkFixed[int8](v, sels)
		case types.T_int16:
			shrinkFixed[int16](v, sels)
		case types.T_int32:
			shrinkFixed[int32](v, sels)
		case types.T_int64:
			shrinkFixed[int64](v, sels)
		case types.T_uint8:
			shrinkFixed[uint8](v, sels)
		case types.T_uint16:
			shrinkFixed[uint16](v, sels)
		case types.T_uint32:
			shrinkFixed[uint32](v, sels)
		case types.T_uint64:
			shrinkFixed[uint64](v, sels)
		case types.T_float32:
			shrinkFixed[float32](v, sels)
		case types.T_float64:
			shrinkFixed[float64](v, sels)
		case types.T_char, types.T_varchar:
			shrinkFixed[types.Varlena](v, sels)
		default:
			panic(fmt.Sprintf("unexpect type %s for function vector.Shrink", v.typ))
		}
	}
	v.length = len(sels)
}

// Shuffle rebuilds v from the rows listed in sels, which may repeat
// and arrive in any order.
func (v *Vector) Shuffle(sels []int64, m *mpool.MPool) error {
	if v.class != FLAT {
		return nil
	}
	switch v.typ.Oid {
	case types.T_bool:
		return shuffleFixed[bool](v, sels, m)
	case types.T_int8:
		return shuffleFixed[int8](v, sels, m)
	case types.T_int16:
		return shuffleFixed[int16](v, sels, m)
	case types.T_int32:
		return shuffleFixed[int32](v, sels, m)
	case types.T_int64:
		return shuffleFixed[int64](v, sels, m)
	case types.T_uint8:
		return shuffleFixed[uint8](v, sels, m)
	case types.T_uint16:
		return shuffleFixed[uint16](v, sels, m)
	case types.T_uint32:
		return shuffleFixed[uint32](v, sels, m)
	case types.T_uint64:
		return shuffleFixed[uint64](v, sels, m)
	case types.T_float32:
		return shuffleFixed[float32](v, sels, m)
	case types.T_float64:
		return shuffleFixed[float64](v, sels, m)
	case types.T_char, types.T_varchar:
		return shuffleFixed[types.Varlena](v, sels, m)
	default:
		panic(fmt.Sprintf("unexpect type %s for function vector.Shuffle", v.typ))
	}
}

// Copy does v[vi] = w[wi] for vectors of the same type.  Null flags are
// the caller's business.
func (v *Vector) Copy(w *Vector, vi, wi int64, m *mpool.MPool) error {
	if w.class == CONSTANT {
		wi = 0
	}
	if v.typ.IsFixedLen() {
		sz := int64(v.typ.TypeSize())
		copy(v.data[vi*sz:(vi+1)*sz], w.data[wi*sz:(wi+1)*sz])
		return nil
	}
	var err error
	vva := v.col.([]types.Varlena)
	wva := w.col.([]types.Varlena)
	if wva[wi].IsSmall() {
		vva[vi] = wva[wi]
	} else {
		bs := wva[wi].GetByteSlice(w.area)
		vva[vi], v.area, err = types.BuildVarlena(bs, v.area, m)
		if err != nil {
			return err
		}
	}
	return nil
}

// UnionOne appends row sel of w.  It is simply append; the purpose of
// retention is ease of use.
func (v *Vector) UnionOne(w *Vector, sel int64, mp *mpool.MPool) error {
	if w.class == CONSTANT {
		sel = 0
	}

	if w.nsp.Contains(uint64(sel)) {
		return Append(v, 0, true, mp)
	}

	switch v.typ.Oid {
	case types.T_bool:
		return Append(v, MustTCols[bool](w)[sel], false, mp)
	case types.T_int8:
		return Append(v, MustTCols[int8](w)[sel], false, mp)
	case types.T_int16:
		return Append(v, MustTCols[int16](w)[sel], false, mp)
	case types.T_int32:
		return Append(v, MustTCols[int32](w)[sel], false, mp)
	case types.T_int64:
		return Append(v, MustTCols[int64](w)[sel], false, mp)
	case types.T_uint8:
		return Append(v, MustTCols[uint8](w)[sel], false, mp)
	case types.T_uint16:
		return Append(v, MustTCols[uint16](w)[sel], false, mp)
	case types.T_uint32:
		return Append(v, MustTCols[uint32](w)[sel], false, mp)
	case types.T_uint64:
		return Append(v, MustTCols[uint64](w)[sel], false, mp)
	case types.T_float32:
		return Append(v, MustTCols[float32](w)[sel], false, mp)
	case types.T_float64:
		return Append(v, MustTCols[float64](w)[sel], false, mp)
	case types.T_char, types.T_varchar:
		ws := MustTCols[types.Varlena](w)
		return AppendBytes(v, ws[sel].GetByteSlice(w.area), false, mp)
	default:
		panic(fmt.Sprintf("unexpect type %s for function vector.UnionOne", v.typ))
	}
}

// Union appends the rows of w listed in sels.
func (v *Vector) Union(w *Vector, sels []int64, mp *mpool.MPool) error {
	if err := v.PreExtend(len(sels), mp); err != nil {
		return err
	}
	for i := range sels {
		if err := v.UnionOne(w, sels[i], mp); err != nil {
			return err
		}
	}
	return nil
}

// UnionBatch appends the rows [offset, offset+cnt) of w whose flag is
// set.  nil flags take the whole range.
func UnionBatch(v, w *Vector, offset int64, cnt int, flags []uint8, m *mpool.MPool) error {
	if err := v.PreExtend(cnt, m); err != nil {
		return err
	}
	if flags == nil {
		for i := 0; i < cnt; i++ {
			if err := v.UnionOne(w, offset+int64(i), m); err != nil {
				return err
			}
		}
		return nil
	}
	for i := range flags {
		if flags[i] > 0 {
			if err := v.UnionOne(w, offset+int64(i), m); err != nil {
				return err
			}
		}
	}
	return nil
}

// String is used to visually display the vector, which is used to
// implement the Printf interface.
func (v *Vector) String() string {
	switch v.typ.Oid {
	case types.T_bool:
		return vecToString[bool](v)
	case types.T_int8:
		return vecToString[int8](v)
	case types.T_int16:
		return vecToString[int16](v)
	case types.T_int32:
		return vecToString[int32](v)
	case types.T_int64:
		return vecToString[int64](v)
	case types.T_uint8:
		return vecToString[uint8](v)
	case types.T_uint16:
		return vecToString[uint16](v)
	case types.T_uint32:
		return vecToString[uint32](v)
	case types.T_uint64:
		return vecToString[uint64](v)
	case types.T_float32:
		return vecToString[float32](v)
	case types.T_float64:
		return vecToString[float64](v)
	case types.T_char, types.T_varchar:
		col := MustStrCols(v)
		if len(col) == 1 {
			if nulls.Contains(v.nsp, 0) {
				return "null"
			}
			return col[0]
		}
		return fmt.Sprintf("%v-%s", col, v.nsp)
	default:
		panic("vec to string unknown types.")
	}
}

func SetConstNull(vec *Vector, length int, _ *mpool.MPool) error {
	nulls.Add(vec.nsp, 0)
	vec.SetLength(length)
	return nil
}

func SetConst[T types.FixedSizeTExceptStrType](vec *Vector, val T, length int, m *mpool.MPool) error {
	if vec.capacity == 0 {
		if err := extend(vec, 1, m); err != nil {
			return err
		}
	}
	col := vec.col.([]T)
	col[0] = val
	vec.SetLength(length)
	return nil
}

func SetConstBytes(vec *Vector, val []byte, length int, m *mpool.MPool) error {
	var err error
	var va types.Varlena

	if vec.capacity == 0 {
		if err := extend(vec, 1, m); err != nil {
			return err
		}
	}
	col := vec.col.([]types.Varlena)
	va, vec.area, err = types.BuildVarlena(val, vec.area, m)
	if err != nil {
		return err
	}
	col[0] = va
	vec.SetLength(length)
	return nil
}

func Append[T any](vec *Vector, val T, isNull bool, m *mpool.MPool) error {
	if m == nil {
		panic(axerr.NewInternalErrorNoCtx("vector append does not have a mpool"))
	}
	return appendOne(vec, val, isNull, m)
}

func AppendBytes(vec *Vector, val []byte, isNull bool, m *mpool.MPool) error {
	if m == nil {
		panic(axerr.NewInternalErrorNoCtx("vector append does not have a mpool"))
	}
	return appendOneBytes(vec, val, isNull, m)
}

func AppendString(vec *Vector, val string, isNull bool, m *mpool.MPool) error {
	return AppendBytes(vec, []byte(val), isNull, m)
}

func AppendList[T any](vec *Vector, ws []T, isNulls []bool, m *mpool.MPool) error {
	if m == nil {
		panic(axerr.NewInternalErrorNoCtx("vector append does not have a mpool"))
	}
	if len(ws) == 0 {
		return nil
	}
	return appendList(vec, ws, isNulls, m)
}

func AppendBytesList(vec *Vector, ws [][]byte, isNulls []bool, m *mpool.MPool) error {
	if m == nil {
		panic(axerr.NewInternalErrorNoCtx("vector append does not have a mpool"))
	}
	if len(ws) == 0 {
		return nil
	}
	return appendBytesList(vec, ws, isNulls, m)
}

func AppendStringList(vec *Vector, ws []string, isNulls []bool, m *mpool.MPool) error {
	if m == nil {
		panic(axerr.NewInternalErrorNoCtx("vector append does not have a mpool"))
	}
	if len(ws) == 0 {
		return nil
	}
	return appendStringList(vec, ws, isNulls, m)
}

func appendOne[T any](vec *Vector, val T, isNull bool, m *mpool.MPool) error {
	if err := extend(vec, 1, m); err != nil {
		return err
	}
	length := vec.length
	vec.length++
	if isNull {
		nulls.Add(vec.nsp, uint64(length))
	} else {
		col := vec.col.([]T)
		col[length] = val
	}
	return nil
}

func appendOneBytes(vec *Vector, val []byte, isNull bool, m *mpool.MPool) error {
	var err error
	var va types.Varlena

	if isNull {
		return appendOne(vec, va, true, m)
	}
	va, vec.area, err = types.BuildVarlena(val, vec.area, m)
	if err != nil {
		return err
	}
	return appendOne(vec, va, false, m)
}

func appendList[T any](vec *Vector, vals []T, isNulls []bool, m *mpool.MPool) error {
	if err := extend(vec, len(vals), m); err != nil {
		return err
	}
	length := vec.length
	vec.length += len(vals)
	col := vec.col.([]T)
	for i, w := range vals {
		if len(isNulls) > 0 && isNulls[i] {
			nulls.Add(vec.nsp, uint64(length+i))
		} else {
			col[length+i] = w
		}
	}
	return nil
}

func appendBytesList(vec *Vector, vals [][]byte, isNulls []bool, m *mpool.MPool) error {
	var err error
	var va types.Varlena

	if err = extend(vec, len(vals), m); err != nil {
		return err
	}
	length := vec.length
	vec.length += len(vals)
	col := vec.col.([]types.Varlena)
	for i, w := range vals {
		if len(isNulls) > 0 && isNulls[i] {
			nulls.Add(vec.nsp, uint64(length+i))
		} else {
			va, vec.area, err = types.BuildVarlena(w, vec.area, m)
			if err != nil {
				return err
			}
			col[length+i] = va
		}
	}
	return nil
}

func appendStringList(vec *Vector, vals []string, isNulls []bool, m *mpool.MPool) error {
	var err error
	var va types.Varlena

	if err = extend(vec, len(vals), m); err != nil {
		return err
	}
	length := vec.length
	vec.length += len(vals)
	col := vec.col.([]types.Varlena)
	for i, w := range vals {
		if len(isNulls) > 0 && isNulls[i] {
			nulls.Add(vec.nsp, uint64(length+i))
		} else {
			va, vec.area, err = types.BuildVarlena([]byte(w), vec.area, m)
			if err != nil {
				return err
			}
			col[length+i] = va
		}
	}
	return nil
}

func shrinkFixed[T types.FixedSizeT](v *Vector, sels []int64) {
	vs := MustTCols[T](v)
	for i, sel := range sels {
		vs[i] = vs[sel]
	}
	v.nsp = nulls.Filter(v.nsp, sels, false)
}

func shuffleFixed[T types.FixedSizeT](v *Vector, sels []int64, m *mpool.MPool) error {
	sz := v.typ.TypeSize()
	olddata := v.data
	vs := MustTCols[T](v)
	data, err := m.Alloc(len(sels) * sz)
	if err != nil {
		return err
	}
	v.data = data
	v.setupColFromData()
	ws := v.col.([]T)
	for i, sel := range sels {
		ws[i] = vs[sel]
	}
	v.nsp = nulls.Filter(v.nsp, sels, false)
	m.Free(olddata)
	v.length = len(sels)
	return nil
}

func vecToString[T types.FixedSizeT](v *Vector) string {
	col := MustTCols[T](v)
	if len(col) == 1 {
		if nulls.Contains(v.nsp, 0) {
			return "null"
		}
		return fmt.Sprintf("%v", col[0])
	}
	return fmt.Sprintf("%v-%s", col, v.nsp)
}

// extend makes room for rows more elements, moving data and refreshing
// the typed view if needed.  A const vector holds exactly its payload.
func extend(v *Vector, rows int, m *mpool.MPool) error {
	sz := v.typ.TypeSize()
	var need int
	if v.class == CONSTANT {
		need = rows * sz
	} else {
		need = (v.length + rows) * sz
	}
	if need <= len(v.data) {
		return nil
	}
	data, err := m.Grow(v.data, need)
	if err != nil {
		return err
	}
	v.data = data
	v.setupColFromData()
	return nil
}

func (v *Vector) setupColFromData() {
	if v.typ.IsVarlen() {
		v.col = DecodeFixedCol[types.Varlena](v)
	} else {
		switch v.typ.Oid {
		case types.T_bool:
			v.col = DecodeFixedCol[bool](v)
		case types.T_int8:
			v.col = DecodeFixedCol[int8](v)
		case types.T_int16:
			v.col = DecodeFixedCol[int16](v)
		case types.T_int32:
			v.col = DecodeFixedCol[int32](v)
		case types.T_int64:
			v.col = DecodeFixedCol[int64](v)
		case types.T_uint8:
			v.col = DecodeFixedCol[uint8](v)
		case types.T_uint16:
			v.col = DecodeFixedCol[uint16](v)
		case types.T_uint32:
			v.col = DecodeFixedCol[uint32](v)
		case types.T_uint64:
			v.col = DecodeFixedCol[uint64](v)
		case types.T_float32:
			v.col = DecodeFixedCol[float32](v)
		case types.T_float64:
			v.col = DecodeFixedCol[float64](v)
		default:
			panic(fmt.Sprintf("unexpect type %s for setupColFromData", v.typ))
		}
	}
	v.capacity = len(v.data) / v.typ.TypeSize()
}
