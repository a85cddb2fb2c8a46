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

package types

import (
	"encoding/binary"

	"github.com/axiondb/axion/pkg/common/mpool"
)

// Varlena is the fixed 24 byte header of a var-length value.  Values of
// up to VarlenaInlineSize bytes are stored inline, byte 0 holding the
// length.  Longer values live in the vector's area; byte 0 is then
// VarlenaBigHdr and bytes 4..12 hold the little-endian offset and
// length into the area.
type Varlena [VarlenaSize]byte

const (
	VarlenaInlineSize = 23
	VarlenaSize       = 24
	VarlenaBigHdr     = 0xff

	// MaxVarlenaLen bounds one var-length value; a column cell larger
	// than this is a malformed input upstream of the engine.
	MaxVarlenaLen = 1 << 30
)

func (v *Varlena) IsSmall() bool {
	return v[0] <= VarlenaInlineSize
}

// SetByteSlice stores a small value inline.  The caller must have
// checked len(bs) <= VarlenaInlineSize.
func (v *Varlena) SetByteSlice(bs []byte) {
	v[0] = byte(len(bs))
	copy(v[1:], bs)
}

func (v *Varlena) SetOffsetLen(voff, vlen uint32) {
	v[0] = VarlenaBigHdr
	binary.LittleEndian.PutUint32(v[4:8], voff)
	binary.LittleEndian.PutUint32(v[8:12], vlen)
}

func (v *Varlena) OffsetLen() (uint32, uint32) {
	return binary.LittleEndian.Uint32(v[4:8]), binary.LittleEndian.Uint32(v[8:12])
}

func (v *Varlena) ByteSlice() []byte {
	return v[1 : 1+v[0]]
}

func (v *Varlena) GetByteSlice(area []byte) []byte {
	if v.IsSmall() {
		return v[1 : 1+v[0]]
	}
	voff, vlen := v.OffsetLen()
	return area[voff : voff+vlen]
}

func (v *Varlena) GetString(area []byte) string {
	return string(v.GetByteSlice(area))
}

func (v *Varlena) Len(area []byte) int {
	if v.IsSmall() {
		return int(v[0])
	}
	_, vlen := v.OffsetLen()
	return int(vlen)
}

func (v *Varlena) Reset() {
	var vzero Varlena
	*v = vzero
}

// BuildVarlena encodes bs against area, spilling values longer than the
// inline budget into it, and returns the possibly grown area.  The used
// part of an area is its length; a grown area keeps the same offsets,
// so headers built earlier stay valid.  With a nil pool the area grows
// as a plain Go slice; an area must stay either pool-owned or plain for
// its whole life.
func BuildVarlena(bs []byte, area []byte, m *mpool.MPool) (Varlena, []byte, error) {
	var v Varlena
	vlen := len(bs)
	if vlen <= VarlenaInlineSize {
		v[0] = byte(vlen)
		copy(v[1:1+vlen], bs)
		return v, area, nil
	}
	voff := len(area)
	if voff+vlen <= cap(area) || m == nil {
		area = append(area, bs...)
	} else {
		grown, err := m.Grow(area, voff+vlen)
		if err != nil {
			return v, nil, err
		}
		area = append(grown[:voff], bs...)
	}
	v.SetOffsetLen(uint32(voff), uint32(vlen))
	return v, area, nil
}
