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
	"fmt"

	"golang.org/x/exp/constraints"
)

type T uint8

const (
	// T_any is the unknown type.
	T_any T = 0

	T_bool T = 10

	// numerics
	T_int8  T = 20
	T_int16 T = 21
	T_int32 T = 22
	T_int64 T = 23

	T_uint8  T = 25
	T_uint16 T = 26
	T_uint32 T = 27
	T_uint64 T = 28

	T_float32 T = 30
	T_float64 T = 31

	// variable length types
	T_char    T = 60
	T_varchar T = 61
)

// Type describes the type of a column.  Width and Scale only carry
// meaning for types that declare them; Size is the in-vector byte
// width of one element.
type Type struct {
	Oid   T
	Size  int32
	Width int32
	Scale int32
}

type OrderedT interface {
	constraints.Integer | constraints.Float
}

type FixedSizeTExceptStrType interface {
	bool | OrderedT
}

// FixedSizeT covers every value type a Vector stores at a fixed byte
// width, the var-length header included.
type FixedSizeT interface {
	FixedSizeTExceptStrType | Varlena
}

func New(oid T, width, scale int32) Type {
	var typ Type
	typ.Oid = oid
	typ.Size = int32(oid.TypeLen())
	typ.Width = width
	typ.Scale = scale
	return typ
}

func (t T) ToType() Type {
	var typ Type
	typ.Oid = t
	typ.Size = int32(t.TypeLen())
	switch t {
	case T_char:
		typ.Width = MaxCharLen
	case T_varchar:
		typ.Width = MaxVarcharLen
	}
	return typ
}

const (
	MaxCharLen    int32 = 255
	MaxVarcharLen int32 = 65535
)

// TypeLen returns the fixed storage width of one element, in bytes.
func (t T) TypeLen() int {
	switch t {
	case T_any:
		return 0
	case T_bool, T_int8, T_uint8:
		return 1
	case T_int16, T_uint16:
		return 2
	case T_int32, T_uint32, T_float32:
		return 4
	case T_int64, T_uint64, T_float64:
		return 8
	case T_char, T_varchar:
		return VarlenaSize
	}
	panic(fmt.Sprintf("unknown type %d", t))
}

func (t T) String() string {
	switch t {
	case T_any:
		return "ANY"
	case T_bool:
		return "BOOL"
	case T_int8:
		return "TINYINT"
	case T_int16:
		return "SMALLINT"
	case T_int32:
		return "INT"
	case T_int64:
		return "BIGINT"
	case T_uint8:
		return "TINYINT UNSIGNED"
	case T_uint16:
		return "SMALLINT UNSIGNED"
	case T_uint32:
		return "INT UNSIGNED"
	case T_uint64:
		return "BIGINT UNSIGNED"
	case T_float32:
		return "FLOAT"
	case T_float64:
		return "DOUBLE"
	case T_char:
		return "CHAR"
	case T_varchar:
		return "VARCHAR"
	}
	return fmt.Sprintf("unexpected type: %d", t)
}

func (t Type) TypeSize() int {
	return int(t.Size)
}

func (t Type) IsVarlen() bool {
	return t.Oid == T_char || t.Oid == T_varchar
}

func (t Type) IsFixedLen() bool {
	return !t.IsVarlen()
}

func (t Type) IsInt() bool {
	switch t.Oid {
	case T_int8, T_int16, T_int32, T_int64,
		T_uint8, T_uint16, T_uint32, T_uint64:
		return true
	default:
		return false
	}
}

func (t Type) IsFloat() bool {
	return t.Oid == T_float32 || t.Oid == T_float64
}

func (t Type) Eq(b Type) bool {
	return t.Oid == b.Oid && t.Size == b.Size && t.Width == b.Width && t.Scale == b.Scale
}

func (t Type) String() string {
	return t.Oid.String()
}

func (t Type) DescString() string {
	switch t.Oid {
	case T_char:
		return fmt.Sprintf("CHAR(%d)", t.Width)
	case T_varchar:
		return fmt.Sprintf("VARCHAR(%d)", t.Width)
	}
	return t.Oid.String()
}
