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

package testutil

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"

	"github.com/axiondb/axion/pkg/common/mpool"
	"github.com/axiondb/axion/pkg/container/batch"
	"github.com/axiondb/axion/pkg/container/types"
	"github.com/axiondb/axion/pkg/container/vector"
	"github.com/axiondb/axion/pkg/vm/process"
)

func NewProc() *process.Process {
	return process.New(context.TODO(), mpool.MustNewZero())
}

func NewProcWithMPool(mp *mpool.MPool) *process.Process {
	return process.New(context.TODO(), mp)
}

func NewBatch(ts []types.Type, random bool, n int, m *mpool.MPool) *batch.Batch {
	bat := batch.NewWithSize(len(ts))
	for i := range bat.Vecs {
		bat.Vecs[i] = NewVector(n, ts[i], m, random)
	}
	bat.SetRowCount(n)
	return bat
}

func NewVector(n int, typ types.Type, m *mpool.MPool, random bool) *vector.Vector {
	switch typ.Oid {
	case types.T_bool:
		return NewBoolVector(n, typ, m, random)
	case types.T_int8:
		return NewInt8Vector(n, typ, m, random)
	case types.T_int16:
		return NewInt16Vector(n, typ, m, random)
	case types.T_int32:
		return NewInt32Vector(n, typ, m, random)
	case types.T_int64:
		return NewInt64Vector(n, typ, m, random)
	case types.T_uint8:
		return NewUInt8Vector(n, typ, m, random)
	case types.T_uint16:
		return NewUInt16Vector(n, typ, m, random)
	case types.T_uint32:
		return NewUInt32Vector(n, typ, m, random)
	case types.T_uint64:
		return NewUInt64Vector(n, typ, m, random)
	case types.T_float32:
		return NewFloat32Vector(n, typ, m, random)
	case types.T_float64:
		return NewFloat64Vector(n, typ, m, random)
	case types.T_char, types.T_varchar:
		return NewStringVector(n, typ, m, random)
	default:
		panic(fmt.Errorf("unsupport vector's type '%v", typ))
	}
}

func NewBoolVector(n int, typ types.Type, m *mpool.MPool, random bool) *vector.Vector {
	vec := vector.NewVector(typ)
	for i := 0; i < n; i++ {
		if err := vector.Append(vec, bool(i%2 == 0), false, m); err != nil {
			vec.Free(m)
			return nil
		}
	}
	return vec
}

func NewInt8Vector(n int, typ types.Type, m *mpool.MPool, random bool) *vector.Vector {
	vec := vector.NewVector(typ)
	for i := 0; i < n; i++ {
		v := i
		if random {
			v = rand.Int()
		}
		if err := vector.Append(vec, int8(v), false, m); err != nil {
			vec.Free(m)
			return nil
		}
	}
	return vec
}

func NewInt16Vector(n int, typ types.Type, m *mpool.MPool, random bool) *vector.Vector {
	vec := vector.NewVector(typ)
	for i := 0; i < n; i++ {
		v := i
		if random {
			v = rand.Int()
		}
		if err := vector.Append(vec, int16(v), false, m); err != nil {
			vec.Free(m)
			return nil
		}
	}
	return vec
}

func NewInt32Vector(n int, typ types.Type, m *mpool.MPool, random bool) *vector.Vector {
	vec := vector.NewVector(typ)
	for i := 0; i < n; i++ {
		v := i
		if random {
			v = rand.Int()
		}
		if err := vector.Append(vec, int32(v), false, m); err != nil {
			vec.Free(m)
			return nil
		}
	}
	return vec
}

func NewInt64Vector(n int, typ types.Type, m *mpool.MPool, random bool) *vector.Vector {
	vec := vector.NewVector(typ)
	for i := 0; i < n; i++ {
		v := i
		if random {
			v = rand.Int()
		}
		if err := vector.Append(vec, int64(v), false, m); err != nil {
			vec.Free(m)
			return nil
		}
	}
	return vec
}

func NewUInt8Vector(n int, typ types.Type, m *mpool.MPool, random bool) *vector.Vector {
	vec := vector.NewVector(typ)
	for i := 0; i < n; i++ {
		v := i
		if random {
			v = rand.Int()
		}
		if err := vector.Append(vec, uint8(v), false, m); err != nil {
			vec.Free(m)
			return nil
		}
	}
	return vec
}

func NewUInt16Vector(n int, typ types.Type, m *mpool.MPool, random bool) *vector.Vector {
	vec := vector.NewVector(typ)
	for i := 0; i < n; i++ {
		v := i
		if random {
			v = rand.Int()
		}
		if err := vector.Append(vec, uint16(v), false, m); err != nil {
			vec.Free(m)
			return nil
		}
	}
	return vec
}

func NewUInt32Vector(n int, typ types.Type, m *mpool.MPool, random bool) *vector.Vector {
	vec := vector.NewVector(typ)
	for i := 0; i < n; i++ {
		v := i
		if random {
			v = rand.Int()
		}
		if err := vector.Append(vec, uint32(v), false, m); err != nil {
			vec.Free(m)
			return nil
		}
	}
	return vec
}

func NewUInt64Vector(n int, typ types.Type, m *mpool.MPool, random bool) *vector.Vector {
	vec := vector.NewVector(typ)
	for i := 0; i < n; i++ {
		v := i
		if random {
			v = rand.Int()
		}
		if err := vector.Append(vec, uint64(v), false, m); err != nil {
			vec.Free(m)
			return nil
		}
	}
	return vec
}

func NewFloat32Vector(n int, typ types.Type, m *mpool.MPool, random bool) *vector.Vector {
	vec := vector.NewVector(typ)
	for i := 0; i < n; i++ {
		v := float32(i)
		if random {
			v = rand.Float32()
		}
		if err := vector.Append(vec, v, false, m); err != nil {
			vec.Free(m)
			return nil
		}
	}
	return vec
}

func NewFloat64Vector(n int, typ types.Type, m *mpool.MPool, random bool) *vector.Vector {
	vec := vector.NewVector(typ)
	for i := 0; i < n; i++ {
		v := float64(i)
		if random {
			v = rand.Float64()
		}
		if err := vector.Append(vec, v, false, m); err != nil {
			vec.Free(m)
			return nil
		}
	}
	return vec
}

func NewStringVector(n int, typ types.Type, m *mpool.MPool, random bool) *vector.Vector {
	vec := vector.NewVector(typ)
	for i := 0; i < n; i++ {
		v := i
		if random {
			v = rand.Int()
		}
		if err := vector.AppendBytes(vec, []byte(strconv.Itoa(v)), false, m); err != nil {
			vec.Free(m)
			return nil
		}
	}
	return vec
}
