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

package batch_test

import (
	"context"
	"testing"

	"github.com/axiondb/axion/pkg/common/mpool"
	"github.com/axiondb/axion/pkg/container/batch"
	"github.com/axiondb/axion/pkg/container/types"
	"github.com/axiondb/axion/pkg/container/vector"
	"github.com/axiondb/axion/pkg/testutil"
	"github.com/stretchr/testify/require"
)

func makeTypes() []types.Type {
	return []types.Type{
		types.T_int64.ToType(),
		types.T_varchar.ToType(),
	}
}

func TestBatchBasics(t *testing.T) {
	mp := mpool.MustNewZero()
	bat := testutil.NewBatch(makeTypes(), false, 10, mp)
	require.Equal(t, 10, bat.RowCount())
	require.Equal(t, 2, bat.VectorCount())
	require.NotEqual(t, 0, bat.Size())
	require.False(t, bat.IsEmpty())

	bat.Clean(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestBatchRefCount(t *testing.T) {
	mp := mpool.MustNewZero()
	bat := testutil.NewBatch(makeTypes(), false, 4, mp)

	bat.AddCnt(2)
	require.Equal(t, int64(3), bat.GetCnt())

	bat.Clean(mp)
	bat.Clean(mp)
	require.NotEqual(t, int64(0), mp.CurrNB())
	require.NotNil(t, bat.Vecs)

	// the last reference frees the memory
	bat.Clean(mp)
	require.Nil(t, bat.Vecs)
	require.Equal(t, int64(0), mp.CurrNB())

	// cleaning an already dead batch is a no-op
	bat.Clean(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestEmptyBatchClean(t *testing.T) {
	mp := mpool.MustNewZero()
	batch.EmptyBatch.Clean(mp)
	batch.EmptyBatch.Clean(mp)
	require.True(t, batch.EmptyBatch.IsEmpty())
}

func TestBatchAppend(t *testing.T) {
	mp := mpool.MustNewZero()
	b0 := testutil.NewBatch(makeTypes(), false, 3, mp)
	b1 := testutil.NewBatch(makeTypes(), false, 5, mp)

	r, err := b0.Append(context.Background(), mp, b1)
	require.NoError(t, err)
	require.Equal(t, 8, r.RowCount())
	require.Equal(t, 8, r.Vecs[0].Length())

	bad := batch.NewWithSize(1)
	bad.Vecs[0] = testutil.NewVector(2, types.T_int64.ToType(), mp, false)
	bad.SetRowCount(2)
	_, err = b0.Append(context.Background(), mp, bad)
	require.Error(t, err)

	b0.Clean(mp)
	b1.Clean(mp)
	bad.Clean(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestBatchAppendWithCopyNil(t *testing.T) {
	mp := mpool.MustNewZero()
	src := testutil.NewBatch(makeTypes(), false, 6, mp)

	var dst *batch.Batch
	r, err := dst.AppendWithCopy(context.Background(), mp, src)
	require.NoError(t, err)
	require.Equal(t, 6, r.RowCount())

	// the copy survives the source
	src.Clean(mp)
	require.Equal(t, 6, r.Vecs[0].Length())
	r.Clean(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestBatchDup(t *testing.T) {
	mp := mpool.MustNewZero()
	bat := testutil.NewBatch(makeTypes(), false, 7, mp)

	dup, err := bat.Dup(mp)
	require.NoError(t, err)
	require.Equal(t, bat.RowCount(), dup.RowCount())
	require.Equal(t, vector.MustTCols[int64](bat.Vecs[0]), vector.MustTCols[int64](dup.Vecs[0]))
	require.Equal(t, vector.MustStrCols(bat.Vecs[1]), vector.MustStrCols(dup.Vecs[1]))

	bat.Clean(mp)
	dup.Clean(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestBatchShrink(t *testing.T) {
	mp := mpool.MustNewZero()
	bat := testutil.NewBatch(makeTypes(), false, 10, mp)

	bat.Shrink([]int64{0, 2, 4, 6, 8})
	require.Equal(t, 5, bat.RowCount())
	require.Equal(t, int64(4), vector.MustTCols[int64](bat.Vecs[0])[2])

	bat.Clean(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestBatchShuffleSharedVector(t *testing.T) {
	mp := mpool.MustNewZero()
	bat := batch.NewWithSize(2)
	vec := testutil.NewVector(4, types.T_int32.ToType(), mp, false)
	// the same vector sits at two positions; it must be shuffled once
	bat.SetVector(0, vec)
	bat.SetVector(1, vec)
	bat.SetRowCount(4)

	require.NoError(t, bat.Shuffle([]int64{3, 1}, mp))
	require.Equal(t, 2, bat.RowCount())
	require.Equal(t, []int32{3, 1}, vector.MustTCols[int32](bat.Vecs[0]))

	vec.Free(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestBatchString(t *testing.T) {
	mp := mpool.MustNewZero()
	bat := testutil.NewBatch([]types.Type{types.T_int64.ToType()}, false, 2, mp)
	require.NotEmpty(t, bat.String())
	bat.Log("test")
	bat.Clean(mp)
}
