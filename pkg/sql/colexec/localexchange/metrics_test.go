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
	"testing"
	"time"

	"github.com/axiondb/axion/pkg/testutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestStatsSnapshotAndReset(t *testing.T) {
	proc := testutil.NewProc()
	mp := proc.Mp()
	ss, err := NewSharedState(proc, newTestConfig(Shuffle, 2, 1, 8))
	require.NoError(t, err)

	for i := int64(0); i < 3; i++ {
		ok, err := ss.Enqueue(int32(i%2), newInt64Batch(t, mp, i, i+1))
		require.NoError(t, err)
		require.True(t, ok)
	}
	bat, _, err := ss.Dequeue(0)
	require.NoError(t, err)
	bat.Clean(mp)

	snap := ss.Stats().Snapshot()
	require.Equal(t, int64(6), snap.RowsRouted)
	require.Greater(t, snap.BytesRouted, int64(0))
	require.Equal(t, int64(3), snap.BatchesIn)
	require.Equal(t, int64(1), snap.BatchesOut)
	require.Len(t, snap.Partitions, 2)
	require.Equal(t, int64(2), snap.Partitions[0].Enqueued)
	require.Equal(t, int64(1), snap.Partitions[1].Enqueued)
	require.Equal(t, int64(1), snap.Partitions[0].Dequeued)
	require.Equal(t, snap.RowsRouted, snap.Partitions[0].Rows+snap.Partitions[1].Rows)

	ss.Stats().Reset()
	snap = ss.Stats().Snapshot()
	require.Equal(t, int64(0), snap.RowsRouted)
	require.Equal(t, int64(0), snap.BytesRouted)
	require.Equal(t, int64(0), snap.BatchesIn)
	require.Equal(t, int64(0), snap.BatchesOut)
	require.Equal(t, int64(0), snap.Partitions[0].Enqueued)

	ss.Free(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestBlockedTimeAccounting(t *testing.T) {
	proc := testutil.NewProc()
	ss, err := NewSharedState(proc, newTestConfig(Shuffle, 1, 1, 2))
	require.NoError(t, err)

	require.Equal(t, int64(0), ss.ProducerBlockedNs())
	require.Equal(t, int64(0), ss.ConsumerBlockedNs())

	// blocked time is attributed when a parked waiter is released
	woke := make(chan struct{})
	gate := ss.RoomGate(0)
	gate.Block()
	require.True(t, gate.Register(func() { close(woke) }))
	time.Sleep(2 * time.Millisecond)
	gate.Signal()
	<-woke
	require.Greater(t, ss.ProducerBlockedNs(), int64(0))

	woke = make(chan struct{})
	gate = ss.DataGate(0)
	gate.Block()
	require.True(t, gate.Register(func() { close(woke) }))
	time.Sleep(2 * time.Millisecond)
	gate.Signal()
	<-woke
	require.Greater(t, ss.ConsumerBlockedNs(), int64(0))

	ss.Free(proc.Mp())
}

func TestCollectorExposesExchangeMetrics(t *testing.T) {
	proc := testutil.NewProc()
	mp := proc.Mp()
	ss, err := NewSharedState(proc, newTestConfig(Broadcast, 2, 1, 8))
	require.NoError(t, err)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(ss)))

	ok, err := ss.Enqueue(0, newInt64Batch(t, mp, 1, 2, 3))
	require.NoError(t, err)
	require.True(t, ok)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	families := map[string]float64{}
	depths := 0
	for _, mf := range mfs {
		switch mf.GetName() {
		case "axion_exchange_queue_depth":
			depths = len(mf.GetMetric())
			families[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue() +
				mf.GetMetric()[1].GetGauge().GetValue()
		case "axion_exchange_buffered_bytes":
			families[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue()
		default:
			families[mf.GetName()] = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	for _, name := range []string{
		"axion_exchange_rows_routed_total",
		"axion_exchange_bytes_routed_total",
		"axion_exchange_batches_in_total",
		"axion_exchange_batches_out_total",
		"axion_exchange_strategy_switches_total",
		"axion_exchange_hash_seconds_total",
		"axion_exchange_distribute_seconds_total",
		"axion_exchange_producer_blocked_seconds_total",
		"axion_exchange_consumer_blocked_seconds_total",
		"axion_exchange_queue_depth",
		"axion_exchange_buffered_bytes",
	} {
		require.Contains(t, families, name)
	}
	require.Equal(t, float64(3), families["axion_exchange_rows_routed_total"])
	require.Equal(t, float64(1), families["axion_exchange_batches_in_total"])
	require.Equal(t, 2, depths, "one queue depth gauge per partition")
	require.Equal(t, float64(1), families["axion_exchange_queue_depth"])
	require.Greater(t, families["axion_exchange_buffered_bytes"], float64(0))

	ss.Free(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}
