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
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// ExchangeStats is the counter set of one exchange point. Counters are
// individually atomic and monotonic until Reset; a snapshot may be
// momentarily skewed across counters, which is fine for observability.
type ExchangeStats struct {
	rowsRouted   atomic.Int64
	bytesRouted  atomic.Int64
	batchesIn    atomic.Int64
	batchesOut   atomic.Int64
	hashNs       atomic.Int64
	distributeNs atomic.Int64
	switches     atomic.Int64

	partitions []partitionCounters
}

type partitionCounters struct {
	rows     atomic.Int64
	bytes    atomic.Int64
	enqueued atomic.Int64
	dequeued atomic.Int64
}

func newExchangeStats(partitionCount int32) *ExchangeStats {
	return &ExchangeStats{
		partitions: make([]partitionCounters, partitionCount),
	}
}

// StatsSnapshot is a plain read of an ExchangeStats.
type StatsSnapshot struct {
	RowsRouted   int64
	BytesRouted  int64
	BatchesIn    int64
	BatchesOut   int64
	HashNs       int64
	DistributeNs int64
	Switches     int64
	Partitions   []PartitionSnapshot
}

type PartitionSnapshot struct {
	Rows     int64
	Bytes    int64
	Enqueued int64
	Dequeued int64
}

func (s *ExchangeStats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		RowsRouted:   s.rowsRouted.Load(),
		BytesRouted:  s.bytesRouted.Load(),
		BatchesIn:    s.batchesIn.Load(),
		BatchesOut:   s.batchesOut.Load(),
		HashNs:       s.hashNs.Load(),
		DistributeNs: s.distributeNs.Load(),
		Switches:     s.switches.Load(),
		Partitions:   make([]PartitionSnapshot, len(s.partitions)),
	}
	for p := range s.partitions {
		pc := &s.partitions[p]
		snap.Partitions[p] = PartitionSnapshot{
			Rows:     pc.rows.Load(),
			Bytes:    pc.bytes.Load(),
			Enqueued: pc.enqueued.Load(),
			Dequeued: pc.dequeued.Load(),
		}
	}
	return snap
}

func (s *ExchangeStats) Reset() {
	s.rowsRouted.Store(0)
	s.bytesRouted.Store(0)
	s.batchesIn.Store(0)
	s.batchesOut.Store(0)
	s.hashNs.Store(0)
	s.distributeNs.Store(0)
	s.switches.Store(0)
	for p := range s.partitions {
		pc := &s.partitions[p]
		pc.rows.Store(0)
		pc.bytes.Store(0)
		pc.enqueued.Store(0)
		pc.dequeued.Store(0)
	}
}

// ProducerBlockedNs sums the time producers spent parked on room gates.
func (ss *SharedState) ProducerBlockedNs() int64 {
	var total int64
	for p := range ss.hasRoom {
		total += ss.hasRoom[p].BlockedNs()
	}
	return total
}

// ConsumerBlockedNs sums the time consumers spent parked on data gates.
func (ss *SharedState) ConsumerBlockedNs() int64 {
	var total int64
	for p := range ss.hasData {
		total += ss.hasData[p].BlockedNs()
	}
	return total
}

type exchangeCollector struct {
	ss *SharedState

	rowsRouted      *prometheus.Desc
	bytesRouted     *prometheus.Desc
	batchesIn       *prometheus.Desc
	batchesOut      *prometheus.Desc
	switches        *prometheus.Desc
	hashSeconds     *prometheus.Desc
	distSeconds     *prometheus.Desc
	producerBlocked *prometheus.Desc
	consumerBlocked *prometheus.Desc
	queueDepth      *prometheus.Desc
	bufferedBytes   *prometheus.Desc
}

// NewCollector creates a Prometheus collector over one shared state; the
// driver registers it once per exchange point.
func NewCollector(ss *SharedState) prometheus.Collector {
	labels := prometheus.Labels{"typ": ss.cfg.Typ.String()}
	return &exchangeCollector{
		ss: ss,
		rowsRouted: prometheus.NewDesc(
			"axion_exchange_rows_routed_total",
			"Rows routed into partition queues.",
			nil, labels,
		),
		bytesRouted: prometheus.NewDesc(
			"axion_exchange_bytes_routed_total",
			"Bytes routed into partition queues.",
			nil, labels,
		),
		batchesIn: prometheus.NewDesc(
			"axion_exchange_batches_in_total",
			"Batches enqueued, counting one per receiving partition.",
			nil, labels,
		),
		batchesOut: prometheus.NewDesc(
			"axion_exchange_batches_out_total",
			"Batches dequeued by consumers.",
			nil, labels,
		),
		switches: prometheus.NewDesc(
			"axion_exchange_strategy_switches_total",
			"Adaptive passthrough-to-shuffle switches.",
			nil, labels,
		),
		hashSeconds: prometheus.NewDesc(
			"axion_exchange_hash_seconds_total",
			"Time spent hashing rows to partitions.",
			nil, labels,
		),
		distSeconds: prometheus.NewDesc(
			"axion_exchange_distribute_seconds_total",
			"Time spent delivering batches into queues, excluding parked time.",
			nil, labels,
		),
		producerBlocked: prometheus.NewDesc(
			"axion_exchange_producer_blocked_seconds_total",
			"Time producers spent parked on full partitions.",
			nil, labels,
		),
		consumerBlocked: prometheus.NewDesc(
			"axion_exchange_consumer_blocked_seconds_total",
			"Time consumers spent parked on empty partitions.",
			nil, labels,
		),
		queueDepth: prometheus.NewDesc(
			"axion_exchange_queue_depth",
			"Batches currently buffered per partition.",
			[]string{"partition"}, labels,
		),
		bufferedBytes: prometheus.NewDesc(
			"axion_exchange_buffered_bytes",
			"Bytes currently buffered across all partitions.",
			nil, labels,
		),
	}
}

func (c *exchangeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rowsRouted
	ch <- c.bytesRouted
	ch <- c.batchesIn
	ch <- c.batchesOut
	ch <- c.switches
	ch <- c.hashSeconds
	ch <- c.distSeconds
	ch <- c.producerBlocked
	ch <- c.consumerBlocked
	ch <- c.queueDepth
	ch <- c.bufferedBytes
}

func (c *exchangeCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.ss.Stats().Snapshot()
	ch <- prometheus.MustNewConstMetric(c.rowsRouted, prometheus.CounterValue, float64(snap.RowsRouted))
	ch <- prometheus.MustNewConstMetric(c.bytesRouted, prometheus.CounterValue, float64(snap.BytesRouted))
	ch <- prometheus.MustNewConstMetric(c.batchesIn, prometheus.CounterValue, float64(snap.BatchesIn))
	ch <- prometheus.MustNewConstMetric(c.batchesOut, prometheus.CounterValue, float64(snap.BatchesOut))
	ch <- prometheus.MustNewConstMetric(c.switches, prometheus.CounterValue, float64(snap.Switches))
	ch <- prometheus.MustNewConstMetric(c.hashSeconds, prometheus.CounterValue, float64(snap.HashNs)/1e9)
	ch <- prometheus.MustNewConstMetric(c.distSeconds, prometheus.CounterValue, float64(snap.DistributeNs)/1e9)
	ch <- prometheus.MustNewConstMetric(c.producerBlocked, prometheus.CounterValue, float64(c.ss.ProducerBlockedNs())/1e9)
	ch <- prometheus.MustNewConstMetric(c.consumerBlocked, prometheus.CounterValue, float64(c.ss.ConsumerBlockedNs())/1e9)
	for p := int32(0); p < c.ss.PartitionCount(); p++ {
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue,
			float64(c.ss.QueueLen(p)), strconv.Itoa(int(p)))
	}
	ch <- prometheus.MustNewConstMetric(c.bufferedBytes, prometheus.GaugeValue, float64(c.ss.BufferedBytes()))
}

var _ prometheus.Collector = new(exchangeCollector)
