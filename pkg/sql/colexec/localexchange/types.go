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

// Package localexchange moves batches between the parallel tasks of one
// fragment instance inside a single process. Producers push through a sink
// operator, a router decides the target partition per row (or per batch,
// depending on the strategy), and every partition is drained by exactly one
// consumer through a source operator. All waiting is expressed with
// process.Dependency gates so that a blocked task gives its worker thread
// back to the scheduler instead of sleeping on it.
package localexchange

import (
	"context"

	"github.com/axiondb/axion/pkg/common/axerr"
)

// ExchangeType selects the routing strategy of an exchange point. The set
// is closed; dispatch is a function chosen once at construction.
type ExchangeType int32

const (
	// Shuffle routes every row by the hash of its key columns.
	Shuffle ExchangeType = iota
	// BucketShuffle routes by a precomputed bucket-to-partition table so
	// the exchange agrees with the plan's colocated bucketing.
	BucketShuffle
	// Passthrough binds producer p to partition p mod partitionCount at
	// open time; batches move without any per-row work.
	Passthrough
	// Broadcast hands a reference-counted copy of every batch to every
	// partition.
	Broadcast
	// PassToOne funnels all producers into partition 0.
	PassToOne
	// AdaptivePassthrough starts as Passthrough and switches to Shuffle,
	// once and for all producers, when the backlog becomes skewed.
	AdaptivePassthrough
)

func (t ExchangeType) String() string {
	switch t {
	case Shuffle:
		return "shuffle"
	case BucketShuffle:
		return "bucket_shuffle"
	case Passthrough:
		return "passthrough"
	case Broadcast:
		return "broadcast"
	case PassToOne:
		return "pass_to_one"
	case AdaptivePassthrough:
		return "adaptive_passthrough"
	default:
		return "unknown"
	}
}

// Exchanger lifecycle. Transitions only move forward: Uninitialized ->
// Open -> Routing -> Closing -> Closed. Closing is entered when the last
// producer has delivered its end-of-stream; Closed only via Close.
const (
	stateUninitialized int32 = iota
	stateOpen
	stateRouting
	stateClosing
	stateClosed
)

func stateName(s int32) string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateOpen:
		return "open"
	case stateRouting:
		return "routing"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PullState reports the outcome of a SourcePull that did not fail.
type PullState int32

const (
	// PullHasData means a batch was returned; ownership moves to the
	// caller.
	PullHasData PullState = iota
	// PullBlocked means the partition is empty but producers are still
	// outstanding; park on the partition's data gate and retry.
	PullBlocked
	// PullEOS means the partition is drained and every producer that
	// could ever write to it is done.
	PullEOS
)

// Internal dequeue outcome of the shared state.
type dequeueState int32

const (
	exchangeHasData dequeueState = iota
	exchangeBlocked
	exchangeEOS
)

// DefaultQueueCapacity bounds each partition queue, counted in batches.
const DefaultQueueCapacity = 16

// AdaptivePolicy tunes the skew monitor of AdaptivePassthrough. The
// thresholds are policy, not structure, so they are configuration. Zero
// values fall back to the engine defaults.
type AdaptivePolicy struct {
	// SkewRatio is the multiple of the mean backlog the busiest partition
	// must reach before a breach is counted.
	SkewRatio float64
	// CheckWindow is the number of consecutive breached sink calls
	// required before switching.
	CheckWindow int32
	// MinRows is the number of rows a producer set must have routed
	// before a switch is considered.
	MinRows int64
	// MinNdv is the minimum estimated distinct key count; below it a
	// hash shuffle could not spread the load anyway. 0 derives it from
	// the partition count.
	MinNdv int64
}

// Engine-wide fallback thresholds. Variables so a deployment (or a
// test) can retune them without touching every exchange Config.
var (
	defaultSkewRatio   = 4.0
	defaultCheckWindow = int32(8)
	defaultMinRows     = int64(1024)
)

func (p *AdaptivePolicy) fillDefaults(partitionCount int32) {
	if p.SkewRatio <= 0 {
		p.SkewRatio = defaultSkewRatio
	}
	if p.CheckWindow <= 0 {
		p.CheckWindow = defaultCheckWindow
	}
	if p.MinRows <= 0 {
		p.MinRows = defaultMinRows
	}
	if p.MinNdv <= 0 {
		p.MinNdv = int64(partitionCount)
	}
}

// Config fixes one exchange point at setup time. Counts, strategy and the
// bucket table never change afterwards.
type Config struct {
	PartitionCount int32
	ProducerCount  int32
	ConsumerCount  int32
	Typ            ExchangeType

	// QueueCapacity bounds each partition queue in batches; 0 means
	// DefaultQueueCapacity.
	QueueCapacity int32

	// HashColumns are the key column positions for the hash strategies.
	HashColumns []int32

	// BucketCount and BucketTable describe the bucket mode: bucket id =
	// hash %% BucketCount, partition = BucketTable[bucket].
	BucketCount int32
	BucketTable []int32

	Adaptive AdaptivePolicy
}

func (c *Config) fillDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	c.Adaptive.fillDefaults(c.PartitionCount)
}

func (c *Config) validate(ctx context.Context) error {
	if c.PartitionCount < 1 {
		return axerr.NewBadConfig(ctx, "local exchange: partition count %d, want >= 1", c.PartitionCount)
	}
	if c.ProducerCount < 1 {
		return axerr.NewBadConfig(ctx, "local exchange: producer count %d, want >= 1", c.ProducerCount)
	}
	if c.ConsumerCount < 1 {
		return axerr.NewBadConfig(ctx, "local exchange: consumer count %d, want >= 1", c.ConsumerCount)
	}
	if c.PartitionCount != c.ConsumerCount {
		return axerr.NewBadConfig(ctx,
			"local exchange: partition count %d != consumer count %d, every partition needs exactly one consumer",
			c.PartitionCount, c.ConsumerCount)
	}
	switch c.Typ {
	case Shuffle, BucketShuffle, Passthrough, Broadcast, PassToOne, AdaptivePassthrough:
	default:
		return axerr.NewBadConfig(ctx, "local exchange: unknown exchange type %d", c.Typ)
	}
	if c.Typ == Shuffle || c.Typ == BucketShuffle || c.Typ == AdaptivePassthrough {
		if len(c.HashColumns) == 0 {
			return axerr.NewBadConfig(ctx, "local exchange: %s needs at least one hash column", c.Typ)
		}
		for _, col := range c.HashColumns {
			if col < 0 {
				return axerr.NewBadConfig(ctx, "local exchange: negative hash column %d", col)
			}
		}
	}
	if c.Typ == BucketShuffle {
		if c.BucketCount < 1 {
			return axerr.NewBadBucketTable(ctx, "bucket count %d, want >= 1", c.BucketCount)
		}
		if int32(len(c.BucketTable)) != c.BucketCount {
			return axerr.NewBadBucketTable(ctx, "bucket table has %d entries, want %d", len(c.BucketTable), c.BucketCount)
		}
		for b, p := range c.BucketTable {
			if p < 0 || p >= c.PartitionCount {
				return axerr.NewBadBucketTable(ctx, "bucket %d maps to partition %d, want [0, %d)", b, p, c.PartitionCount)
			}
		}
	}
	return nil
}
