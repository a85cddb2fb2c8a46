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
	"fmt"
	"sync"

	"github.com/axiondb/axion/pkg/container/batch"
	"github.com/axiomhq/hyperloglog"
)

// Adaptive strategy mode, held in SharedState.mode. The passthrough ->
// shuffle transition happens at most once.
const (
	modePassthrough int32 = iota
	modeShuffle
)

// skewMonitor watches the backlog while an adaptive exchange is still in
// passthrough mode. A switch needs three things at once: the busiest
// partition holding a skewRatio multiple of the mean backlog for
// checkWindow consecutive sink calls, enough rows seen to trust the
// signal, and enough distinct keys that a hash shuffle would actually
// spread the load.
type skewMonitor struct {
	policy AdaptivePolicy

	mu          sync.Mutex
	sketch      *hyperloglog.Sketch
	rows        int64
	breaches    int32
	lastBusiest int32
	lastMean    float64
	keyBuf      []byte
}

func newSkewMonitor(policy AdaptivePolicy) *skewMonitor {
	return &skewMonitor{
		policy: policy,
		sketch: hyperloglog.New14(),
	}
}

// observe folds one pre-switch batch into the monitor and reports whether
// the switch conditions now hold. Backlog depths are read before this
// batch is delivered, so the windowed signal trails the input by one call.
func (m *skewMonitor) observe(e *Exchanger, bat *batch.Batch) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := bat.RowCount()
	m.rows += int64(n)
	for i := 0; i < n; i++ {
		m.keyBuf = e.router.appendRowKey(bat, i, m.keyBuf[:0])
		m.sketch.Insert(m.keyBuf)
	}
	busiest, total := int32(0), int64(0)
	for p := int32(0); p < e.ss.cfg.PartitionCount; p++ {
		depth := e.ss.QueueLen(p)
		if depth > busiest {
			busiest = depth
		}
		total += int64(depth)
	}
	mean := float64(total) / float64(e.ss.cfg.PartitionCount)
	if busiest > 0 && float64(busiest) >= m.policy.SkewRatio*mean {
		m.breaches++
	} else {
		m.breaches = 0
	}
	m.lastBusiest = busiest
	m.lastMean = mean
	if m.breaches < m.policy.CheckWindow {
		return false
	}
	if m.rows < m.policy.MinRows {
		return false
	}
	if int64(m.sketch.Estimate()) < m.policy.MinNdv {
		return false
	}
	return true
}

func (m *skewMonitor) reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("busiest=%d mean=%.1f rows=%d ndv=%d",
		m.lastBusiest, m.lastMean, m.rows, m.sketch.Estimate())
}
