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

// exchange-bench drives one local exchange point end to end: a set of
// producer pipelines generating batches, the exchange, and a set of
// consumer pipelines draining it, all running on the cooperative
// scheduler.  It doubles as a smoke test: the run fails when the rows
// that come out do not match the rows that went in.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/axiondb/axion/pkg/common/mpool"
	"github.com/axiondb/axion/pkg/config"
	"github.com/axiondb/axion/pkg/logutil"
	"github.com/axiondb/axion/pkg/sql/colexec/localexchange"
	"github.com/axiondb/axion/pkg/vm"
	"github.com/axiondb/axion/pkg/vm/pipeline"
	"github.com/axiondb/axion/pkg/vm/process"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	configFile  = flag.String("config", "", "engine configuration file (toml)")
	typName     = flag.String("typ", "shuffle", "exchange strategy: shuffle|bucket|passthrough|broadcast|passtoone|adaptive")
	producers   = flag.Int("producers", 4, "producer pipeline count")
	consumers   = flag.Int("consumers", 4, "consumer pipeline count (= partition count)")
	rows        = flag.Int("rows", 1<<20, "rows per producer")
	skewed      = flag.Bool("skew", false, "pin every producer to a single key value")
	metricsAddr = flag.String("metrics-addr", "", "prometheus listen address, empty disables it")
)

func parseTyp(name string) (localexchange.ExchangeType, error) {
	switch name {
	case "shuffle":
		return localexchange.Shuffle, nil
	case "bucket":
		return localexchange.BucketShuffle, nil
	case "passthrough":
		return localexchange.Passthrough, nil
	case "broadcast":
		return localexchange.Broadcast, nil
	case "passtoone":
		return localexchange.PassToOne, nil
	case "adaptive":
		return localexchange.AdaptivePassthrough, nil
	default:
		return 0, fmt.Errorf("unknown exchange strategy %q", name)
	}
}

func exchangeConfig(params *config.EngineParameters, typ localexchange.ExchangeType) localexchange.Config {
	cfg := localexchange.Config{
		PartitionCount: int32(*consumers),
		ProducerCount:  int32(*producers),
		ConsumerCount:  int32(*consumers),
		Typ:            typ,
		QueueCapacity:  int32(params.ExchangeQueueCapacity),
		HashColumns:    []int32{0},
		Adaptive: localexchange.AdaptivePolicy{
			SkewRatio:   params.AdaptiveSkewRatio,
			CheckWindow: int32(params.AdaptiveCheckWindow),
			MinRows:     params.AdaptiveMinRows,
			MinNdv:      params.AdaptiveMinNdv,
		},
	}
	if typ == localexchange.BucketShuffle {
		// a synthetic bucket table, four buckets per partition round-robin
		cfg.BucketCount = 4 * cfg.PartitionCount
		cfg.BucketTable = make([]int32, cfg.BucketCount)
		for b := int32(0); b < cfg.BucketCount; b++ {
			cfg.BucketTable[b] = b % cfg.PartitionCount
		}
	}
	return cfg
}

func run() error {
	typ, err := parseTyp(*typName)
	if err != nil {
		return err
	}
	params, err := config.LoadEngineParameters(*configFile)
	if err != nil {
		return err
	}
	logutil.SetupAxionLogger(params.LogConfig())

	mp, err := mpool.NewMPool("exchange_bench", params.MemoryLimit, mpool.NoFixed)
	if err != nil {
		return err
	}
	defer mpool.DeleteMPool(mp)

	workers := int(params.SchedulerWorkers)
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	sched, err := pipeline.NewScheduler(workers)
	if err != nil {
		return err
	}
	defer sched.Close()

	topProc := process.New(context.Background(), mp)
	defer topProc.Cancel()

	ss, err := localexchange.NewSharedState(topProc, exchangeConfig(params, typ))
	if err != nil {
		return err
	}
	exch, err := localexchange.NewExchanger(ss)
	if err != nil {
		return err
	}

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(localexchange.NewCollector(ss))
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logutil.Errorf("metrics endpoint: %v", err)
			}
		}()
		logutil.Infof("metrics on http://%s/metrics", *metricsAddr)
	}

	var nextKey, rowsOut atomic.Int64
	batchRows := int(params.BatchRows)
	procs := make([]*process.Process, 0, *producers+*consumers)
	roots := make([]vm.Operator, 0, *producers+*consumers)
	tasks := make([]*pipeline.Task, 0, *producers+*consumers)

	for p := 0; p < *producers; p++ {
		proc := process.NewFromProc(topProc)
		sink := localexchange.NewSinkArgument(exch, int32(p))
		sink.AppendChild(&keyGen{
			producerID: int64(p),
			totalRows:  *rows,
			batchRows:  batchRows,
			skewed:     *skewed,
			nextKey:    &nextKey,
		})
		if err := vm.Prepare(sink, proc); err != nil {
			return err
		}
		procs = append(procs, proc)
		roots = append(roots, sink)
		tasks = append(tasks, pipeline.NewTask(int32(len(tasks)), sink, proc))
	}
	for c := 0; c < *consumers; c++ {
		proc := process.NewFromProc(topProc)
		root := &drain{rows: &rowsOut}
		root.AppendChild(localexchange.NewSourceArgument(exch, int32(c)))
		if err := vm.Prepare(root, proc); err != nil {
			return err
		}
		procs = append(procs, proc)
		roots = append(roots, root)
		tasks = append(tasks, pipeline.NewTask(int32(len(tasks)), root, proc))
	}

	start := time.Now()
	for _, t := range tasks {
		if err := sched.Submit(t); err != nil {
			return err
		}
	}
	runErr := sched.Wait()
	elapsed := time.Since(start)

	for i, root := range roots {
		vm.Free(root, procs[i], runErr != nil, runErr)
	}
	if cerr := exch.Close(topProc); cerr != nil && runErr == nil {
		runErr = cerr
	}
	ss.Free(mp)
	if runErr != nil {
		return runErr
	}

	want := int64(*producers) * int64(*rows)
	if typ == localexchange.Broadcast {
		want *= int64(*consumers)
	}
	snap := ss.Stats().Snapshot()
	var ru unix.Rusage
	_ = unix.Getrusage(unix.RUSAGE_SELF, &ru)
	logutil.Info("exchange bench done",
		zap.String("typ", typ.String()),
		zap.Int("producers", *producers),
		zap.Int("consumers", *consumers),
		zap.Int64("rowsIn", want),
		zap.Int64("rowsOut", rowsOut.Load()),
		zap.Int64("bytesRouted", snap.BytesRouted),
		zap.Int64("batchesIn", snap.BatchesIn),
		zap.Int64("batchesOut", snap.BatchesOut),
		zap.Duration("hash", time.Duration(snap.HashNs)),
		zap.Duration("distribute", time.Duration(snap.DistributeNs)),
		zap.Duration("producerBlocked", time.Duration(ss.ProducerBlockedNs())),
		zap.Duration("consumerBlocked", time.Duration(ss.ConsumerBlockedNs())),
		zap.Int64("strategySwitches", snap.Switches),
		zap.Int64("mpoolHighWaterMark", mp.Stats().HighWaterMark.Load()),
		zap.Int64("maxRssKB", ru.Maxrss),
		zap.Duration("wall", elapsed))
	if rowsOut.Load() != want {
		return fmt.Errorf("row count mismatch: want %d, got %d", want, rowsOut.Load())
	}
	return nil
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		logutil.Errorf("exchange bench failed: %v", err)
		os.Exit(1)
	}
}
