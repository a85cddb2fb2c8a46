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

package config

import (
	"context"

	"github.com/BurntSushi/toml"
	"github.com/axiondb/axion/pkg/common/axerr"
	"github.com/axiondb/axion/pkg/common/mpool"
	"github.com/axiondb/axion/pkg/logutil"
)

type ConfigurationKeyType int

const (
	ParameterUnitKey ConfigurationKeyType = 1
)

// EngineParameters of the execution engine
type EngineParameters struct {
	Version string

	//memory cap of the engine pool in bytes. default: 1 << 40 = 1099511627776
	MemoryLimit int64 `toml:"memoryLimit"`

	//count of scheduler workers. default: 0, meaning the core count
	SchedulerWorkers int64 `toml:"schedulerWorkers"`

	//the count of rows operators aim for per batch. default: 8192
	BatchRows int64 `toml:"batchRows"`

	//queue capacity per exchange partition in batches, rounded up to a power of two. default: 16
	ExchangeQueueCapacity int64 `toml:"exchangeQueueCapacity"`

	//adaptive exchange: busiest backlog over mean backlog that counts as skew. default: 4.0
	AdaptiveSkewRatio float64 `toml:"adaptiveSkewRatio"`

	//adaptive exchange: sink calls between skew checks. default: 8
	AdaptiveCheckWindow int64 `toml:"adaptiveCheckWindow"`

	//adaptive exchange: minimum routed rows before a switch. default: 1024
	AdaptiveMinRows int64 `toml:"adaptiveMinRows"`

	//adaptive exchange: minimum estimated distinct keys before a switch. default: 0, meaning the partition count
	AdaptiveMinNdv int64 `toml:"adaptiveMinNdv"`

	//default is 'info'. the level of log.
	LogLevel string `toml:"logLevel"`

	//default is 'console'. the format of log.
	LogFormat string `toml:"logFormat"`

	//default is ''. the file
	LogFilename string `toml:"logFilename"`

	//default is 512MB. the maximum of log file size
	LogMaxSize int64 `toml:"logMaxSize"`

	//default is 0. the maximum days of log file to be kept
	LogMaxDays int64 `toml:"logMaxDays"`

	//default is 0. the maximum numbers of log file to be retained
	LogMaxBackups int64 `toml:"logMaxBackups"`
}

func (ep *EngineParameters) SetDefaultValues() {
	if ep.MemoryLimit == 0 {
		ep.MemoryLimit = 1 << 40
	}
	if ep.BatchRows == 0 {
		ep.BatchRows = 8192
	}
	if ep.ExchangeQueueCapacity == 0 {
		ep.ExchangeQueueCapacity = 16
	}
	if ep.AdaptiveSkewRatio == 0 {
		ep.AdaptiveSkewRatio = 4.0
	}
	if ep.AdaptiveCheckWindow == 0 {
		ep.AdaptiveCheckWindow = 8
	}
	if ep.AdaptiveMinRows == 0 {
		ep.AdaptiveMinRows = 1024
	}
	if ep.LogLevel == "" {
		ep.LogLevel = "info"
	}
	if ep.LogFormat == "" {
		ep.LogFormat = "console"
	}
	if ep.LogMaxSize == 0 {
		ep.LogMaxSize = 512
	}
}

func (ep *EngineParameters) Validate() error {
	if ep.MemoryLimit < 0 {
		return axerr.NewBadConfigNoCtx("memoryLimit %d is negative", ep.MemoryLimit)
	}
	if ep.SchedulerWorkers < 0 {
		return axerr.NewBadConfigNoCtx("schedulerWorkers %d is negative", ep.SchedulerWorkers)
	}
	if ep.BatchRows < 1 {
		return axerr.NewBadConfigNoCtx("batchRows %d must be positive", ep.BatchRows)
	}
	if ep.ExchangeQueueCapacity < 1 {
		return axerr.NewBadConfigNoCtx("exchangeQueueCapacity %d must be positive", ep.ExchangeQueueCapacity)
	}
	if ep.AdaptiveSkewRatio < 1 {
		return axerr.NewBadConfigNoCtx("adaptiveSkewRatio %v must be at least 1", ep.AdaptiveSkewRatio)
	}
	if ep.AdaptiveCheckWindow < 1 || ep.AdaptiveMinRows < 0 || ep.AdaptiveMinNdv < 0 {
		return axerr.NewBadConfigNoCtx("adaptive thresholds out of range")
	}
	return nil
}

// LogConfig maps the log fields onto the logger setup.
func (ep *EngineParameters) LogConfig() *logutil.LogConfig {
	return &logutil.LogConfig{
		Level:      ep.LogLevel,
		Format:     ep.LogFormat,
		Filename:   ep.LogFilename,
		MaxSize:    int(ep.LogMaxSize),
		MaxDays:    int(ep.LogMaxDays),
		MaxBackups: int(ep.LogMaxBackups),
	}
}

// LoadEngineParameters reads file, fills the gaps with defaults and
// validates the result.
func LoadEngineParameters(file string) (*EngineParameters, error) {
	ep := &EngineParameters{}
	if file != "" {
		if _, err := toml.DecodeFile(file, ep); err != nil {
			return nil, axerr.NewBadConfigNoCtx("parse %s: %v", file, err)
		}
	}
	ep.SetDefaultValues()
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	return ep, nil
}

type ParameterUnit struct {
	SV *EngineParameters

	//memory pool the engine allocates from
	Mp *mpool.MPool
}

func NewParameterUnit(sv *EngineParameters, mp *mpool.MPool) *ParameterUnit {
	return &ParameterUnit{
		SV: sv,
		Mp: mp,
	}
}

// GetParameterUnit gets the configuration from the context.
func GetParameterUnit(ctx context.Context) *ParameterUnit {
	pu := ctx.Value(ParameterUnitKey).(*ParameterUnit)
	if pu == nil {
		panic("parameter unit is invalid")
	}
	return pu
}
