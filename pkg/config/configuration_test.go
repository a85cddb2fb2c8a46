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
	"os"
	"path/filepath"
	"testing"

	"github.com/axiondb/axion/pkg/common/axerr"
	"github.com/axiondb/axion/pkg/common/mpool"
	"github.com/smartystreets/goconvey/convey"
)

func TestSetDefaultValues(t *testing.T) {
	convey.Convey("an empty config gets every default", t, func() {
		ep := &EngineParameters{}
		ep.SetDefaultValues()
		convey.So(ep.MemoryLimit, convey.ShouldEqual, int64(1<<40))
		convey.So(ep.BatchRows, convey.ShouldEqual, int64(8192))
		convey.So(ep.ExchangeQueueCapacity, convey.ShouldEqual, int64(16))
		convey.So(ep.AdaptiveSkewRatio, convey.ShouldEqual, 4.0)
		convey.So(ep.AdaptiveCheckWindow, convey.ShouldEqual, int64(8))
		convey.So(ep.AdaptiveMinRows, convey.ShouldEqual, int64(1024))
		convey.So(ep.AdaptiveMinNdv, convey.ShouldEqual, int64(0))
		convey.So(ep.LogLevel, convey.ShouldEqual, "info")
		convey.So(ep.LogFormat, convey.ShouldEqual, "console")
		convey.So(ep.Validate(), convey.ShouldBeNil)
	})

	convey.Convey("set values survive", t, func() {
		ep := &EngineParameters{BatchRows: 100, AdaptiveSkewRatio: 2.5}
		ep.SetDefaultValues()
		convey.So(ep.BatchRows, convey.ShouldEqual, int64(100))
		convey.So(ep.AdaptiveSkewRatio, convey.ShouldEqual, 2.5)
	})
}

func TestValidate(t *testing.T) {
	convey.Convey("bad values are rejected", t, func() {
		ep := &EngineParameters{}
		ep.SetDefaultValues()
		ep.BatchRows = 0
		err := ep.Validate()
		convey.So(err, convey.ShouldNotBeNil)
		convey.So(axerr.IsAxErrCode(err, axerr.ErrBadConfig), convey.ShouldBeTrue)

		ep.SetDefaultValues()
		ep.AdaptiveSkewRatio = 0.5
		convey.So(ep.Validate(), convey.ShouldNotBeNil)
	})
}

func TestLoadEngineParameters(t *testing.T) {
	convey.Convey("load a toml file", t, func() {
		file := filepath.Join(t.TempDir(), "engine.toml")
		err := os.WriteFile(file, []byte(`
memoryLimit = 1073741824
batchRows = 4096
exchangeQueueCapacity = 4
adaptiveSkewRatio = 8.0
logLevel = "debug"
`), 0o644)
		convey.So(err, convey.ShouldBeNil)

		ep, err := LoadEngineParameters(file)
		convey.So(err, convey.ShouldBeNil)
		convey.So(ep.MemoryLimit, convey.ShouldEqual, int64(1073741824))
		convey.So(ep.BatchRows, convey.ShouldEqual, int64(4096))
		convey.So(ep.ExchangeQueueCapacity, convey.ShouldEqual, int64(4))
		convey.So(ep.AdaptiveSkewRatio, convey.ShouldEqual, 8.0)
		convey.So(ep.LogLevel, convey.ShouldEqual, "debug")
		// untouched fields fall back to defaults
		convey.So(ep.AdaptiveCheckWindow, convey.ShouldEqual, int64(8))
	})

	convey.Convey("an empty path means pure defaults", t, func() {
		ep, err := LoadEngineParameters("")
		convey.So(err, convey.ShouldBeNil)
		convey.So(ep.BatchRows, convey.ShouldEqual, int64(8192))
	})

	convey.Convey("garbage fails with a config error", t, func() {
		file := filepath.Join(t.TempDir(), "bad.toml")
		convey.So(os.WriteFile(file, []byte("{not toml"), 0o644), convey.ShouldBeNil)
		_, err := LoadEngineParameters(file)
		convey.So(err, convey.ShouldNotBeNil)
		convey.So(axerr.IsAxErrCode(err, axerr.ErrBadConfig), convey.ShouldBeTrue)
	})
}

func TestParameterUnit(t *testing.T) {
	convey.Convey("round-trip through a context", t, func() {
		ep := &EngineParameters{}
		ep.SetDefaultValues()
		pu := NewParameterUnit(ep, mpool.MustNewZero())
		ctx := context.WithValue(context.Background(), ParameterUnitKey, pu)
		convey.So(GetParameterUnit(ctx), convey.ShouldEqual, pu)
	})
}
