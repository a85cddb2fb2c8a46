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

package logutil

import (
	"context"
	"io"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// The report sink hands encoded entries to whatever collector has been
// registered through SetLogReporter.  Until one is, both hooks are
// noops, so the sink costs one field scan per entry.

// AxInternalFiledKeyNoopReport marks an entry that must never reach the
// report sink, e.g. entries emitted by the collector itself.
const AxInternalFiledKeyNoopReport = "AxInternalFiledKeyNoopReport"

// SpanFieldKey carries the trace span of the logging context.
const SpanFieldKey = "span"

type CtxFieldsFunc func(ctx context.Context) zap.Field

type ReportZapFunc func(encoder zapcore.Encoder, entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error)

// TraceReporter is the collector-side pair of hooks.
type TraceReporter struct {
	ContextField CtxFieldsFunc
	ReportZap    ReportZapFunc
}

var gCtxFieldFunc atomic.Value
var gReportZapFunc atomic.Value
var gLogConfig atomic.Value

func init() {
	gCtxFieldFunc.Store(CtxFieldsFunc(noopContextField))
	gReportZapFunc.Store(ReportZapFunc(noopReportZap))
}

func SetLogReporter(r *TraceReporter) {
	if r.ContextField != nil {
		gCtxFieldFunc.Store(r.ContextField)
	}
	if r.ReportZap != nil {
		gReportZapFunc.Store(r.ReportZap)
	}
}

func GetContextFieldFunc() CtxFieldsFunc {
	return gCtxFieldFunc.Load().(CtxFieldsFunc)
}

func GetReportZapFunc() ReportZapFunc {
	return gReportZapFunc.Load().(ReportZapFunc)
}

// NoReportFiled tags an entry so the report sink skips it.
func NoReportFiled() zap.Field {
	return zap.Bool(AxInternalFiledKeyNoopReport, true)
}

func noopContextField(context.Context) zap.Field {
	return zap.String(SpanFieldKey, "{}")
}

var reportBufferPool = buffer.NewPool()

func noopReportZap(zapcore.Encoder, zapcore.Entry, []zapcore.Field) (*buffer.Buffer, error) {
	return reportBufferPool.Get(), nil
}

func setGlobalLogConfig(cfg *LogConfig) {
	gLogConfig.Store(*cfg)
}

func getGlobalLogConfig() LogConfig {
	return gLogConfig.Load().(LogConfig)
}

func getReportEncoder() zapcore.Encoder {
	return zapcore.NewJSONEncoder(getLoggerEncoderConfig())
}

func getReportSyncer() zapcore.WriteSyncer {
	return zapcore.AddSync(io.Discard)
}

// reportCore routes entries through the registered ReportZapFunc.
type reportCore struct {
	zapcore.LevelEnabler
	enc zapcore.Encoder
	out zapcore.WriteSyncer
}

func newReportCore(enab zapcore.LevelEnabler, sink ZapSink) zapcore.Core {
	return &reportCore{LevelEnabler: enab, enc: sink.enc, out: sink.out}
}

func (c *reportCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &reportCore{LevelEnabler: c.LevelEnabler, enc: c.enc.Clone(), out: c.out}
	for i := range fields {
		fields[i].AddTo(clone.enc)
	}
	return clone
}

func (c *reportCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c *reportCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	for i := range fields {
		if fields[i].Key == AxInternalFiledKeyNoopReport {
			return nil
		}
	}
	buf, err := GetReportZapFunc()(c.enc.Clone(), entry, fields)
	if err != nil {
		return err
	}
	if buf.Len() > 0 {
		_, err = c.out.Write(buf.Bytes())
	}
	buf.Free()
	return err
}

func (c *reportCore) Sync() error {
	return c.out.Sync()
}
