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
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/axiondb/axion/pkg/common/axerr"
)

// LogConfig is the logging section of the engine configuration.
type LogConfig struct {
	// Level is the minimum enabled level: debug, info, warn, error, panic, fatal
	Level string `toml:"level"`
	// Format of the output: json or console
	Format string `toml:"format"`
	// Filename routes output to a rotated file instead of stdout
	Filename string `toml:"filename"`
	// MaxSize is the size in MB that triggers rotation
	MaxSize int `toml:"max-size"`
	// MaxDays to retain old log files
	MaxDays int `toml:"max-days"`
	// MaxBackups to retain
	MaxBackups int `toml:"max-backups"`

	// DisableStore drops the report sink that hands entries to a
	// registered collector
	DisableStore bool `toml:"disable-store"`
	// StacktraceLevel attaches stacktraces at this level and above
	StacktraceLevel string `toml:"stacktrace-level"`
}

// ZapSink pairs an encoder with its destination.  The first sink of a
// config is the raw console/file stream, any further sink reports
// entries to a registered collector.
type ZapSink struct {
	enc zapcore.Encoder
	out zapcore.WriteSyncer
}

// SetupAxionLogger builds the global logger from conf and installs it.
// Unusable configs panic: logging is set up before anything that could
// report the failure.
func SetupAxionLogger(conf *LogConfig) {
	setGlobalLogConfig(conf)
	logger := initAxionLogger(conf)
	replaceGlobalLogger(logger)
	logger.Info("axion logger init",
		zap.String("level", conf.Level),
		zap.String("format", conf.Format),
		zap.String("file", conf.Filename))
}

func initAxionLogger(cfg *LogConfig) *zap.Logger {
	sinks := cfg.getSinks()
	cores := make([]zapcore.Core, 0, len(sinks))
	level := cfg.getLevel()
	for i, sink := range sinks {
		if i == 0 {
			cores = append(cores, zapcore.NewCore(sink.enc, sink.out, level))
		} else {
			cores = append(cores, newReportCore(level, sink))
		}
	}
	return zap.New(zapcore.NewTee(cores...), cfg.getOptions()...)
}

func (cfg *LogConfig) getSinks() []ZapSink {
	sinks := []ZapSink{{cfg.getEncoder(), cfg.getSyncer()}}
	if !cfg.DisableStore {
		sinks = append(sinks, ZapSink{getReportEncoder(), getReportSyncer()})
	}
	return sinks
}

func (cfg *LogConfig) getLevel() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	text := cfg.Level
	if text == "" {
		text = "info"
	}
	if err := level.UnmarshalText([]byte(text)); err != nil {
		panic(axerr.NewInternalError(context.TODO(), "unsupported log level: %s", cfg.Level))
	}
	return level
}

func (cfg *LogConfig) getOptions() []zap.Option {
	return []zap.Option{zap.AddStacktrace(cfg.getStacktraceLevel()), zap.AddCaller()}
}

func (cfg *LogConfig) getStacktraceLevel() zapcore.Level {
	var level zapcore.Level
	if cfg.StacktraceLevel == "" {
		return zapcore.FatalLevel
	}
	if err := level.UnmarshalText([]byte(cfg.StacktraceLevel)); err != nil {
		panic(axerr.NewInternalError(context.TODO(), "unsupported stacktrace level: %s", cfg.StacktraceLevel))
	}
	return level
}

func (cfg *LogConfig) getSyncer() zapcore.WriteSyncer {
	if cfg.Filename == "" {
		return getConsoleSyncer()
	}
	return getFileSyncer(cfg)
}

func (cfg *LogConfig) getEncoder() zapcore.Encoder {
	return getLoggerEncoder(cfg.Format)
}

func getConsoleSyncer() zapcore.WriteSyncer {
	return zapcore.AddSync(os.Stdout)
}

func getFileSyncer(cfg *LogConfig) zapcore.WriteSyncer {
	if stat, err := os.Stat(cfg.Filename); err == nil && stat.IsDir() {
		panic("log file can't be a directory")
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxDays,
		MaxBackups: cfg.MaxBackups,
		LocalTime:  true,
	})
}

func getLoggerEncoder(format string) zapcore.Encoder {
	switch format {
	case "json", "":
		return zapcore.NewJSONEncoder(getLoggerEncoderConfig())
	case "console":
		return zapcore.NewConsoleEncoder(getLoggerEncoderConfig())
	default:
		panic(axerr.NewInternalError(context.TODO(), "unsupported log format: %s", format))
	}
}

func getLoggerEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey:       "msg",
		LevelKey:         "level",
		TimeKey:          "time",
		NameKey:          "name",
		CallerKey:        "caller",
		StacktraceKey:    "stacktrace",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000000 -0700"),
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeCaller:     zapcore.ShortCallerEncoder,
		ConsoleSeparator: " ",
	}
}
