// Copyright 2023 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the ambient structured-logging surface for
// fuse-zstd: a slog.Logger with an extra TRACE level below Debug, selectable
// text or JSON output, and package-level convenience functions.
package logger

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"time"
)

// Severity levels, ordered below standard slog levels so TRACE sits under
// DEBUG while still composing with slog.LevelVar.
const (
	LevelTrace slog.Level = slog.LevelDebug - 4
	LevelDebug slog.Level = slog.LevelDebug
	LevelInfo  slog.Level = slog.LevelInfo
	LevelWarn  slog.Level = slog.LevelWarn
	LevelError slog.Level = slog.LevelError
	LevelOff   slog.Level = slog.LevelError + 100
)

var severityNames = map[slog.Level]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARNING",
	LevelError: "ERROR",
}

type handlerFactory struct{}

var defaultLoggerFactory handlerFactory

func (handlerFactory) createJSONOrTextHandler(w io.Writer, level *slog.LevelVar, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.LevelKey:
				lvl, _ := a.Value.Any().(slog.Level)
				name, ok := severityNames[lvl]
				if !ok {
					name = lvl.String()
				}
				return slog.Attr{Key: "severity", Value: slog.StringValue(name)}
			case slog.TimeKey:
				if format == "json" {
					t, _ := a.Value.Any().(time.Time)
					return slog.Attr{
						Key: "timestamp",
						Value: slog.GroupValue(
							slog.Int64("seconds", t.Unix()),
							slog.Int64("nanos", int64(t.Nanosecond())),
						),
					}
				}
				return a
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: a.Value}
			}
			return a
		},
	}

	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

var (
	programLevel  = new(slog.LevelVar)
	defaultLogger = slog.New(defaultLoggerFactory.createJSONOrTextHandler(os.Stderr, programLevel, "text"))
)

// Init (re)configures the default logger's format and level.
func Init(format string, verbosity int) {
	setLoggingLevel(severityForVerbosity(verbosity), programLevel)
	defaultLogger = slog.New(defaultLoggerFactory.createJSONOrTextHandler(os.Stderr, programLevel, format))
}

// severityForVerbosity maps the CLI's repeated -v flag to a severity name.
func severityForVerbosity(v int) string {
	switch {
	case v <= 0:
		return "INFO"
	case v == 1:
		return "DEBUG"
	default:
		return "TRACE"
	}
}

func setLoggingLevel(severity string, level *slog.LevelVar) {
	for lvl, name := range severityNames {
		if name == severity {
			level.Set(lvl)
			return
		}
	}
	level.Set(LevelInfo)
}

func Tracef(format string, v ...interface{}) { logAt(LevelTrace, format, v...) }
func Debugf(format string, v ...interface{}) { logAt(LevelDebug, format, v...) }
func Infof(format string, v ...interface{})  { logAt(LevelInfo, format, v...) }
func Warnf(format string, v ...interface{})  { logAt(LevelWarn, format, v...) }
func Errorf(format string, v ...interface{}) { logAt(LevelError, format, v...) }

func logAt(level slog.Level, format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

// NewStdLogger returns a *log.Logger that forwards to the default slog
// logger at the given level, for handing to APIs (like fuse.MountConfig's
// ErrorLogger/DebugLogger) that still expect the standard library logger.
func NewStdLogger(level slog.Level, prefix string) *log.Logger {
	l := slog.NewLogLogger(defaultLogger.Handler(), level)
	l.SetPrefix(prefix)
	return l
}
