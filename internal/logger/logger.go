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

// Package logger provides the process-wide structured logger. Every
// package logs through Tracef/Debugf/Infof/Warnf/Errorf rather than
// fmt.Println or the standard log package.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/zlomekfs/zfsd/cfg"
	"github.com/zlomekfs/zfsd/internal/config"
)

// Severity levels, ordered so that Trace is the most verbose and Off
// disables logging entirely. These are distinct from slog's built-in
// levels (which have no TRACE and spell WARN, not WARNING) so that the
// wire/text severity names match the project's vocabulary.
const (
	LevelTrace slog.Level = -8
	LevelDebug            = slog.LevelDebug
	levelInfo             = slog.LevelInfo
	LevelWarn             = slog.LevelWarn
	LevelError            = slog.LevelError
	LevelOff   slog.Level = 1 << 20
)

// loggerFactory holds the state needed to (re)build defaultLogger whenever
// the format or level changes.
type loggerFactory struct {
	file      *os.File
	sysWriter io.Writer
	format    string
	level     string

	logRotateConfig config.LogRotateConfig
}

var (
	defaultLoggerFactory = &loggerFactory{level: config.INFO}
	defaultLogger         = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, newLevelVar(config.INFO), ""))
)

func newLevelVar(level string) *slog.LevelVar {
	v := new(slog.LevelVar)
	setLoggingLevel(level, v)
	return v
}

// setLoggingLevel maps a severity name onto programLevel.
func setLoggingLevel(level string, programLevel *slog.LevelVar) {
	switch level {
	case config.TRACE:
		programLevel.Set(LevelTrace)
	case config.DEBUG:
		programLevel.Set(LevelDebug)
	case config.WARNING:
		programLevel.Set(LevelWarn)
	case config.ERROR:
		programLevel.Set(LevelError)
	case config.OFF:
		programLevel.Set(LevelOff)
	default:
		programLevel.Set(levelInfo)
	}
}

func severityForLevel(l slog.Level) string {
	switch {
	case l < LevelDebug:
		return config.TRACE
	case l < levelInfo:
		return config.DEBUG
	case l < LevelWarn:
		return config.INFO
	case l < LevelError:
		return config.WARNING
	default:
		return config.ERROR
	}
}

// leveledHandler implements slog.Handler in both text and JSON form, but
// emits a fixed, grep-friendly shape rather than slog's default attribute dump:
// the daemon logs a severity and a fully-formatted message, not
// free-form key/value pairs.
type leveledHandler struct {
	w      io.Writer
	level  *slog.LevelVar
	prefix string
	json   bool
}

func (h *leveledHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

type jsonLogEntry struct {
	Timestamp struct {
		Seconds int64 `json:"seconds"`
		Nanos   int   `json:"nanos"`
	} `json:"timestamp"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

func (h *leveledHandler) Handle(_ context.Context, r slog.Record) error {
	msg := h.prefix + r.Message
	severity := severityForLevel(r.Level)

	if h.json {
		var entry jsonLogEntry
		entry.Timestamp.Seconds = r.Time.Unix()
		entry.Timestamp.Nanos = r.Time.Nanosecond()
		entry.Severity = severity
		entry.Message = msg

		b, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(h.w, "%s\n", b)
		return err
	}

	_, err := fmt.Fprintf(h.w, "time=%q severity=%s message=%q\n",
		r.Time.Format("2006/01/02 15:04:05.000000"), severity, msg)
	return err
}

func (h *leveledHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *leveledHandler) WithGroup(string) slog.Handler      { return h }

// createJsonOrTextHandler builds a slog.Handler writing to w at the
// factory's currently configured format.
func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	return &leveledHandler{
		w:      w,
		level:  level,
		prefix: prefix,
		json:   f.format != "text",
	}
}

func logf(level slog.Level, format string, args ...any) {
	defaultLogger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...any) { logf(LevelTrace, format, args...) }
func Debugf(format string, args ...any) { logf(LevelDebug, format, args...) }
func Infof(format string, args ...any)  { logf(levelInfo, format, args...) }
func Warnf(format string, args ...any)  { logf(LevelWarn, format, args...) }
func Errorf(format string, args ...any) { logf(LevelError, format, args...) }

func rebuild() {
	var w io.Writer = os.Stderr
	if defaultLoggerFactory.file != nil {
		w = defaultLoggerFactory.file
	}
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(w, newLevelVar(defaultLoggerFactory.level), ""))
}

// SetLogFormat changes the output format ("text" or anything else, which
// is treated as json) of the default logger.
func SetLogFormat(format string) {
	if defaultLoggerFactory == nil {
		defaultLoggerFactory = &loggerFactory{level: config.INFO}
	}
	defaultLoggerFactory.format = format
	rebuild()
}

// InitLogFile opens the configured log file and rebuilds the default
// logger to write to it. newLogConfig (the cfg package's view, derived
// from CLI flags and the local config file) supplies the file path,
// severity and format; legacyLogConfig supplies the rotation policy,
// mirroring the teacher's two-config migration shape.
func InitLogFile(legacyLogConfig config.LogConfig, newLogConfig cfg.LoggingConfig) error {
	filePath := string(newLogConfig.FilePath)
	if filePath == "" {
		filePath = legacyLogConfig.File
	}

	var f *os.File
	if filePath != "" {
		var err error
		f, err = os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file %s: %w", filePath, err)
		}
	}

	severity := string(newLogConfig.Severity)
	if severity == "" {
		severity = legacyLogConfig.Severity
	}
	if severity == "" {
		severity = config.INFO
	}

	format := newLogConfig.Format

	defaultLoggerFactory = &loggerFactory{
		file:            f,
		format:          format,
		level:           severity,
		logRotateConfig: legacyLogConfig.LogRotateConfig,
	}

	rebuild()
	return nil
}
