// Copyright 2021 The GCR Cleaner Authors
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

package retentionpolicy

import (
	"fmt"
	"io"
	"strings"

	charmlog "github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Logger is the structured logging facade used throughout this package. Its
// signature mirrors the teacher's hand-rolled logger; the implementation is
// backed by charmbracelet/log instead of a hand-marshaled JSON line.
type Logger struct {
	inner *charmlog.Logger
	runID string
}

// NewLogger builds a Logger at the given severity threshold, writing to w.
// level is case-insensitive and accepts "debug", "info", "warn"/"warning",
// "error", "fatal". An empty level defaults to "info". Every log line
// carries a run_id field shared across the lifetime of this Logger, so
// concurrent per-package log lines from one invocation can be correlated.
func NewLogger(level string, w io.Writer) *Logger {
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}

	inner := charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
	})

	switch normalized {
	case "debug":
		inner.SetLevel(charmlog.DebugLevel)
	case "info":
		inner.SetLevel(charmlog.InfoLevel)
	case "warn", "warning":
		inner.SetLevel(charmlog.WarnLevel)
	case "error":
		inner.SetLevel(charmlog.ErrorLevel)
	case "fatal", "emergency":
		inner.SetLevel(charmlog.FatalLevel)
	default:
		panic(fmt.Sprintf("failed to parse level %q: not found", level))
	}

	return &Logger{inner: inner, runID: uuid.NewString()}
}

func (l *Logger) fields(fields []any) []any {
	out := make([]any, 0, len(fields)+2)
	out = append(out, "run_id", l.runID)
	out = append(out, fields...)
	return out
}

func (l *Logger) Debug(msg string, fields ...any) {
	l.inner.Debug(msg, l.fields(fields)...)
}

func (l *Logger) Info(msg string, fields ...any) {
	l.inner.Info(msg, l.fields(fields)...)
}

func (l *Logger) Warn(msg string, fields ...any) {
	l.inner.Warn(msg, l.fields(fields)...)
}

func (l *Logger) Error(msg string, fields ...any) {
	l.inner.Error(msg, l.fields(fields)...)
}

func (l *Logger) Fatal(msg string, fields ...any) {
	l.inner.Fatal(msg, l.fields(fields)...)
}

// RunID returns the correlation id attached to every line this Logger
// emits.
func (l *Logger) RunID() string {
	return l.runID
}
