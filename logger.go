// Copyright 2011 Google Inc. All Rights Reserved.
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

package pipcore

import "go.uber.org/zap"

// Event codes for the numbered build events a Logger emits (§4.6). Numbered
// so external log processors can filter on a stable code rather than a
// message string, matching the teacher's status.go use of fixed edge-status
// transitions for its own progress reporting.
const (
	EventCacheHit = 1000 + iota
	EventCacheMiss
	EventCacheConverged
	EventExecutionStart
	EventExecutionEnd
	EventSandboxRetry
	EventPipFailed
	EventBuildSetComputed
)

// Logger is the structured event sink the executor and build-set calculator
// report through (§4.6). Implementations must be safe for concurrent use.
type Logger interface {
	Event(code int, msg string, fields ...zap.Field)
	With(fields ...zap.Field) Logger
}

// zapLogger is the production Logger, backed by go.uber.org/zap the way the
// rest of the domain stack's structured-logging concern is met elsewhere in
// the pack.
type zapLogger struct {
	l *zap.Logger
}

// NewLogger wraps base, tagging every event with its numeric code.
func NewLogger(base *zap.Logger) Logger {
	return &zapLogger{l: base}
}

// NewDevelopmentLogger returns a Logger backed by zap's development config
// (human-readable, colorized-friendly console output). The demo host and
// the package tests use NopLogger instead.
func NewDevelopmentLogger() Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		l = zap.NewNop()
	}
	return &zapLogger{l: l}
}

func (z *zapLogger) Event(code int, msg string, fields ...zap.Field) {
	z.l.Info(msg, append(fields, zap.Int("event", code))...)
}

func (z *zapLogger) With(fields ...zap.Field) Logger {
	return &zapLogger{l: z.l.With(fields...)}
}

// NopLogger discards every event, for callers that don't want logging
// (unit tests exercising return values only).
func NopLogger() Logger { return &zapLogger{l: zap.NewNop()} }
