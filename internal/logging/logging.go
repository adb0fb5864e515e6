// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging provides leveled event logging over the standard logger.
//
// Lines keep the "EVENT | key=value" shape used across the code base, with a
// [LEVEL] prefix so that operators can grep by severity:
//
//	[WARN] STORE_WRITE_FAILED | session=abc err=disk full
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// Level is a logging severity. Higher levels are more verbose.
type Level int32

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// String returns the lower-case level name.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	default:
		return fmt.Sprintf("level(%d)", int32(l))
	}
}

// ParseLevel parses "debug", "info", "warn"/"warning" or "error".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

var (
	level  atomic.Int32
	logger = log.New(os.Stderr, "", log.LstdFlags)
)

func init() {
	level.Store(int32(LevelInfo))
}

// SetLevel sets the global log level. Safe for concurrent use.
func SetLevel(l Level) {
	level.Store(int32(l))
}

// CurrentLevel returns the global log level.
func CurrentLevel() Level {
	return Level(level.Load())
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// Enabled reports whether messages at l are written.
func Enabled(l Level) bool {
	return CurrentLevel() >= l
}

// Error logs an event at error level.
func Error(event string, kv ...interface{}) { emit(LevelError, event, kv) }

// Warn logs an event at warn level.
func Warn(event string, kv ...interface{}) { emit(LevelWarn, event, kv) }

// Info logs an event at info level.
func Info(event string, kv ...interface{}) { emit(LevelInfo, event, kv) }

// Debug logs an event at debug level.
func Debug(event string, kv ...interface{}) { emit(LevelDebug, event, kv) }

func emit(l Level, event string, kv []interface{}) {
	if !Enabled(l) {
		return
	}
	logger.Print(Format(l, event, kv...))
}

// Format renders one log line without writing it. A trailing key without a
// value is rendered with the value "?".
func Format(l Level, event string, kv ...interface{}) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(strings.ToUpper(l.String()))
	b.WriteString("] ")
	b.WriteString(event)

	if len(kv) == 0 {
		return b.String()
	}

	b.WriteString(" |")
	for i := 0; i < len(kv); i += 2 {
		b.WriteString(" ")
		fmt.Fprint(&b, kv[i])
		b.WriteString("=")
		if i+1 < len(kv) {
			fmt.Fprint(&b, kv[i+1])
		} else {
			b.WriteString("?")
		}
	}
	return b.String()
}
