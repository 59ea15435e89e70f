// Package logging provides a thin level filter over the standard log
// package, honoring the policy's log_level the way the rest of the
// codebase writes level-tagged lines ("INFO: ...", "WARNING: ...",
// "ERROR: ...").
package logging

import (
	"log"
	"strings"
	"sync/atomic"
)

// Level enumerates the supported severities, ordered from least to most
// severe so a configured floor can filter by comparison.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

var current atomic.Int32

func init() {
	current.Store(int32(LevelError))
}

// ParseLevel maps a policy log_level string (case-insensitive) to a
// Level, defaulting to LevelError for anything unrecognized.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARNING", "WARN":
		return LevelWarning
	default:
		return LevelError
	}
}

// SetLevel sets the process-wide logging floor. Messages below this
// level are discarded.
func SetLevel(level Level) {
	current.Store(int32(level))
}

func enabled(level Level) bool {
	return level >= Level(current.Load())
}

// Debug logs a DEBUG-tagged line if the current floor allows it.
func Debug(format string, args ...interface{}) { logAt(LevelDebug, "DEBUG", format, args...) }

// Info logs an INFO-tagged line if the current floor allows it.
func Info(format string, args ...interface{}) { logAt(LevelInfo, "INFO", format, args...) }

// Warning logs a WARNING-tagged line if the current floor allows it.
func Warning(format string, args ...interface{}) { logAt(LevelWarning, "WARNING", format, args...) }

// Error logs an ERROR-tagged line if the current floor allows it.
func Error(format string, args ...interface{}) { logAt(LevelError, "ERROR", format, args...) }

func logAt(level Level, tag, format string, args ...interface{}) {
	if !enabled(level) {
		return
	}
	log.Printf(tag+": "+format, args...)
}
