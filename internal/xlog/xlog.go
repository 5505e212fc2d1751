// Package xlog is a minimal level filter layered on top of the standard
// log package: plain log.Printf calls with a component prefix, rather
// than pulling in a structured logging library.
package xlog

import (
	"log"
	"strings"
)

// Level orders from least to most verbose, matching spec's --log filter
// vocabulary (error, warn, info, debug, trace).
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

// ParseLevel parses the --log filter string. An empty or unrecognized
// string defaults to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LevelError
	case "warn", "warning":
		return LevelWarn
	case "debug":
		return LevelDebug
	case "trace":
		return LevelTrace
	case "info", "":
		return LevelInfo
	default:
		return LevelInfo
	}
}

// Logger prefixes every line with a component tag and drops lines below
// its configured level.
type Logger struct {
	prefix string
	level  Level
}

// New returns a Logger tagging every line with prefix (e.g. "tunnel: ").
func New(prefix string, level Level) *Logger {
	return &Logger{prefix: prefix, level: level}
}

func (l *Logger) log(level Level, format string, args ...any) {
	if level > l.level {
		return
	}
	log.Printf(l.prefix+format, args...)
}

func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Tracef(format string, args ...any) { l.log(LevelTrace, format, args...) }
