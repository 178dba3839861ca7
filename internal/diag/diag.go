// Package diag is a minimal leveled logger used for the handful of
// commit/checkpoint/recovery diagnostics duskbase prints. It deliberately
// stays on the standard library's log package rather than a structured
// logging library -- see DESIGN.md.
package diag

import (
	"log"
	"os"
)

// Level controls which Logger calls actually print.
type Level int

const (
	LevelSilent Level = iota
	LevelWarn
	LevelDebug
)

// Logger wraps a standard library *log.Logger with a level gate.
type Logger struct {
	level Level
	std   *log.Logger
}

// New returns a Logger that writes to stderr at the given level.
func New(level Level) *Logger {
	return &Logger{level: level, std: log.New(os.Stderr, "duskbase: ", log.LstdFlags)}
}

// Nop returns a Logger that never prints.
func Nop() *Logger {
	return &Logger{level: LevelSilent, std: log.New(os.Stderr, "", 0)}
}

func (l *Logger) Debugf(format string, args ...any) {
	if l == nil || l.level < LevelDebug {
		return
	}
	l.std.Printf(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	if l == nil || l.level < LevelWarn {
		return
	}
	l.std.Printf(format, args...)
}
