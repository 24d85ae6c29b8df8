// Package logging is a thin level filter over the standard library
// log.Logger. The teacher never pulls in a structured-logging
// dependency either — blockchain.NewBlockchainClient, db.InitDB, and
// ipfs.NewIPFSService all just fmt.Printf/log.Printf their way through
// startup and error paths — so this core follows the same texture
// instead of reaching for zap/logrus (see DESIGN.md).
package logging

import (
	"log"
	"os"
	"strings"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is a level-filtered wrapper around *log.Logger.
type Logger struct {
	level Level
	out   *log.Logger
}

// New builds a Logger writing to stderr with the given minimum level.
func New(level Level) *Logger {
	return &Logger{level: level, out: log.New(os.Stderr, "", log.LstdFlags)}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(LevelDebug, "DEBUG", format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(LevelInfo, "INFO", format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logf(LevelWarn, "WARN", format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(LevelError, "ERROR", format, args...) }

func (l *Logger) logf(level Level, tag, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	l.out.Printf("["+tag+"] "+format, args...)
}
