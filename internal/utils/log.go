// Package utils holds small, dependency-free helpers shared by the
// connection driver, chiefly a level-gated logger over the standard
// library's log package.
package utils

import (
	"log"
	"os"
)

type LogLevel uint8

const (
	LogLevelNothing LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// Logger is the minimal interface Config.Logger implements.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// StdLogger logs through the standard library's log package, gated by Level.
type StdLogger struct {
	Level  LogLevel
	logger *log.Logger
}

// NewStdLogger builds a logger writing to stderr at the given level.
func NewStdLogger(level LogLevel) *StdLogger {
	return &StdLogger{Level: level, logger: log.New(os.Stderr, "jetstream: ", log.LstdFlags)}
}

func (l *StdLogger) Debugf(format string, args ...interface{}) {
	if l.Level >= LogLevelDebug {
		l.logger.Printf(format, args...)
	}
}

func (l *StdLogger) Infof(format string, args ...interface{}) {
	if l.Level >= LogLevelInfo {
		l.logger.Printf(format, args...)
	}
}

func (l *StdLogger) Errorf(format string, args ...interface{}) {
	if l.Level >= LogLevelError {
		l.logger.Printf(format, args...)
	}
}
