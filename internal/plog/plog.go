// Package plog is a thin session-logging wrapper around
// github.com/dsoprea/go-logging, honouring the PMEMPOOL_LOG_LEVEL
// environment variable to gate Debugf/Infof/Warnf (Errorf always
// emits), matching libpmempool's PMEMPOOL_LOG_LEVEL knob.
package plog

import (
	"os"

	log "github.com/dsoprea/go-logging"
)

var cp = log.NewLogContext("pmpool")

// Level mirrors the PMEMPOOL_LOG_LEVEL scale; unset or unrecognised
// values fall back to LevelWarning.
type Level int

const (
	LevelError Level = iota
	LevelWarning
	LevelInfo
	LevelDebug
)

func levelFromEnv() Level {
	switch os.Getenv("PMEMPOOL_LOG_LEVEL") {
	case "3":
		return LevelDebug
	case "2":
		return LevelInfo
	case "1":
		return LevelWarning
	case "0":
		return LevelError
	default:
		return LevelWarning
	}
}

var current = levelFromEnv()

// Debugf emits a debug-level log line when PMEMPOOL_LOG_LEVEL >= 3.
func Debugf(format string, args ...interface{}) {
	if current >= LevelDebug {
		cp.Debugf(nil, format, args...)
	}
}

// Infof emits an info-level log line when PMEMPOOL_LOG_LEVEL >= 2.
func Infof(format string, args ...interface{}) {
	if current >= LevelInfo {
		cp.Infof(nil, format, args...)
	}
}

// Warnf emits a warning-level log line when PMEMPOOL_LOG_LEVEL >= 1.
func Warnf(format string, args ...interface{}) {
	if current >= LevelWarning {
		cp.Warningf(nil, format, args...)
	}
}

// Errorf always emits, regardless of level.
func Errorf(format string, args ...interface{}) {
	cp.Errorf(nil, format, args...)
}
