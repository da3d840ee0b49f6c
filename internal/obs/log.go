// Package obs wires up the endpoint's logging the way the teacher package
// does: a package-level beego logger toggled by a debug switch, swappable by
// an embedding application.
package obs

import (
	"github.com/astaxie/beego/logs"
)

var (
	log          *logs.BeeLogger
	traceEnabled bool
)

func init() {
	log = logs.NewLogger(10000)
	log.SetLogger("console", `{"level":7}`)
	log.EnableFuncCallDepth(true)
	log.SetLogFuncCallDepth(3)
}

// EnableTrace turns on trace-level wire dumps (dedup/retransmit/block/
// observe decisions); everything else always logs at its own level.
func EnableTrace(enable bool) { traceEnabled = enable }

// SetLogger overrides the package logger, mirroring the teacher's
// SetLogger(l) escape hatch for embedding applications with their own
// beego logger instance.
func SetLogger(l *logs.BeeLogger) {
	if l != nil {
		log = l
	}
}

// Trace logs a wire-level decision, only when EnableTrace(true) was called.
func Trace(format string, args ...interface{}) {
	if traceEnabled {
		log.Trace(format, args...)
	}
}

// Debug logs a layer-internal decision.
func Debug(format string, args ...interface{}) {
	log.Debug(format, args...)
}

// Info logs a notable but expected event (subscription added, resource created...).
func Info(format string, args ...interface{}) {
	log.Info(format, args...)
}

// Warn logs a recoverable protocol anomaly (duplicate, unmatched ACK/RST...).
func Warn(format string, args ...interface{}) {
	log.Warn(format, args...)
}

// Error logs an internal fault.
func Error(format string, args ...interface{}) {
	log.Error(format, args...)
}
