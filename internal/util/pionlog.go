package util

import (
	"github.com/pion/logging"
)

// PionLoggerFactory routes the WebRTC stack's internal logs through the
// pterm logger. Pion's info output is chatty, so it is demoted to debug.
type PionLoggerFactory struct{}

var _ logging.LoggerFactory = PionLoggerFactory{}

// NewLogger returns a logger that prefixes every line with scope.
func (PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{scope: scope}
}

type pionLogger struct {
	scope string
}

func (l pionLogger) Trace(msg string) { LogTrace("[pion/%s] %s", l.scope, msg) }
func (l pionLogger) Debug(msg string) { LogDebug("[pion/%s] %s", l.scope, msg) }
func (l pionLogger) Info(msg string)  { LogDebug("[pion/%s] %s", l.scope, msg) }
func (l pionLogger) Warn(msg string)  { LogWarning("[pion/%s] %s", l.scope, msg) }
func (l pionLogger) Error(msg string) { LogError("[pion/%s] %s", l.scope, msg) }

func (l pionLogger) Tracef(format string, args ...interface{}) {
	LogTrace("[pion/"+l.scope+"] "+format, args...)
}

func (l pionLogger) Debugf(format string, args ...interface{}) {
	LogDebug("[pion/"+l.scope+"] "+format, args...)
}

func (l pionLogger) Infof(format string, args ...interface{}) {
	LogDebug("[pion/"+l.scope+"] "+format, args...)
}

func (l pionLogger) Warnf(format string, args ...interface{}) {
	LogWarning("[pion/"+l.scope+"] "+format, args...)
}

func (l pionLogger) Errorf(format string, args ...interface{}) {
	LogError("[pion/"+l.scope+"] "+format, args...)
}
