// Package logging routes pion's internal loggers into zap.
package logging

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// PionFactory implements logging.LoggerFactory on top of a zap logger. Every
// scope gets a named child logger.
type PionFactory struct {
	base *zap.Logger
}

// NewPionFactory returns a factory logging through base. A nil base uses the
// global logger at the time each scope is created.
func NewPionFactory(base *zap.Logger) *PionFactory {
	return &PionFactory{base: base}
}

// NewLogger returns a leveled logger for scope.
func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	base := f.base
	if base == nil {
		base = zap.L()
	}
	return &pionLogger{s: base.Named(scope).WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

type pionLogger struct {
	s *zap.SugaredLogger
}

// pion's trace level is noisier than debug; zap has nothing below debug.
func (l *pionLogger) Trace(msg string) {}

func (l *pionLogger) Tracef(format string, args ...interface{}) {}

func (l *pionLogger) Debug(msg string) { l.s.Debug(msg) }

func (l *pionLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }

func (l *pionLogger) Info(msg string) { l.s.Info(msg) }

func (l *pionLogger) Infof(format string, args ...interface{}) { l.s.Infof(format, args...) }

func (l *pionLogger) Warn(msg string) { l.s.Warn(msg) }

func (l *pionLogger) Warnf(format string, args ...interface{}) { l.s.Warnf(format, args...) }

func (l *pionLogger) Error(msg string) { l.s.Error(msg) }

func (l *pionLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }
