// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package corelog

import (
	"go.uber.org/zap"
)

// ILogger is the printf-style surface the networking code logs through.
type ILogger interface {
	Trace(msg string)
	Tracef(format string, args ...interface{})
	Debug(msg string)
	Debugf(format string, args ...interface{})
	Info(msg string)
	Infof(format string, args ...interface{})
	Warn(msg string)
	Warnf(format string, args ...interface{})
	Error(msg string)
	Errorf(format string, args ...interface{})
}

type sugaredAdapter struct {
	s *zap.SugaredLogger
}

// Adapter wraps a zap logger with the ILogger printf surface.
func Adapter(logger *zap.Logger) ILogger {
	return &sugaredAdapter{s: logger.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (a *sugaredAdapter) Trace(msg string)                          { a.s.Debug(msg) }
func (a *sugaredAdapter) Tracef(format string, args ...interface{}) { a.s.Debugf(format, args...) }
func (a *sugaredAdapter) Debug(msg string)                          { a.s.Debug(msg) }
func (a *sugaredAdapter) Debugf(format string, args ...interface{}) { a.s.Debugf(format, args...) }
func (a *sugaredAdapter) Info(msg string)                           { a.s.Info(msg) }
func (a *sugaredAdapter) Infof(format string, args ...interface{})  { a.s.Infof(format, args...) }
func (a *sugaredAdapter) Warn(msg string)                           { a.s.Warn(msg) }
func (a *sugaredAdapter) Warnf(format string, args ...interface{})  { a.s.Warnf(format, args...) }
func (a *sugaredAdapter) Error(msg string)                          { a.s.Error(msg) }
func (a *sugaredAdapter) Errorf(format string, args ...interface{}) { a.s.Errorf(format, args...) }
