// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package corelog constructs the process-wide zap logger.  Subsystems derive
// their own loggers from it with zap fields; the networking code talks to
// the printf-style ILogger adapter instead so hot paths don't need to build
// field lists.
package corelog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// DefaultLevel is the level used when none is configured.
var DefaultLevel = zapcore.InfoLevel

// DefaultLogFile is the rolling file logs are written to when file logging
// is enabled.
var DefaultLogFile = "pinboardd.log"

// Config for logging.
type Config struct {
	// Disable console logging.
	DisableConsoleLog bool `yaml:"disable_console_log"`
	// LogsAsJSON makes the log framework log JSON.
	LogsAsJSON bool `yaml:"logs_as_json"`
	// FileLoggingEnabled makes the framework log to a file; the fields
	// below can be skipped if this value is false.
	FileLoggingEnabled bool `yaml:"file_logging_enabled"`
	// Directory to log to when file logging is enabled.
	Directory string `yaml:"directory"`
	// Filename is the name of the logfile which will be placed inside the
	// directory.
	Filename string `yaml:"filename"`
	// MaxSize is the max size in MB of the logfile before it's rolled.
	MaxSize int `yaml:"max_size"`
	// MaxBackups is the max number of rolled files to keep.
	MaxBackups int `yaml:"max_backups"`
	// MaxAge is the max age in days to keep a logfile.
	MaxAge int `yaml:"max_age"`
}

// Default returns the stock logging configuration.
func (Config) Default() Config {
	return Config{
		DisableConsoleLog:  false,
		LogsAsJSON:         false,
		FileLoggingEnabled: false,
		Directory:          "log",
		Filename:           DefaultLogFile,
		MaxSize:            150,
		MaxBackups:         3,
		MaxAge:             28,
	}
}

// New builds the root logger for the process.
func New(level zapcore.Level, config Config) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var cores []zapcore.Core
	if !config.DisableConsoleLog {
		var encoder zapcore.Encoder
		if config.LogsAsJSON {
			encoder = zapcore.NewJSONEncoder(encoderCfg)
		} else {
			encoder = zapcore.NewConsoleEncoder(encoderCfg)
		}
		cores = append(cores, zapcore.NewCore(encoder,
			zapcore.Lock(os.Stderr), level))
	}

	if config.FileLoggingEnabled {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.AddSync(newRollingFile(config)), level))
	}

	core := zapcore.NewTee(cores...)
	return zap.New(core).With(zap.String("app", "pinboardd"))
}

// Disabled is a logger that drops everything.
func Disabled() *zap.Logger {
	return zap.NewNop()
}

func newRollingFile(config Config) *lumberjack.Logger {
	if err := os.MkdirAll(config.Directory, 0744); err != nil {
		// Console logging may still work; lumberjack will surface the
		// error on first write.
		os.Stderr.WriteString("can't create log directory " + config.Directory + "\n")
	}

	return &lumberjack.Logger{
		Filename:   config.Directory + string(os.PathSeparator) + config.Filename,
		MaxBackups: config.MaxBackups, // files
		MaxSize:    config.MaxSize,    // megabytes
		MaxAge:     config.MaxAge,     // days
	}
}
