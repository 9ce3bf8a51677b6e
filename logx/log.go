// Package logx provides the structured logger shared by every replisync
// component.
package logx

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the global logger instance used when a component is not given
// one explicitly via its own Option.
var Logger *zap.Logger

func init() {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	var err error
	Logger, err = config.Build(zap.AddCallerSkip(1))
	if err != nil {
		Logger = zap.NewNop()
	}
}

// Debug logs a debug message on the global logger.
func Debug(msg string, fields ...zap.Field) { Logger.Debug(msg, fields...) }

// Info logs an info message on the global logger.
func Info(msg string, fields ...zap.Field) { Logger.Info(msg, fields...) }

// Warn logs a warning message on the global logger.
func Warn(msg string, fields ...zap.Field) { Logger.Warn(msg, fields...) }

// Error logs an error message on the global logger.
func Error(msg string, fields ...zap.Field) { Logger.Error(msg, fields...) }

// With returns a child of the global logger with the given fields attached.
func With(fields ...zap.Field) *zap.Logger { return Logger.With(fields...) }

// SetLogger replaces the global logger instance.
func SetLogger(logger *zap.Logger) {
	if logger != nil {
		Logger = logger
	}
}

// Configure rebuilds the global logger at the given level, in either
// development (console) or production (JSON) mode.
func Configure(development bool, level string) error {
	var config zap.Config
	if development {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	logger, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}

	Logger = logger
	return nil
}
