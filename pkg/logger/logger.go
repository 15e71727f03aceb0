// Package logger wraps a process-wide zap logger for AEGIS.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Log *zap.Logger

// Initialize builds the global logger. Console encoding is used unless
// ENVIRONMENT=production, in which case JSON is emitted.
func Initialize(level string) error {
	isDevelopment := os.Getenv("ENVIRONMENT") != "production"

	var config zap.Config
	if isDevelopment {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	config.InitialFields = map[string]interface{}{"app": "aegis"}

	built, err := config.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}

	Log = built
	return nil
}

// ParseLevel maps a config level name to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Named returns a child logger for one component. Before Initialize it
// returns a no-op logger so packages can be used from tests.
func Named(component string) *zap.Logger {
	if Log == nil {
		return zap.NewNop()
	}
	return Log.Named(component)
}

func Info(msg string, fields ...zap.Field) {
	if Log != nil {
		Log.WithOptions(zap.AddCallerSkip(1)).Info(msg, fields...)
	}
}

func Error(msg string, fields ...zap.Field) {
	if Log != nil {
		Log.WithOptions(zap.AddCallerSkip(1)).Error(msg, fields...)
	}
}

func Debug(msg string, fields ...zap.Field) {
	if Log != nil {
		Log.WithOptions(zap.AddCallerSkip(1)).Debug(msg, fields...)
	}
}

func Warn(msg string, fields ...zap.Field) {
	if Log != nil {
		Log.WithOptions(zap.AddCallerSkip(1)).Warn(msg, fields...)
	}
}

// Fatal logs and exits with status 1, also when no logger was initialized.
func Fatal(msg string, fields ...zap.Field) {
	if Log != nil {
		Log.WithOptions(zap.AddCallerSkip(1)).Fatal(msg, fields...)
	}
	os.Exit(1)
}

func Sync() error {
	if Log != nil {
		return Log.Sync()
	}
	return nil
}
