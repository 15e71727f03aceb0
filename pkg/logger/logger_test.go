package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("info"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("verbose"))
}

func TestNamedBeforeInitialize(t *testing.T) {
	prev := Log
	Log = nil
	defer func() { Log = prev }()

	l := Named("telemetry")
	assert.NotNil(t, l)
	l.Info("dropped")

	Info("no panic without a global logger")
	Debug("no panic without a global logger")
	assert.NoError(t, Sync())
}

func TestInitialize(t *testing.T) {
	prev := Log
	defer func() { Log = prev }()

	assert.NoError(t, Initialize("debug"))
	assert.NotNil(t, Log)
	assert.True(t, Log.Core().Enabled(zapcore.DebugLevel))
}
