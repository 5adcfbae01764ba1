package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestPionFactoryScopesAndLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	f := NewPionFactory(zap.New(core))

	l := f.NewLogger("ice")
	l.Trace("dropped")
	l.Tracef("dropped %d", 1)
	l.Debugf("gathering %s", "host")
	l.Info("connected")
	l.Warnf("retry %d", 2)
	l.Errorf("failed: %v", "boom")

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)
	assert.Equal(t, "ice", entries[0].LoggerName)
	assert.Equal(t, "gathering host", entries[0].Message)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, "retry 2", entries[2].Message)
	assert.Equal(t, "failed: boom", entries[3].Message)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
}

func TestPionFactoryUsesGlobalLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	NewPionFactory(nil).NewLogger("dtls").Warn("handshake slow")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "dtls", logs.All()[0].LoggerName)
}
