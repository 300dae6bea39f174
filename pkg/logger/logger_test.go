package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithCarriesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core)).With("component", "db")

	l.Info("database opened", "path", "/tmp/x")
	l.Debug("noise")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "database opened", entries[0].Message)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "db", ctx["component"])
	assert.Equal(t, "/tmp/x", ctx["path"])
}

func TestSetDefault(t *testing.T) {
	prev := Default()
	t.Cleanup(func() { SetDefault(prev) })

	core, logs := observer.New(zapcore.InfoLevel)
	SetDefault(New(zap.New(core)))
	SetDefault(nil) // ignored

	Default().Warn("careful")
	assert.Equal(t, 1, logs.FilterMessage("careful").Len())
}

func TestBuild(t *testing.T) {
	l, err := Build("debug", "console")
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = Build("loud", "json")
	assert.Error(t, err)

	_, err = Build("info", "xml")
	assert.Error(t, err)
}
