package logutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestValuesGroupsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	zap.New(core).Info("refetch", Values(zap.String("table", "payments"), zap.Int("rows", 3)))

	entries := logs.All()
	require.Len(t, entries, 1)
	values, ok := entries[0].ContextMap()["values"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "payments", values["table"])
	assert.EqualValues(t, 3, values["rows"])
}

func TestNew(t *testing.T) {
	l, err := New("debug", true)
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = New("warn", false)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))

	_, err = New("loud", false)
	assert.Error(t, err)
}
