package observability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLoggerForwardsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLogger(zap.New(core))

	logger.Warn("fetch failed", F("href", "/cfg.json"), Err(errors.New("http 500")))
	logger.Debug("below level")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "fetch failed", entries[0].Message)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "/cfg.json", ctx["href"])
	assert.Equal(t, "http 500", ctx["error"])
}

func TestSetLoggerNilRestoresNoop(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(NewZapLogger(zap.New(core)))
	Log().Info("visible")
	SetLogger(nil)
	Log().Info("discarded")

	assert.Equal(t, 1, logs.Len())
	assert.Equal(t, Log(), OrDefault(nil))
}

func TestParseLevel(t *testing.T) {
	lvl, err := parseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	lvl, err = parseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)

	_, err = parseLevel("loud")
	assert.Error(t, err)
}
