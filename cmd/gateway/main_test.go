package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFinish_ErrorLogsAndExitsNonZero(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	code := finish(zap.New(core), errors.New("listen tcp :8080: address already in use"))

	assert.Equal(t, 1, code)
	entries := logs.FilterMessage("gateway stopped with error").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
}

func TestFinish_CleanStop(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	assert.Equal(t, 0, finish(zap.New(core), nil))
	assert.Zero(t, logs.Len())
}
