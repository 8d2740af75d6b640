package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	l, err := New("debug", false)
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = New("warn", true)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))

	_, err = New("chatty", false)
	assert.Error(t, err)
}

func TestContextLoggerFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithEndpointID(context.Background(), "ep-1")
	ctx = WithRequestID(ctx, "req_1")
	cl.LogRequest(ctx, "GET", "/api/v1/endpoints", 200, 3)
	cl.LogError(context.Background(), errors.New("boom"), "relay failed")

	entries := logs.All()
	require.Len(t, entries, 2)

	fields := entries[0].ContextMap()
	assert.Equal(t, "ep-1", fields["endpoint_id"])
	assert.Equal(t, "req_1", fields["request_id"])
	assert.NotContains(t, fields, "trace_id")
	assert.Equal(t, int64(200), fields["status_code"])

	assert.Equal(t, "relay failed", entries[1].Message)
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
}
