package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bazaarline/api/internal/platform/requestctx"
)

func TestServiceLoggerLevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := ServiceLogger(zap.New(core))

	log(context.Background(), "checkout.completed", map[string]any{"orderId": "ord_1", "items": 2})
	log(context.Background(), "checkout.failed", map[string]any{"reason": "stock"})
	log(context.Background(), "order.event.publish.failed", map[string]any{"error": errors.New("boom")})

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "checkout.completed", entries[0].Message)
	assert.Equal(t, map[string]any{"event": "checkout.completed", "orderId": "ord_1", "items": int64(2)}, entries[0].ContextMap())
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, "boom", entries[2].ContextMap()["error"])
}

func TestServiceLoggerPrefersRequestLogger(t *testing.T) {
	baseCore, baseLogs := observer.New(zapcore.DebugLevel)
	requestCore, requestLogs := observer.New(zapcore.DebugLevel)
	log := ServiceLogger(zap.New(baseCore))

	ctx := requestctx.WithLogger(context.Background(), zap.New(requestCore).With(zap.String("request_id", "req-1")))
	log(ctx, "settlement.paid", nil)

	assert.Zero(t, baseLogs.Len())
	require.Equal(t, 1, requestLogs.Len())
	assert.Equal(t, "req-1", requestLogs.All()[0].ContextMap()["request_id"])
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	logger, err := NewLogger("nonsense", "production")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}
