package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazaarline/api/internal/platform/requestctx"
)

func TestWriteErrorRetryAfterRoundsUp(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(context.Background(), rr, NewError("rate_limited", "too many checkout attempts", http.StatusTooManyRequests).RetryIn(1500*time.Millisecond))

	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("Retry-After"))

	var body Error
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "rate_limited", body.Code)
	assert.Equal(t, http.StatusTooManyRequests, body.Status)
}

func TestWriteErrorFoldsMessageAndAddsTrace(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "4bf92f3577b34da6a3ce929d0e0e4736"})
	rr := httptest.NewRecorder()
	WriteError(ctx, rr, NewError("invalid_request", " quantity must be positive\nline 2 ", 0))

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Empty(t, rr.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "quantity must be positive line 2", body["message"])
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", body["trace_id"])
	assert.NotContains(t, body, "request_id")
}
