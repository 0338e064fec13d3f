package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Reason string `json:"reason"`
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		limit   int64
		wantErr error
		want    string
	}{
		{name: "valid", body: `{"reason":"damaged"}`, want: "damaged"},
		{name: "empty", body: "  ", wantErr: ErrEmptyBody},
		{name: "too large", body: `{"reason":"` + strings.Repeat("x", 64) + `"}`, limit: 16, wantErr: ErrBodyTooLarge},
		{name: "unknown field", body: `{"reason":"x","extra":1}`},
		{name: "trailing", body: `{"reason":"x"} {"reason":"y"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var dst payload
			err := DecodeJSON(req, tc.limit, &dst)
			switch {
			case tc.wantErr != nil:
				require.ErrorIs(t, err, tc.wantErr)
			case tc.want != "":
				require.NoError(t, err)
				assert.Equal(t, tc.want, dst.Reason)
			default:
				require.Error(t, err)
			}
		})
	}
}

func TestWriteErrorIncludesRequestID(t *testing.T) {
	var captured map[string]any
	handler := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteDecodeError(w, r, ErrBodyTooLarge)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))

	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &captured))
	assert.Equal(t, "payload_too_large", captured["error"])
	assert.NotEmpty(t, captured["request_id"])
}
