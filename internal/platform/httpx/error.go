package httpx

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/bazaarline/api/internal/platform/requestctx"
)

const (
	maxCodeLength    = 80
	maxMessageLength = 512
)

// Error is the JSON body of every non-2xx response. Clients branch on Code; Message is for
// humans and never carries store or driver text.
type Error struct {
	Code      string `json:"error"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`

	retryAfter time.Duration
}

// NewError builds an error body. A zero status becomes 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    singleLine(code, maxCodeLength),
		Message: singleLine(message, maxMessageLength),
		Status:  status,
	}
}

// RetryIn asks the client to wait d before retrying; it is sent as Retry-After in whole
// seconds, rounded up.
func (e Error) RetryIn(d time.Duration) Error {
	e.retryAfter = d
	return e
}

// WriteError writes e, filling the request and trace ids from ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, e Error) {
	if e.Status == 0 {
		e.Status = http.StatusInternalServerError
	}
	if e.RequestID == "" {
		e.RequestID = singleLine(middleware.GetReqID(ctx), maxCodeLength)
	}
	if e.TraceID == "" {
		e.TraceID = requestctx.TraceID(ctx)
	}
	if e.retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(e.retryAfter.Seconds()))))
	}
	WriteJSON(w, e.Status, e)
}

// singleLine folds line breaks into spaces so messages stay on one log line, then trims and
// truncates.
func singleLine(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
