package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bazaarline/api/internal/platform/requestctx"
)

// MaxSignedBody caps the body read for signature verification.
const MaxSignedBody = 1 << 20

var errSignedBodyTooLarge = fmt.Errorf("auth: signed body exceeds %d bytes", MaxSignedBody)

// HMACHeaders names the request headers of a signed internal call.
type HMACHeaders struct {
	Caller    string
	Signature string
	Timestamp string
	Nonce     string
}

// DefaultHMACHeaders are used for every header left empty in WithHMACHeaders.
var DefaultHMACHeaders = HMACHeaders{
	Caller:    "X-Signature-Caller",
	Signature: "X-Signature",
	Timestamp: "X-Signature-Timestamp",
	Nonce:     "X-Signature-Nonce",
}

// Logger captures the minimal logging contract used by the auth package.
type Logger interface {
	Printf(format string, args ...any)
}

// MetricsRecorder records verification outcomes for observability.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

// HMACValidator verifies and produces requests signed by internal callers (warehouse sync,
// payment reconciliation, finance). The caller header names the signer; its secret comes
// from the provider and the caller name is part of the signed string.
type HMACValidator struct {
	secrets SecretProvider
	nonces  NonceStore
	headers HMACHeaders

	// Timestamps further than skew from now are rejected; nonces are remembered for nonceTTL
	// past their timestamp.
	skew     time.Duration
	nonceTTL time.Duration

	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// NewHMACValidator builds a validator over the caller secrets and nonce store.
func NewHMACValidator(secrets SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	v := &HMACValidator{
		secrets:  secrets,
		nonces:   nonces,
		headers:  DefaultHMACHeaders,
		skew:     5 * time.Minute,
		nonceTTL: 5 * time.Minute,
		logger:   log.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// WithHMACHeaders renames the signature headers. Empty fields keep the default name.
func WithHMACHeaders(headers HMACHeaders) HMACOption {
	return func(v *HMACValidator) {
		pick := func(name, fallback string) string {
			if name = strings.TrimSpace(name); name != "" {
				return name
			}
			return fallback
		}
		v.headers = HMACHeaders{
			Caller:    pick(headers.Caller, DefaultHMACHeaders.Caller),
			Signature: pick(headers.Signature, DefaultHMACHeaders.Signature),
			Timestamp: pick(headers.Timestamp, DefaultHMACHeaders.Timestamp),
			Nonce:     pick(headers.Nonce, DefaultHMACHeaders.Nonce),
		}
	}
}

// WithHMACReplayWindow sets the accepted clock skew and the nonce retention. Non-positive
// values keep the five minute defaults.
func WithHMACReplayWindow(skew, nonceTTL time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if skew > 0 {
			v.skew = skew
		}
		if nonceTTL > 0 {
			v.nonceTTL = nonceTTL
		}
	}
}

func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func WithHMACMetrics(metrics MetricsRecorder) HMACOption {
	return func(v *HMACValidator) { v.metrics = metrics }
}

func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// SignedCall describes a verified internal request.
type SignedCall struct {
	Caller   string
	Nonce    string
	SignedAt time.Time
}

type signedCallKey struct{}

// SignedCallFrom returns the verified call RequireCaller stored on ctx.
func SignedCallFrom(ctx context.Context) (SignedCall, bool) {
	call, ok := ctx.Value(signedCallKey{}).(SignedCall)
	return call, ok
}

type verifyFailure struct {
	status  int
	reason  string
	message string
}

func (f verifyFailure) code() string {
	if f.status == http.StatusServiceUnavailable {
		return "verification_unavailable"
	}
	return f.reason
}

func rejected(reason, message string) *verifyFailure {
	return &verifyFailure{status: http.StatusUnauthorized, reason: reason, message: message}
}

// RequireCaller admits requests signed by one of the allowed callers. Verified requests carry
// a system identity "service:<caller>", the SignedCall and a request logger tagged with the
// caller.
func (v *HMACValidator) RequireCaller(allowed ...string) func(http.Handler) http.Handler {
	permitted := make(map[string]bool, len(allowed))
	for _, caller := range allowed {
		if caller = NormaliseCaller(caller); caller != "" {
			permitted[caller] = true
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := v.now()
			ctx := r.Context()

			call, failure := v.verify(r, permitted)
			// Unlisted caller names come straight from the request, so they stay out of the
			// metric kind.
			kind := "hmac"
			if permitted[call.Caller] {
				kind += "." + call.Caller
			}
			if failure != nil {
				v.record(ctx, kind, false, failure.reason, started)
				respondAuthError(w, failure.status, failure.code(), failure.message)
				return
			}
			v.record(ctx, kind, true, "ok", started)

			ctx = context.WithValue(ctx, signedCallKey{}, call)
			ctx = WithIdentity(ctx, &Identity{UID: ServicePrincipal(call.Caller), Roles: []string{RoleSystem}})
			ctx = requestctx.WithLogger(ctx, requestctx.Logger(ctx).With(zap.String("caller", call.Caller)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// verify checks the caller before touching the secret store, then the timestamp window, the
// signature and finally the nonce. The returned call carries whatever was read so far.
func (v *HMACValidator) verify(r *http.Request, permitted map[string]bool) (SignedCall, *verifyFailure) {
	ctx := r.Context()
	call := SignedCall{Caller: NormaliseCaller(r.Header.Get(v.headers.Caller))}
	switch {
	case call.Caller == "":
		return call, rejected("caller_missing", "signing caller header missing")
	case !permitted[call.Caller]:
		return call, &verifyFailure{status: http.StatusForbidden, reason: "caller_forbidden", message: "caller may not use this endpoint"}
	}

	secret, err := v.secret(ctx, call.Caller)
	if errors.Is(err, ErrUnknownCaller) {
		return call, rejected("caller_unknown", "caller has no signing secret")
	}
	if err != nil {
		v.logger.Printf("auth: signing secret for %s unavailable: %v", call.Caller, err)
		return call, &verifyFailure{status: http.StatusServiceUnavailable, reason: "secret_unavailable", message: "signing secret unavailable"}
	}

	signature, err := hex.DecodeString(strings.TrimSpace(r.Header.Get(v.headers.Signature)))
	if err != nil || len(signature) == 0 {
		return call, rejected("signature_invalid", "signature header missing or not hex encoded")
	}
	timestamp := strings.TrimSpace(r.Header.Get(v.headers.Timestamp))
	seconds, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return call, rejected("timestamp_invalid", "signature timestamp must be unix seconds")
	}
	call.SignedAt = time.Unix(seconds, 0).UTC()
	if age := v.now().Sub(call.SignedAt); age > v.skew || age < -v.skew {
		return call, rejected("timestamp_skew", "signature timestamp outside allowed window")
	}
	call.Nonce = strings.TrimSpace(r.Header.Get(v.headers.Nonce))
	if call.Nonce == "" {
		return call, rejected("nonce_missing", "signature nonce missing")
	}

	body, err := bufferBody(r)
	switch {
	case errors.Is(err, errSignedBodyTooLarge):
		return call, &verifyFailure{status: http.StatusRequestEntityTooLarge, reason: "body_too_large", message: "signed body is too large"}
	case err != nil:
		return call, &verifyFailure{status: http.StatusBadRequest, reason: "body_unreadable", message: "unable to read body for signature verification"}
	}
	if !hmac.Equal(signature, sign(secret, call.Caller, r, body, timestamp, call.Nonce)) {
		return call, rejected("signature_mismatch", "signature verification failed")
	}

	if v.nonces == nil {
		return call, &verifyFailure{status: http.StatusServiceUnavailable, reason: "nonce_store_unavailable", message: "nonce store unavailable"}
	}
	expiry := call.SignedAt.Add(v.nonceTTL)
	if floor := v.now().Add(v.nonceTTL); expiry.Before(floor) {
		expiry = floor
	}
	fresh, err := v.nonces.UseNonce(ctx, call.Caller, call.Nonce, expiry)
	if err != nil {
		v.logger.Printf("auth: nonce store error for %s: %v", call.Caller, err)
		return call, &verifyFailure{status: http.StatusServiceUnavailable, reason: "nonce_store_error", message: "nonce storage error"}
	}
	if !fresh {
		return call, rejected("nonce_replay", "duplicate signature nonce")
	}
	return call, nil
}

// SignRequest signs r as caller with the caller's configured secret and sets the signature
// headers. The body is read and restored.
func (v *HMACValidator) SignRequest(r *http.Request, caller, nonce string) error {
	caller = NormaliseCaller(caller)
	nonce = strings.TrimSpace(nonce)
	if caller == "" || nonce == "" {
		return errors.New("auth: caller and nonce are required to sign a request")
	}
	secret, err := v.secret(r.Context(), caller)
	if err != nil {
		return err
	}
	body, err := bufferBody(r)
	if err != nil {
		return err
	}

	timestamp := strconv.FormatInt(v.now().Unix(), 10)
	r.Header.Set(v.headers.Caller, caller)
	r.Header.Set(v.headers.Timestamp, timestamp)
	r.Header.Set(v.headers.Nonce, nonce)
	r.Header.Set(v.headers.Signature, hex.EncodeToString(sign(secret, caller, r, body, timestamp, nonce)))
	return nil
}

func (v *HMACValidator) record(ctx context.Context, kind string, success bool, reason string, started time.Time) {
	if v.metrics != nil {
		v.metrics.RecordVerification(ctx, kind, success, reason, v.now().Sub(started))
	}
}

func (v *HMACValidator) secret(ctx context.Context, caller string) ([]byte, error) {
	if v.secrets == nil {
		return nil, errors.New("auth: secret provider not configured")
	}
	raw, err := v.secrets.GetSecret(ctx, caller)
	switch {
	case err != nil:
		return nil, err
	case strings.TrimSpace(raw) == "":
		return nil, fmt.Errorf("%w: %q", ErrUnknownCaller, caller)
	}
	return []byte(raw), nil
}

// bufferBody reads up to MaxSignedBody bytes and puts them back on r for the handler.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxSignedBody+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("auth: read signed body: %w", err)
	}
	if len(body) > MaxSignedBody {
		return nil, errSignedBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// sign is HMAC-SHA256 over caller, method, escaped path, raw query, timestamp, nonce and the
// hex SHA-256 of the body, one per line.
func sign(secret []byte, caller string, r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	digest := sha256.Sum256(body)
	mac := hmac.New(sha256.New, secret)
	_, _ = io.WriteString(mac, strings.Join([]string{
		caller,
		strings.ToUpper(r.Method),
		path,
		r.URL.RawQuery,
		timestamp,
		nonce,
		hex.EncodeToString(digest[:]),
	}, "\n"))
	return mac.Sum(nil)
}
