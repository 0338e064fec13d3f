package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bazaarline/api/internal/platform/auth"
)

// DefaultTTL is how long a key is remembered after its response was stored.
const DefaultTTL = 24 * time.Hour

// Scope partitions keys by actor. Two actors sending the same Idempotency-Key never share a
// reservation or see each other's responses.
type Scope string

// ScopeFor derives the scope of an authenticated actor. Supplier staff are scoped under their
// supplier so a token moved to another supplier starts with fresh keys; internal callers keep
// one scope per caller.
func ScopeFor(identity *auth.Identity) (Scope, bool) {
	if identity == nil {
		return "", false
	}
	uid := strings.TrimSpace(identity.UID)
	if uid == "" {
		return "", false
	}
	switch {
	case identity.HasRole(auth.RoleSystem):
		return Scope(auth.ServicePrincipal(strings.TrimPrefix(uid, "service:"))), true
	case identity.HasRole(auth.RoleAdmin):
		return Scope("admin:" + uid), true
	case identity.HasRole(auth.RoleSupplier):
		supplierID := strings.TrimSpace(identity.SupplierID)
		if supplierID == "" {
			return "", false
		}
		return Scope("supplier:" + supplierID + "/" + uid), true
	default:
		return Scope("customer:" + uid), true
	}
}

// Key is a client supplied idempotency key within its scope.
type Key struct {
	Scope Scope
	Value string
}

func (k Key) String() string {
	return string(k.Scope) + " " + k.Value
}

// id is the storage identifier of the key. Scope and value are separated by a NUL so no
// value can spill into another scope.
func (k Key) id() string {
	sum := sha256.Sum256([]byte(string(k.Scope) + "\x00" + k.Value))
	return hex.EncodeToString(sum[:])
}

// Status is the lifecycle state of a stored key.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// ReservationState is the outcome of Reserve.
type ReservationState int

const (
	// ReservationStateNew: the caller owns the key and must run the request.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted: the stored response should be replayed.
	ReservationStateCompleted
	// ReservationStatePending: another request holds the key.
	ReservationStatePending
)

type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is a stored key with its response once completed.
type Record struct {
	Key         Key
	Fingerprint string
	Status      Status
	Response    Response
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Response is the HTTP response replayed for a completed key.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists reservations and responses.
type Store interface {
	Reserve(ctx context.Context, key Key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	Complete(ctx context.Context, key Key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key Key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")
