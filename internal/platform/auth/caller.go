package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Internal callers that sign requests to the /internal routes.
const (
	CallerWarehouse = "warehouse"
	CallerPayments  = "payments"
	CallerFinance   = "finance"
)

const servicePrincipalPrefix = "service:"

// ErrUnknownCaller is returned when no signing secret is configured for a caller.
var ErrUnknownCaller = errors.New("auth: unknown caller")

// InternalCallers lists every caller the API accepts signed requests from.
func InternalCallers() []string {
	return []string{CallerWarehouse, CallerPayments, CallerFinance}
}

// NormaliseCaller lowercases and trims a caller name.
func NormaliseCaller(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ServicePrincipal returns the identity UID a verified caller acts as.
func ServicePrincipal(caller string) string {
	return servicePrincipalPrefix + NormaliseCaller(caller)
}

// SecretProvider resolves the shared signing secret of a caller.
type SecretProvider interface {
	GetSecret(ctx context.Context, caller string) (string, error)
}

// SecretProviderFunc adapts a function to SecretProvider.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, caller string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, caller)
}

// StaticSecrets maps caller names to their signing secrets, as loaded from configuration.
type StaticSecrets map[string]string

// NewStaticSecrets normalises caller names and drops entries without a secret. Callers that are
// not in known are returned separately and left out of the map.
func NewStaticSecrets(raw map[string]string, known ...string) (StaticSecrets, []string) {
	allowed := lo.SliceToMap(known, func(caller string) (string, struct{}) {
		return NormaliseCaller(caller), struct{}{}
	})
	secrets := make(StaticSecrets, len(raw))
	var unknown []string
	for caller, secret := range raw {
		caller = NormaliseCaller(caller)
		secret = strings.TrimSpace(secret)
		if caller == "" || secret == "" {
			continue
		}
		if _, ok := allowed[caller]; len(allowed) > 0 && !ok {
			unknown = append(unknown, caller)
			continue
		}
		secrets[caller] = secret
	}
	sort.Strings(unknown)
	return secrets, unknown
}

// GetSecret implements SecretProvider.
func (s StaticSecrets) GetSecret(_ context.Context, caller string) (string, error) {
	secret := strings.TrimSpace(s[NormaliseCaller(caller)])
	if secret == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownCaller, caller)
	}
	return secret, nil
}

// Callers returns the configured caller names in sorted order.
func (s StaticSecrets) Callers() []string {
	callers := lo.Keys(s)
	sort.Strings(callers)
	return callers
}

// NonceStore tracks nonces per caller for replay prevention.
type NonceStore interface {
	// UseNonce stores the nonce for caller until expiry. It reports false when the nonce was
	// already used and has not expired.
	UseNonce(ctx context.Context, caller, nonce string, expiry time.Time) (bool, error)
}

const nonceSweepInterval = time.Minute

type nonceKey struct {
	caller string
	nonce  string
}

// InMemoryNonceStore keeps nonces in process memory. Replicas do not share it, so a replay
// against another instance is only stopped by the timestamp window.
type InMemoryNonceStore struct {
	mu        sync.Mutex
	nonces    map[nonceKey]time.Time
	now       func() time.Time
	lastSweep time.Time
}

// NewInMemoryNonceStore constructs the store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{nonces: make(map[nonceKey]time.Time), now: time.Now}
}

// UseNonce implements NonceStore.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, caller, nonce string, expiry time.Time) (bool, error) {
	key := nonceKey{caller: NormaliseCaller(caller), nonce: strings.TrimSpace(nonce)}
	if key.caller == "" || key.nonce == "" {
		return false, errors.New("auth: caller and nonce are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !expiry.After(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}
	if now.Sub(s.lastSweep) >= nonceSweepInterval {
		for k, exp := range s.nonces {
			if !exp.After(now) {
				delete(s.nonces, k)
			}
		}
		s.lastSweep = now
	}

	if existing, ok := s.nonces[key]; ok && existing.After(now) {
		return false, nil
	}
	s.nonces[key] = expiry
	return true, nil
}
