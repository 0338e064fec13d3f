package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	defaultRoleClaim        = "role"
	defaultEmailClaim       = "email"
	defaultSupplierClaim    = "supplier_id"
	defaultFallbackRole     = RoleCustomer
	defaultActorTokenLeeway = 30 * time.Second
)

var (
	// ErrTokenExpired signals that the provided actor token has expired.
	ErrTokenExpired = errors.New("auth: actor token expired")
	// ErrTokenInvalid signals that the provided actor token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: actor token invalid")
)

// Authenticator verifies HS256 actor tokens and places the resulting Identity on the request.
type Authenticator struct {
	secret []byte
	issuer string

	roleClaim     string
	emailClaim    string
	supplierClaim string

	fallbackRole string
	leeway       time.Duration
	now          func() time.Time
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithIssuer requires tokens to carry the given iss claim.
func WithIssuer(issuer string) Option {
	return func(a *Authenticator) {
		a.issuer = strings.TrimSpace(issuer)
	}
}

// WithRoleClaim overrides the claim used for role extraction.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		claim = strings.TrimSpace(claim)
		if claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithFallbackRole sets the default role when no role claim is present.
func WithFallbackRole(role string) Option {
	return func(a *Authenticator) {
		a.fallbackRole = normaliseRole(role)
	}
}

// WithClock injects a custom clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAuthenticator constructs an Authenticator for the shared signing secret.
func NewAuthenticator(secret string, opts ...Option) *Authenticator {
	a := &Authenticator{
		secret:        []byte(strings.TrimSpace(secret)),
		roleClaim:     defaultRoleClaim,
		emailClaim:    defaultEmailClaim,
		supplierClaim: defaultSupplierClaim,
		fallbackRole:  defaultFallbackRole,
		leeway:        defaultActorTokenLeeway,
		now:           time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	return a
}

// RequireActor verifies the Authorization bearer token and ensures one of the allowed roles.
func (a *Authenticator) RequireActor(allowedRoles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedRoles))
	for _, role := range allowedRoles {
		role = normaliseRole(role)
		if role == "" {
			continue
		}
		allowed[role] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			if a == nil || len(a.secret) == 0 {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization service unavailable")
				return
			}

			identity, err := a.Verify(tokenStr)
			if err != nil {
				respondVerificationError(w, err)
				return
			}

			if len(identity.Roles) == 0 {
				respondAuthError(w, http.StatusUnauthorized, "missing_role", "no roles associated with identity")
				return
			}
			if len(allowed) > 0 && !hasAllowedRole(identity.Roles, allowed) {
				respondAuthError(w, http.StatusForbidden, "insufficient_role", "identity does not have required role")
				return
			}
			if identity.HasRole(RoleSupplier) && identity.SupplierID == "" {
				respondAuthError(w, http.StatusForbidden, "missing_supplier", "supplier token carries no supplier id")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// Verify parses and validates an actor token.
func (a *Authenticator) Verify(tokenStr string) (*Identity, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if _, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return nil, errors.Join(ErrTokenInvalid, err)
	}

	now := a.now()
	if !claims.VerifyExpiresAt(now.Add(-a.leeway).Unix(), true) {
		return nil, ErrTokenExpired
	}
	if !claims.VerifyNotBefore(now.Add(a.leeway).Unix(), false) {
		return nil, ErrTokenInvalid
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return nil, ErrTokenInvalid
	}

	subject := claimAsString(claims, "sub")
	if subject == "" {
		return nil, ErrTokenInvalid
	}

	identity := &Identity{
		UID:        subject,
		Email:      claimAsString(claims, a.emailClaim),
		SupplierID: claimAsString(claims, a.supplierClaim),
		Roles:      rolesFromClaims(claims, a.roleClaim),
	}
	if len(identity.Roles) == 0 && a.fallbackRole != "" {
		identity.Roles = []string{a.fallbackRole}
	}
	return identity, nil
}

// IssueActorToken signs a token for identity. Used by local tooling and tests.
func IssueActorToken(secret, issuer string, identity Identity, issuedAt time.Time, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("auth: signing secret is required")
	}
	claims := jwt.MapClaims{
		"sub": identity.UID,
		"iat": issuedAt.Unix(),
		"exp": issuedAt.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	if identity.Email != "" {
		claims[defaultEmailClaim] = identity.Email
	}
	if identity.SupplierID != "" {
		claims[defaultSupplierClaim] = identity.SupplierID
	}
	if len(identity.Roles) > 0 {
		claims[defaultRoleClaim] = identity.Roles
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
}

func hasAllowedRole(identityRoles []string, allowed map[string]struct{}) bool {
	for _, role := range identityRoles {
		if _, ok := allowed[normaliseRole(role)]; ok {
			return true
		}
	}
	return false
}

func rolesFromClaims(claims map[string]any, key string) []string {
	raw, ok := claims[key]
	if !ok {
		return nil
	}

	switch v := raw.(type) {
	case string:
		role := normaliseRole(v)
		if role == "" {
			return nil
		}
		return []string{role}
	case []any:
		out := make([]string, 0, len(v))
		seen := make(map[string]struct{}, len(v))
		for _, value := range v {
			str, ok := value.(string)
			if !ok {
				continue
			}
			role := normaliseRole(str)
			if role == "" {
				continue
			}
			if _, exists := seen[role]; exists {
				continue
			}
			seen[role] = struct{}{}
			out = append(out, role)
		}
		return out
	default:
		return nil
	}
}

func claimAsString(claims map[string]any, key string) string {
	if v, ok := claims[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", false
	}

	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}

	return token, true
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"message": message,
		"status":  status,
	})
}

func respondVerificationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired):
		respondAuthError(w, http.StatusUnauthorized, "token_expired", "actor token expired")
	default:
		respondAuthError(w, http.StatusUnauthorized, "invalid_token", "actor token invalid")
	}
}
