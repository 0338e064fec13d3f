package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const testActorSecret = "actor-secret"

func issue(t *testing.T, identity Identity, issuedAt time.Time, ttl time.Duration) string {
	t.Helper()
	token, err := IssueActorToken(testActorSecret, "bazaarline", identity, issuedAt, ttl)
	if err != nil {
		t.Fatalf("IssueActorToken: %v", err)
	}
	return token
}

func serve(handler http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	code, _ := body["error"].(string)
	return code
}

func TestRequireActor_AllowsValidToken(t *testing.T) {
	now := time.Now().UTC()
	authn := NewAuthenticator(testActorSecret, WithIssuer("bazaarline"), WithClock(func() time.Time { return now }))

	token := issue(t, Identity{UID: "user-1", Email: "ops@example.com", SupplierID: "sup-a", Roles: []string{"Supplier"}}, now, time.Hour)

	handlerCalled := false
	handler := authn.RequireActor(RoleSupplier, RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		if identity.UID != "user-1" || identity.Email != "ops@example.com" {
			t.Fatalf("unexpected identity %+v", identity)
		}
		if !identity.HasRole(RoleSupplier) {
			t.Fatalf("expected supplier role, got %v", identity.Roles)
		}
		if !identity.CanActForSupplier("sup-a") || identity.CanActForSupplier("sup-b") {
			t.Fatalf("supplier scoping mismatch for %+v", identity)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := serve(handler, token)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if !handlerCalled {
		t.Fatalf("expected handler to be called")
	}
}

func TestRequireActor_Rejections(t *testing.T) {
	now := time.Now().UTC()
	authn := NewAuthenticator(testActorSecret, WithIssuer("bazaarline"), WithClock(func() time.Time { return now }))
	handler := authn.RequireActor(RoleAdmin)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not execute")
	}))

	wrongIssuer, err := IssueActorToken(testActorSecret, "someone-else", Identity{UID: "u", Roles: []string{RoleAdmin}}, now, time.Hour)
	if err != nil {
		t.Fatalf("IssueActorToken: %v", err)
	}
	wrongSecret, err := IssueActorToken("other-secret", "bazaarline", Identity{UID: "u", Roles: []string{RoleAdmin}}, now, time.Hour)
	if err != nil {
		t.Fatalf("IssueActorToken: %v", err)
	}
	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "u", "role": RoleAdmin, "iss": "bazaarline", "exp": now.Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	tests := []struct {
		name   string
		token  string
		status int
		code   string
	}{
		{name: "missing header", status: http.StatusUnauthorized, code: "unauthenticated"},
		{name: "expired", token: issue(t, Identity{UID: "u", Roles: []string{RoleAdmin}}, now.Add(-2*time.Hour), time.Hour), status: http.StatusUnauthorized, code: "token_expired"},
		{name: "wrong issuer", token: wrongIssuer, status: http.StatusUnauthorized, code: "invalid_token"},
		{name: "wrong secret", token: wrongSecret, status: http.StatusUnauthorized, code: "invalid_token"},
		{name: "unsigned", token: noneAlg, status: http.StatusUnauthorized, code: "invalid_token"},
		{name: "customer role", token: issue(t, Identity{UID: "u", Roles: []string{RoleCustomer}}, now, time.Hour), status: http.StatusForbidden, code: "insufficient_role"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := serve(handler, tc.token)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if code := errorCode(t, rr); code != tc.code {
				t.Fatalf("expected error %q, got %q", tc.code, code)
			}
		})
	}
}

func TestRequireActor_MissingRoleUsesFallback(t *testing.T) {
	now := time.Now().UTC()
	authn := NewAuthenticator(testActorSecret)

	handler := authn.RequireActor()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		if len(identity.Roles) != 1 || identity.Roles[0] != RoleCustomer {
			t.Fatalf("expected fallback role %q, got %v", RoleCustomer, identity.Roles)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := serve(handler, issue(t, Identity{UID: "cust-1"}, now, time.Hour))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func TestRequireActor_SupplierWithoutSupplierID(t *testing.T) {
	now := time.Now().UTC()
	authn := NewAuthenticator(testActorSecret)
	handler := authn.RequireActor(RoleSupplier)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not execute")
	}))

	rr := serve(handler, issue(t, Identity{UID: "u", Roles: []string{RoleSupplier}}, now, time.Hour))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}
