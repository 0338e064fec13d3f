package handlers

import (
	"net/http"
	"strings"

	"github.com/bazaarline/api/internal/platform/auth"
	"github.com/bazaarline/api/internal/platform/httpx"
	"github.com/bazaarline/api/internal/platform/observability"
)

// ActorGuard chains bearer token verification with the middleware that needs the verified
// identity, such as actor logging and idempotency scoping.
type ActorGuard struct {
	authn *auth.Authenticator
	after []func(http.Handler) http.Handler
}

// NewActorGuard builds a guard. after runs, in order, once the identity is on the context.
func NewActorGuard(authn *auth.Authenticator, after ...func(http.Handler) http.Handler) *ActorGuard {
	return &ActorGuard{authn: authn, after: after}
}

// Require returns the middleware chain admitting the listed roles.
func (g *ActorGuard) Require(roles ...string) []func(http.Handler) http.Handler {
	if g == nil || g.authn == nil {
		return nil
	}
	chain := []func(http.Handler) http.Handler{
		g.authn.RequireActor(roles...),
		observability.ActorLogMiddleware,
	}
	for _, mw := range g.after {
		if mw != nil {
			chain = append(chain, mw)
		}
	}
	return chain
}

func useAll(r interface {
	Use(...func(http.Handler) http.Handler)
}, chain []func(http.Handler) http.Handler) {
	if len(chain) > 0 {
		r.Use(chain...)
	}
}

// requireIdentity returns the verified actor or writes a 401.
func requireIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func isPrivileged(identity *auth.Identity) bool {
	return identity.HasAnyRole(auth.RoleAdmin, auth.RoleSystem)
}

func writeForbidden(w http.ResponseWriter, r *http.Request, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError("forbidden", message, http.StatusForbidden))
}
