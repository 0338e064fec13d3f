package auth

import (
	"context"
	"strings"
)

// Role constants used throughout the API when checking authorisation boundaries.
const (
	RoleCustomer = "customer"
	RoleSupplier = "supplier"
	RoleAdmin    = "admin"
	RoleSystem   = "system"
)

// Identity captures the authenticated actor behind a request.
type Identity struct {
	UID        string
	Email      string
	SupplierID string
	Roles      []string
}

// HasRole reports whether the identity includes the requested role (case-insensitive).
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	if role == "" {
		return false
	}
	for _, r := range i.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the identity includes any of the provided roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

// CanActForSupplier reports whether the identity may read or mutate data owned by supplierID.
// Admins and system callers may act for any supplier.
func (i *Identity) CanActForSupplier(supplierID string) bool {
	if i == nil {
		return false
	}
	if i.HasAnyRole(RoleAdmin, RoleSystem) {
		return true
	}
	supplierID = strings.TrimSpace(supplierID)
	return supplierID != "" && i.HasRole(RoleSupplier) && i.SupplierID == supplierID
}

type contextKey string

const identityContextKey contextKey = "github.com/bazaarline/api/internal/platform/auth/identity"

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
