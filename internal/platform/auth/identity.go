package auth

import (
	"context"
	"strings"
)

// Role constants checked at the authorisation boundary.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Identity is the authenticated caller extracted from a verified bearer token.
type Identity struct {
	UserID string
	Email  string
	Role   string
	// Token is the raw bearer token, forwarded to the cart service on the caller's behalf.
	Token string
}

// IsAdmin reports whether the caller carries the admin role.
func (i *Identity) IsAdmin() bool {
	return i != nil && strings.EqualFold(i.Role, RoleAdmin)
}

type contextKey string

const identityContextKey contextKey = "github.com/bikeshop/order-service/internal/platform/auth/identity"

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
