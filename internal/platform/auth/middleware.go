package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/bikeshop/order-service/internal/platform/httpx"
)

var (
	// ErrTokenMissing signals an absent or malformed Authorization header.
	ErrTokenMissing = errors.New("auth: bearer token missing")
	// ErrTokenInvalid signals a token that failed signature, expiry or claim checks.
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// Claims is the payload issued by the user service.
type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 user tokens signed with the shared secret.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewAuthenticator constructs an Authenticator for the given secret.
func NewAuthenticator(secret string) (*Authenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: jwt secret is required")
	}
	return &Authenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}, nil
}

// Verify parses the raw token and returns the identity it carries.
func (a *Authenticator) Verify(raw string) (*Identity, error) {
	claims := &Claims{}
	token, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return nil, ErrTokenInvalid
	}
	return &Identity{
		UserID: claims.UserID,
		Email:  claims.Email,
		Role:   strings.ToLower(strings.TrimSpace(claims.Role)),
		Token:  raw,
	}, nil
}

// RequireAuth rejects requests without a valid bearer token with 401 UNAUTHORIZED.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := extractBearerToken(r.Header.Get("Authorization"))
		if !ok {
			httpx.WriteError(r.Context(), w, httpx.NewError("UNAUTHORIZED", "Missing or invalid authorization header", http.StatusUnauthorized))
			return
		}
		identity, err := a.Verify(raw)
		if err != nil {
			httpx.WriteError(r.Context(), w, httpx.NewError("UNAUTHORIZED", "Invalid or expired token", http.StatusUnauthorized))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// RequireAdmin must run after RequireAuth. Non-admin callers receive 403 FORBIDDEN.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok || !identity.IsAdmin() {
			httpx.WriteError(r.Context(), w, httpx.NewError("FORBIDDEN", "Admin access required", http.StatusForbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
