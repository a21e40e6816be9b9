// Package auth handles bearer-token parsing and namespace scoping for
// the hub. There is no user database: clients hold a pre-issued CLI API
// token, optionally suffixed with the namespace they operate in.
package auth

import (
	"context"
	"crypto/subtle"
	"strings"
)

// DefaultNamespace is used when a token carries no (or an invalid)
// namespace suffix.
const DefaultNamespace = "default"

type contextKey int

const identityKey contextKey = iota

// Identity is the resolved caller of an authenticated request.
type Identity struct {
	Namespace string
}

// WithIdentity stores an Identity in the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity retrieves the Identity from the context. Returns nil if the
// request was not authenticated.
func GetIdentity(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// TokenFromHeader extracts a Bearer token from an Authorization header value.
func TokenFromHeader(authHeader string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(authHeader, prefix) {
		return strings.TrimPrefix(authHeader, prefix)
	}
	return ""
}

// ParseAccessToken splits an access token into its base token and
// namespace. Tokens have the form "<base>" or "<base>#<namespace>".
// A missing or invalid namespace falls back to DefaultNamespace.
func ParseAccessToken(token string) (base, namespace string) {
	base, namespace, found := strings.Cut(token, "#")
	if !found || !ValidNamespace(namespace) {
		return base, DefaultNamespace
	}
	return base, namespace
}

// ValidNamespace reports whether s is a well-formed namespace name:
// 1-64 characters from [a-z0-9._-].
func ValidNamespace(s string) bool {
	if len(s) == 0 || len(s) > 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

// ConstantTimeEquals compares two tokens in constant time with respect
// to their contents. Two empty strings are equal.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
