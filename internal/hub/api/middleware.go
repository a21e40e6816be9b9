package api

import (
	"net/http"

	"github.com/hapihub/hapi/internal/hub/auth"
)

// requireAuth parses the bearer token into (base, namespace), checks
// the base against the CLI API token in constant time, and stores the
// caller's identity in the request context.
func (a *API) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Hapi-Protocol-Version", ProtocolVersion)

		token := auth.TokenFromHeader(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Missing bearer token")
			return
		}
		base, namespace := auth.ParseAccessToken(token)
		if !auth.ConstantTimeEquals(base, a.cliToken) {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		ctx := auth.WithIdentity(r.Context(), &auth.Identity{Namespace: namespace})
		next(w, r.WithContext(ctx))
	})
}

// callerNamespace returns the authenticated namespace. The auth
// middleware guarantees an identity on every routed request.
func callerNamespace(r *http.Request) string {
	if id := auth.GetIdentity(r.Context()); id != nil {
		return id.Namespace
	}
	return auth.DefaultNamespace
}
