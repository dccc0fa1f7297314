// Package admin provides the operator-facing CRUD surface over accounts,
// tenant keys, upstream credentials, presets, and regex rules (SPEC_FULL.md
// §6 "Admin surface"), mounted under /admin/v1 with its own static-token
// trust boundary, separate from the gateway's per-tenant keys.
package admin

import (
	"crypto/subtle"
	"net/http"

	"github.com/wisbric/novarelay/internal/httpserver"
)

// Middleware authenticates every admin request against a single static
// operator token. There is no per-operator identity in this surface — it
// gates a trust boundary, not individual users (spec.md §6: "authenticated
// by a separate static operator token").
func Middleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const prefix = "Bearer "
			authHeader := r.Header.Get("Authorization")
			if len(authHeader) <= len(prefix) || authHeader[:len(prefix)] != prefix {
				httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing operator token")
				return
			}
			presented := authHeader[len(prefix):]
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid operator token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
