// Package gatewayauth authenticates inbound chat-completions requests by
// tenant key (SPEC_FULL.md §4.1/§6) and stores the resolved identity in the
// request context.
package gatewayauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/wisbric/novarelay/pkg/store"
)

// Identity is the authenticated caller for the current request.
type Identity struct {
	TenantKey store.TenantKey
	Account   store.Account
}

type ctxKey struct{}

var identityKey ctxKey

// NewContext stores the identity in ctx.
func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity set by Middleware. The second return
// value is false if none is set.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// Middleware authenticates every request by tenant key, taken from
// `Authorization: Bearer <tenant-key>` or the `?key=<tenant-key>` query
// parameter (spec.md §6). Disabled keys and disabled accounts are rejected
// exactly like an unknown key — the caller must not be able to distinguish
// the two.
func Middleware(st store.Store, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractKey(r)
			if raw == "" {
				respondUnauthorized(w)
				return
			}

			tk, account, err := st.Authenticate(r.Context(), raw)
			if err != nil {
				if err != store.ErrNotFound {
					logger.Error("tenant key lookup failed", "error", err)
				}
				respondUnauthorized(w)
				return
			}

			ctx := NewContext(r.Context(), Identity{TenantKey: tk, Account: account})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractKey(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		if rest, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return r.URL.Query().Get("key")
}

func respondUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"type": "invalid_api_key", "message": "invalid tenant key"},
	})
}
