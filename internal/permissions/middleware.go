package permissions

import (
	"log/slog"
	"net/http"

	"github.com/centra-hq/centra/internal/shared"
)

// Middleware wires permission checks into HTTP handlers.
type Middleware struct {
	Resolver *Resolver
	Logger   *slog.Logger
}

// Require ensures the current user holds the permission before the request
// proceeds. The request context fed to condition evaluation carries the
// actor's identity so owner-style predicates can reference it.
func (m Middleware) Require(code string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := shared.PrincipalFromContext(r.Context())
			if !ok || principal.TenantID == "" {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			allowed, decision := m.Resolver.HasPermission(r.Context(), principal.TenantID, principal.UserID, code, map[string]any{
				"userId": principal.UserID,
				"method": r.Method,
				"path":   r.URL.Path,
			})
			if allowed {
				next.ServeHTTP(w, r)
				return
			}
			if m.Logger != nil {
				m.Logger.Info("request denied",
					slog.String("user_id", principal.UserID),
					slog.String("code", code),
					slog.String("source", string(decision.Source)))
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}
