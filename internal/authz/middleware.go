package authz

import (
	"net/http"

	"github.com/internhub/notifyhub/internal/models"
)

// RequireRole returns a middleware that rejects requests whose identity does
// not carry the required role. A request with no identity at all gets 401.
func RequireRole(required models.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := UserIDFromRequest(r); !ok {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			role, ok := RoleFromRequest(r)
			if !ok || role != required {
				http.Error(w, "insufficient permissions", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRoleHandler applies the role middleware inline when registering routes.
func RequireRoleHandler(required models.UserRole, next http.Handler) http.Handler {
	return RequireRole(required)(next)
}
