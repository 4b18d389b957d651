package authz

import (
	"fmt"
	"net/http"

	"github.com/stanstork/ocms-cron/internal/models"
)

// RequireRole rejects requests whose token carries no role at or above
// required. A request that never passed the bearer middleware gets 401.
func RequireRole(required models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			roles, ok := RolesFromRequest(r)
			if !ok {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if !models.HasAtLeast(roles, required) {
				http.Error(w, fmt.Sprintf("role %s required", required), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func RequireRoleHandler(required models.Role, next http.Handler) http.Handler {
	return RequireRole(required)(next)
}
