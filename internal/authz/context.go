package authz

import (
	"context"
	"net/http"

	"github.com/stanstork/ocms-cron/internal/models"
)

type contextKey string

const (
	subjectKey contextKey = "subject"
	rolesKey   contextKey = "roles"
)

// WithIdentity stores the token subject and roles on the context.
func WithIdentity(ctx context.Context, subject string, roles []models.Role) context.Context {
	if subject != "" {
		ctx = context.WithValue(ctx, subjectKey, subject)
	}
	return context.WithValue(ctx, rolesKey, roles)
}

func SubjectFromRequest(r *http.Request) (string, bool) {
	sub, ok := r.Context().Value(subjectKey).(string)
	if !ok || sub == "" {
		return "", false
	}
	return sub, true
}

func RolesFromRequest(r *http.Request) ([]models.Role, bool) {
	roles, ok := r.Context().Value(rolesKey).([]models.Role)
	if !ok || len(roles) == 0 {
		return nil, false
	}
	return roles, true
}
