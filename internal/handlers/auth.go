package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
	"github.com/stanstork/ocms-cron/internal/authz"
	"github.com/stanstork/ocms-cron/internal/models"
)

// AuthHandler guards the operator endpoints with HS256 bearer tokens.
type AuthHandler struct {
	jwtSecret string
	logger    zerolog.Logger
}

func NewAuthHandler(jwtSecret string, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		jwtSecret: jwtSecret,
		logger:    logger.With().Str("component", "auth").Logger(),
	}
}

// IssueToken mints a token for subject carrying roles, valid for ttl.
func IssueToken(secret, subject string, roles []models.Role, ttl time.Duration) (string, error) {
	rolesClaim := make([]string, 0, len(roles))
	for _, role := range roles {
		rolesClaim = append(rolesClaim, string(role))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"roles": rolesClaim,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}

// JWTMiddleware authenticates operator requests and stores the token
// identity on the request context.
func (h *AuthHandler) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			http.Error(w, "Bearer token required", http.StatusUnauthorized)
			return
		}
		claims, err := h.parse(raw)
		if err != nil {
			h.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("rejected bearer token")
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		roles, ok := extractRolesFromClaims(claims)
		if !ok {
			http.Error(w, "Missing role claim", http.StatusUnauthorized)
			return
		}
		subject, _ := claims["sub"].(string)
		next.ServeHTTP(w, r.WithContext(authz.WithIdentity(r.Context(), subject, roles)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || scheme != "Bearer" || token == "" {
		return "", false
	}
	return token, true
}

// parse verifies the HS256 signature. exp is mandatory.
func (h *AuthHandler) parse(raw string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(h.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !claims.VerifyExpiresAt(time.Now().Unix(), true) {
		return nil, jwt.NewValidationError("token has no expiry", jwt.ValidationErrorExpired)
	}
	return claims, nil
}

func extractRolesFromClaims(claims jwt.MapClaims) ([]models.Role, bool) {
	var raw []string
	switch v := claims["roles"].(type) {
	case []interface{}:
		for _, val := range v {
			str, ok := val.(string)
			if !ok {
				return nil, false
			}
			raw = append(raw, str)
		}
	case string:
		raw = []string{v}
	default:
		return nil, false
	}

	roles := make([]models.Role, 0, len(raw))
	for _, s := range raw {
		role, ok := models.ParseRole(s)
		if !ok {
			return nil, false
		}
		roles = append(roles, role)
	}
	return roles, len(roles) > 0
}
