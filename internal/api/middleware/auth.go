package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ayo6706/escrow-settlement/internal/api/problem"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	userContextKey  contextKey = "user_id"
	roleContextKey  contextKey = "user_role"
	traceContextKey contextKey = "trace_id"
)

// RoleAdmin gates dispute resolution and operational endpoints.
const RoleAdmin = "admin"

var (
	jwtSecret   []byte
	jwtIssuer   string
	jwtAudience string
)

// authClaims accepts user_id as a JSON number or a numeric string.
type authClaims struct {
	UserID json.Number `json:"user_id"`
	Role   string      `json:"role"`
	jwt.RegisteredClaims
}

type authFailure struct {
	status int
	slug   string
	detail string
}

func (f *authFailure) write(w http.ResponseWriter, r *http.Request) {
	problem.Write(w, r, f.status, problem.Type("auth/"+f.slug), "", f.detail)
}

var (
	errMissingHeader = &authFailure{http.StatusUnauthorized, "authorization-header-required", "Authorization header required"}
	errBadFormat     = &authFailure{http.StatusUnauthorized, "invalid-token-format", "Invalid token format"}
	errInvalidToken  = &authFailure{http.StatusUnauthorized, "invalid-token", "Invalid token"}
	errExpiredToken  = &authFailure{http.StatusUnauthorized, "token-expired", "Token expired"}
	errBadClaims     = &authFailure{http.StatusUnauthorized, "invalid-token-claims", "Invalid token claims"}
	errMisconfigured = &authFailure{http.StatusInternalServerError, "misconfigured", "auth is not configured"}
)

func SetJWTSecret(secret string) {
	if secret == "" {
		return
	}
	jwtSecret = []byte(secret)
}

func SetJWTValidation(issuer, audience string) {
	jwtIssuer = strings.TrimSpace(issuer)
	jwtAudience = strings.TrimSpace(audience)
}

// JWTSecret returns a copy of the signing secret.
func JWTSecret() []byte {
	return append([]byte(nil), jwtSecret...)
}

// AuthMiddleware validates the bearer token and injects the user id and role into
// the request context.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, role, failure := authenticate(r.Header.Get("Authorization"))
		if failure != nil {
			failure.write(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, userID)
		ctx = context.WithValue(ctx, roleContextKey, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func authenticate(header string) (int64, string, *authFailure) {
	if header == "" {
		return 0, "", errMissingHeader
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, "", errBadFormat
	}
	if len(jwtSecret) == 0 {
		return 0, "", errMisconfigured
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if jwtIssuer != "" {
		opts = append(opts, jwt.WithIssuer(jwtIssuer))
	}
	if jwtAudience != "" {
		opts = append(opts, jwt.WithAudience(jwtAudience))
	}
	claims := &authClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return jwtSecret, nil
	}, opts...)
	if err != nil || !token.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, "", errExpiredToken
		}
		return 0, "", errInvalidToken
	}

	userID, err := claims.UserID.Int64()
	if err != nil || userID <= 0 {
		return 0, "", errBadClaims
	}
	// sub is optional but must agree with user_id when present
	if claims.Subject != "" && claims.Subject != strconv.FormatInt(userID, 10) {
		return 0, "", errBadClaims
	}
	return userID, claims.Role, nil
}

// RequireRole ensures the authenticated user has the required role.
func RequireRole(requiredRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if UserRoleFromContext(r.Context()) != requiredRole {
				problem.Write(w, r, http.StatusForbidden, problem.Type("auth/insufficient-permissions"), "", "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserIDFromContext returns the authenticated user ID.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	if ctx == nil {
		return 0, false
	}
	v, ok := ctx.Value(userContextKey).(int64)
	return v, ok
}

// UserRoleFromContext returns the role of the authenticated user.
func UserRoleFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(roleContextKey).(string)
	return v
}

// IsAdmin reports whether the authenticated user carries the admin role.
func IsAdmin(ctx context.Context) bool {
	return UserRoleFromContext(ctx) == RoleAdmin
}

// TraceIDFromContext returns the trace id for the request.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(traceContextKey).(string)
	return v
}
