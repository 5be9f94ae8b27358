package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"ratelimit/pkg/jwt"
	"ratelimit/pkg/response"
)

type contextKey string

const (
	operatorKey  contextKey = "operator"
	requestIDKey contextKey = "request_id"
)

// Auth is HTTP middleware requiring a valid "Bearer <token>" Authorization
// header, matching the teacher's AuthMiddleware.Authenticate shape minus
// the Redis revocation check — there is no session store here, tokens are
// stateless and simply expire.
func Auth(jwtService *jwt.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				response.Unauthorized(w, "authorization header is required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				response.Unauthorized(w, "invalid authorization header format")
				return
			}

			claims, err := jwtService.ValidateToken(parts[1])
			if err != nil {
				response.Unauthorized(w, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), operatorKey, claims.Subject)
			ctx = context.WithValue(ctx, requestIDKey, uuid.New().String())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorFromContext extracts the calling operator's subject from context.
func OperatorFromContext(ctx context.Context) (string, bool) {
	operator, ok := ctx.Value(operatorKey).(string)
	return operator, ok
}

// RequestIDFromContext extracts the per-request id Auth stamps onto the
// context, for correlating log lines with a single admin API call.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}
