package httputil

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// OperatorKey is the context key holding the authenticated operator id.
const OperatorKey contextKey = "operator"

// AuthMiddleware validates a bearer JWT (HS256) and stores the subject in
// the request context. An empty secret disables authentication, for local
// development only.
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				Error(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				Error(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			token, err := jwt.Parse(parts[1], func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				Error(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			subject, err := token.Claims.GetSubject()
			if err != nil {
				Error(w, http.StatusUnauthorized, "token has no subject")
				return
			}

			ctx := context.WithValue(r.Context(), OperatorKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOperator extracts the authenticated operator id from context.
func GetOperator(ctx context.Context) string {
	if op, ok := ctx.Value(OperatorKey).(string); ok {
		return op
	}
	return ""
}
