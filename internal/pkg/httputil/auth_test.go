package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret, subject string, expiresIn time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func authProbe() (http.Handler, *string) {
	var operator string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator = GetOperator(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	return handler, &operator
}

func TestAuthMiddlewareValidToken(t *testing.T) {
	probe, operator := authProbe()
	handler := AuthMiddleware(testSecret)(probe)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "op-7", time.Hour))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "op-7", *operator)
}

func TestAuthMiddlewareRejects(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"malformed header", "not-a-bearer"},
		{"wrong secret", "Bearer " + signTokenStatic("other-secret")},
		{"expired token", "Bearer " + signTokenStatic(testSecret)},
		{"garbage token", "Bearer abc.def.ghi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probe, _ := authProbe()
			handler := AuthMiddleware(testSecret)(probe)

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

// signTokenStatic signs an already-expired token for table cases that cannot
// take *testing.T.
func signTokenStatic(secret string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "op-7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	signed, _ := token.SignedString([]byte(secret))
	return signed
}

func TestAuthMiddlewareDisabledWithEmptySecret(t *testing.T) {
	probe, operator := authProbe()
	handler := AuthMiddleware("")(probe)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, *operator)
}
