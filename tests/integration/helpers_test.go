//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func operatorToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "operator-tests",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

// doRequest sends an authenticated JSON request to the test server and
// decodes the response body into dest when given.
func doRequest(t *testing.T, method, path string, body interface{}, dest interface{}) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, testServer.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+operatorToken(t))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if dest != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
	}
	return resp
}

func scheduleRequestBody(policy, caseNumber string, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"policy_number": policy,
		"case_number":   caseNumber,
		"type":          "contacto",
		"channel_id":    "chat-42",
		"scheduled_at":  at.Format(time.RFC3339),
		"payload": map[string]interface{}{
			"policy_number": policy,
			"case_number":   caseNumber,
			"client_name":   "Juan Pérez",
		},
	}
}

func uniquePolicy(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("POL-%d", time.Now().UnixNano())
}
