// ABOUTME: Tests for the HTTP JWT middleware
// ABOUTME: Covers header and query-parameter tokens, rejection paths and the disabled mode

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoOperator() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(OperatorFromContext(r.Context())))
	})
}

func TestHTTPAuthMiddleware(t *testing.T) {
	verifier := NewJWTVerifier([]byte("middleware-secret"))
	valid, err := verifier.Generate("harper", time.Hour)
	require.NoError(t, err)
	expired, err := verifier.Generate("harper", -time.Hour)
	require.NoError(t, err)

	handler := HTTPAuthMiddleware(verifier)(echoOperator())

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
		wantBody   string
	}{
		{"bearer header", "Bearer " + valid, "", http.StatusOK, "harper"},
		{"query token", "", "?token=" + valid, http.StatusOK, "harper"},
		{"header beats query", "Bearer garbage", "?token=" + valid, http.StatusUnauthorized, `{"error":"invalid token"}`},
		{"missing", "", "", http.StatusUnauthorized, `{"error":"missing authorization header"}`},
		{"wrong scheme", "Basic abc", "", http.StatusUnauthorized, `{"error":"invalid authorization header format"}`},
		{"empty bearer", "Bearer ", "", http.StatusUnauthorized, `{"error":"empty token"}`},
		{"expired", "Bearer " + expired, "", http.StatusUnauthorized, `{"error":"token expired"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/sessions"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantBody, rec.Body.String())
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestHTTPAuthMiddleware_NilVerifierDisablesAuth(t *testing.T) {
	handler := HTTPAuthMiddleware(nil)(echoOperator())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/agents", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}
