package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAuthenticatorScopes(t *testing.T) {
	now := time.Now()
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: "secret", Issuer: "blockmusic"}, nil)
	var subject string
	handler := auth.Middleware("aggregator:admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	call := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/admin/flush", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		return res.Code
	}

	require.Equal(t, http.StatusUnauthorized, call(""))

	admin, err := IssueToken("secret", "blockmusic", "ops", []string{"aggregator:admin"}, time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, call(admin))
	require.Equal(t, "ops", subject)

	reader, err := IssueToken("secret", "blockmusic", "ops", []string{"aggregator:read"}, time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, call(reader))

	wrongKey, err := IssueToken("other", "blockmusic", "ops", []string{"aggregator:admin"}, time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, call(wrongKey))

	expired, err := IssueToken("secret", "blockmusic", "ops", []string{"aggregator:admin"}, time.Minute, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, call(expired))

	wrongIssuer, err := IssueToken("secret", "someone-else", "ops", []string{"aggregator:admin"}, time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, call(wrongIssuer))
}

func TestAuthenticatorDisabledPassesThrough(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{}, nil)
	handler := auth.Middleware("aggregator:admin")(okHandler())
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/admin/status", nil))
	require.Equal(t, http.StatusOK, res.Code)
}
