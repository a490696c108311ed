package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ccproxy-go/ccproxy/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, names ...string) *Server {
	t.Helper()

	path := filepath.Join(t.TempDir(), "accounts.json")
	if len(names) > 0 {
		body := `{"version": 1, "accounts": {`
		for i, n := range names {
			if i > 0 {
				body += ","
			}
			body += fmt.Sprintf(`%q: {"accessToken": "at-%s", "refreshToken": "rt-%s", "expiresAt": 9999999999999}`, n, n, n)
		}
		body += `}}`
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}

	cfg := &config.Config{
		Host:             "127.0.0.1",
		Port:             0,
		AccountsPath:     path,
		RotationEnabled:  true,
		UpstreamURL:      "http://127.0.0.1:1",
		RequestTimeout:   5 * time.Second,
		ClaudeAPIVersion: "2023-06-01",
		MaxRetries:       3,
		RotationPaths:    []string{"/v1/messages"},
	}

	srv, err := New(cfg)
	require.NoError(t, err)
	return srv
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, "a")
	rec := do(srv, "GET", "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)

	var h healthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 1, h.AvailableAccounts)
	assert.NotEmpty(t, h.Timestamp)
}

func TestHealthEndpointDegraded(t *testing.T) {
	srv := newTestServer(t, "a")
	srv.pool.MarkAuthError("a", "token revoked")

	rec := do(srv, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var h healthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "degraded", h.Status)
	assert.Zero(t, h.AvailableAccounts)
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, "a", "b")
	srv.pool.MarkRateLimited("b", time.Now().UnixMilli()+3600_000, nil)

	rec := do(srv, "GET", "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st poolStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 2, st.TotalAccounts)
	assert.Equal(t, 1, st.AvailableAccounts)
	assert.Equal(t, 1, st.RateLimitedAccounts)
	assert.Equal(t, "a", st.NextAccount)
	assert.True(t, st.RotationEnabled)
	require.Len(t, st.Accounts, 2)
	assert.Equal(t, "a", st.Accounts[0].Name)
	assert.Equal(t, "rate_limited", st.Accounts[1].State)
}

func TestListAccountsEndpoint(t *testing.T) {
	srv := newTestServer(t, "a", "b")

	rec := do(srv, "GET", "/status/accounts", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Accounts []accountStatus `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Accounts, 2)
	assert.Equal(t, "a", out.Accounts[0].Name)
	assert.Equal(t, "available", out.Accounts[0].State)
	assert.NotEmpty(t, out.Accounts[0].TokenExpiresAt)
	assert.Nil(t, out.Accounts[0].RateLimitedUntil)
}

func TestGetAccountEndpoint(t *testing.T) {
	srv := newTestServer(t, "a")
	srv.pool.MarkAuthError("a", "token revoked")

	rec := do(srv, "GET", "/status/accounts/a", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st accountStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "auth_error", st.State)
	assert.Equal(t, "token revoked", st.LastError)

	rec = do(srv, "GET", "/status/accounts/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnableAccountEndpoint(t *testing.T) {
	srv := newTestServer(t, "a")
	srv.pool.MarkRateLimited("a", time.Now().UnixMilli()+3600_000, nil)

	rec := do(srv, "POST", "/status/accounts/a/enable", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st accountStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "available", st.State)
	assert.Nil(t, st.RateLimitedUntil)
}

func TestRefreshAccountEndpointUnknown(t *testing.T) {
	srv := newTestServer(t, "a")
	rec := do(srv, "POST", "/status/accounts/ghost/refresh", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOAuthStartEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := do(srv, "POST", "/oauth/start", `{"account_name": "work"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		AuthURL string `json:"auth_url"`
		State   string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Contains(t, out.AuthURL, "https://claude.ai/oauth/authorize")
	assert.Contains(t, out.AuthURL, "code_challenge=")
	assert.NotEmpty(t, out.State)
}

func TestOAuthStartValidation(t *testing.T) {
	srv := newTestServer(t)

	rec := do(srv, "POST", "/oauth/start", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(srv, "POST", "/oauth/start", `{"account_name": "Bad Name"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOAuthURLEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := do(srv, "POST", "/oauth/start", `{"account_name": "work"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var started struct {
		AuthURL string `json:"auth_url"`
		State   string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))

	rec = do(srv, "GET", "/oauth/url?state="+started.State, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		AuthURL string `json:"auth_url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, started.AuthURL, out.AuthURL)

	rec = do(srv, "GET", "/oauth/url?state=unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(srv, "GET", "/oauth/url", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOAuthExchangeUnknownState(t *testing.T) {
	srv := newTestServer(t)

	rec := do(srv, "POST", "/oauth/exchange", `{"state": "nope", "code": "abc"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "expired")
}

func TestOAuthCallbackMissingParams(t *testing.T) {
	srv := newTestServer(t)

	rec := do(srv, "GET", "/oauth/callback", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
}
