// Package oauth implements the Anthropic OAuth 2.0 PKCE flow used to enroll
// accounts: authorization URL construction, code/token exchange and refresh.
package oauth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	// AuthorizeURL is the manual-paste authorization page. The code=true
	// query parameter makes the page display the code for copy/paste
	// instead of only redirecting.
	AuthorizeURL = "https://claude.ai/oauth/authorize"
	TokenURL     = "https://console.anthropic.com/v1/oauth/token"
	ClientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	RedirectURI  = "https://console.anthropic.com/oauth/code/callback"

	// Scope note: the console redirect URI rejects org:create_api_key, so
	// only inference-adjacent scopes are requested here. Do not add
	// org:create_api_key back without also switching the redirect flow.
	Scope = "user:profile user:inference user:sessions:claude_code"

	betaHeader = "oauth-2025-04-20"
	userAgent  = "Claude-Code/1.0.43"
)

// TokenExchangeError is a non-2xx response from the token endpoint, carrying
// enough of the body for the caller to classify the failure.
type TokenExchangeError struct {
	StatusCode   int
	ResponseText string
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, e.ResponseText)
}

// TokenResponse is the token endpoint's success payload.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Scope            string `json:"scope,omitempty"`
	SubscriptionType string `json:"subscription_type,omitempty"`
}

// Client talks to the Anthropic OAuth endpoints.
type Client struct {
	httpClient  *http.Client
	tokenURL    string
	redirectURI string
}

// NewClient builds a client with the standard 30s timeout.
func NewClient() *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		tokenURL:    TokenURL,
		redirectURI: RedirectURI,
	}
}

// NewClientWithEndpoint overrides the token endpoint, used by tests.
func NewClientWithEndpoint(tokenURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{httpClient: httpClient, tokenURL: tokenURL, redirectURI: RedirectURI}
}

// SetRedirectURI overrides the registered redirect URI for deployments with
// their own registration.
func (c *Client) SetRedirectURI(uri string) {
	if uri != "" {
		c.redirectURI = uri
	}
}

// GeneratePKCE returns a fresh code verifier and its S256 challenge.
func GeneratePKCE() (verifier, challenge string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(b)
	h := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(h[:])
	return verifier, challenge, nil
}

// GenerateState returns a random state parameter for the authorize URL.
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// BuildAuthorizeURL constructs the authorization URL for a pending flow
// using the default redirect URI.
func BuildAuthorizeURL(challenge, state string) string {
	return buildAuthorizeURL(challenge, state, RedirectURI)
}

// AuthorizeURL constructs the authorization URL with the client's redirect.
func (c *Client) AuthorizeURL(challenge, state string) string {
	return buildAuthorizeURL(challenge, state, c.redirectURI)
}

func buildAuthorizeURL(challenge, state, redirectURI string) string {
	q := url.Values{}
	q.Set("code", "true")
	q.Set("client_id", ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", Scope)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", state)
	return AuthorizeURL + "?" + q.Encode()
}

// ExchangeCode trades an authorization code for tokens. The token endpoint
// expects the code verifier in the state field as well; this is what the
// upstream actually validates, so both fields are sent.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string) (*TokenResponse, error) {
	return c.post(ctx, map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     ClientID,
		"code":          code,
		"redirect_uri":  c.redirectURI,
		"code_verifier": verifier,
		"state":         verifier,
	})
}

// Refresh trades a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	return c.post(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     ClientID,
		"refresh_token": refreshToken,
	})
}

func (c *Client) post(ctx context.Context, payload map[string]string) (*TokenResponse, error) {
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, "POST", c.tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("anthropic-beta", betaHeader)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &TokenExchangeError{
			StatusCode:   resp.StatusCode,
			ResponseText: truncate(respBody, 500),
		}
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(respBody, &tokenResp); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("empty access_token in token response")
	}
	if tokenResp.ExpiresIn <= 0 {
		tokenResp.ExpiresIn = 3600
	}
	return &tokenResp, nil
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
