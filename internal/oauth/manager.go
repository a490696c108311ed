package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ccproxy-go/ccproxy/internal/account"
	"github.com/ccproxy-go/ccproxy/internal/pool"
)

const (
	maxCodeLength  = 1000
	maxStateLength = 100
)

// Manager drives account enrollment: it issues authorize URLs, tracks
// pending flows and installs exchanged tokens into the pool.
type Manager struct {
	client *Client
	flows  *FlowStore
	pool   *pool.Pool
}

// NewManager wires a manager over the given pool.
func NewManager(client *Client, p *pool.Pool) *Manager {
	return &Manager{client: client, flows: NewFlowStore(), pool: p}
}

// StartResult is the outcome of starting an enrollment flow.
type StartResult struct {
	AuthURL string `json:"auth_url"`
	State   string `json:"state"`
}

// Start begins an enrollment flow for the named account, returning the URL
// the user must open. The flow expires after ten minutes.
func (m *Manager) Start(accountName string) (*StartResult, error) {
	if err := account.ValidateName(accountName); err != nil {
		return nil, err
	}

	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		return nil, fmt.Errorf("generate pkce: %w", err)
	}
	state, err := GenerateState()
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}

	m.flows.Put(&Flow{
		State:       state,
		Verifier:    verifier,
		AccountName: accountName,
		CreatedAt:   time.Now(),
	})

	slog.Info("oauth flow started", "account", accountName, "pending_flows", m.flows.Len())
	return &StartResult{
		AuthURL: m.client.AuthorizeURL(challenge, state),
		State:   state,
	}, nil
}

// AuthURLForState rebuilds the authorize URL for a pending flow without
// registering a new handle; the challenge is re-derived from the stored
// verifier.
func (m *Manager) AuthURLForState(state string) (string, error) {
	flow, ok := m.flows.Get(sanitize(state))
	if !ok {
		return "", fmt.Errorf("unknown or expired oauth flow")
	}
	h := sha256.Sum256([]byte(flow.Verifier))
	challenge := base64.RawURLEncoding.EncodeToString(h[:])
	return m.client.AuthorizeURL(challenge, flow.State), nil
}

// Exchange completes a pending flow: the pasted authorization code is traded
// for tokens and the account is installed into the pool. The flow handle is
// consumed whether or not the exchange succeeds.
func (m *Manager) Exchange(ctx context.Context, state, code string) (string, error) {
	state = sanitize(state)
	if state == "" || len(state) > maxStateLength {
		return "", fmt.Errorf("invalid state parameter")
	}

	code = sanitize(code)
	if code == "" {
		return "", fmt.Errorf("authorization code is empty")
	}
	if len(code) > maxCodeLength {
		return "", fmt.Errorf("authorization code too long")
	}

	flow, ok := m.flows.Take(state)
	if !ok {
		return "", fmt.Errorf("unknown or expired oauth flow")
	}

	tokens, err := m.client.ExchangeCode(ctx, code, flow.Verifier)
	if err != nil {
		slog.Error("oauth code exchange failed", "account", flow.AccountName, "error", err)
		return "", err
	}

	creds := account.Credentials{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    time.Now().UnixMilli() + tokens.ExpiresIn*1000,
	}
	if err := m.pool.InstallAccount(flow.AccountName, creds); err != nil {
		return "", fmt.Errorf("install account: %w", err)
	}

	slog.Info("account enrolled", "account", flow.AccountName, "expires_in", tokens.ExpiresIn)
	return flow.AccountName, nil
}

// PendingFlows reports the number of live enrollment flows.
func (m *Manager) PendingFlows() int {
	return m.flows.Len()
}

// sanitize trims whitespace and strips any URL fragment users paste along
// with a code or state value.
func sanitize(v string) string {
	v = strings.TrimSpace(v)
	if i := strings.Index(v, "#"); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}
