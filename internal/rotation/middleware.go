package rotation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ccproxy-go/ccproxy/internal/account"
	"github.com/ccproxy-go/ccproxy/internal/pool"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// retryAfterSeconds is the constant Retry-After advertised when every
// account is rate limited; the body carries the precise earliest reset.
const retryAfterSeconds = "60"

// Middleware selects an account per request and retries buffered 429s on
// the next account. Only requests under the configured path prefixes
// rotate; everything else passes through untouched.
type Middleware struct {
	pool       *pool.Pool
	enabled    bool
	paths      []string
	maxRetries int
}

// NewMiddleware builds the rotation middleware.
func NewMiddleware(p *pool.Pool, enabled bool, paths []string, maxRetries int) *Middleware {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Middleware{pool: p, enabled: enabled, paths: paths, maxRetries: maxRetries}
}

// Wrap returns a handler that injects account selection around next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled || !m.rotationPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		logger := slog.With("request_id", uuid.NewString(), "path", r.URL.Path)

		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, errorBody{
				Type:    "invalid_request",
				Message: "failed to read request body",
			})
			return
		}

		if name := r.Header.Get(AccountHeader); name != "" {
			m.serveManual(w, r, next, body, name, logger)
			return
		}
		m.serveAuto(w, r, next, body, logger)
	})
}

func (m *Middleware) rotationPath(path string) bool {
	for _, p := range m.paths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// serveManual honors the X-Account-Name override: exactly one attempt on
// the named account, no fallback to rotation.
func (m *Middleware) serveManual(w http.ResponseWriter, r *http.Request, next http.Handler, body []byte, name string, logger *slog.Logger) {
	snap, ok := m.pool.Lookup(name)
	if !ok {
		logger.Warn("manual account not found", "account", name)
		writeJSONError(w, http.StatusNotFound, errorBody{
			Type:    "account_not_found",
			Message: fmt.Sprintf("Account %q does not exist", name),
		})
		return
	}
	if !snap.IsAvailable() {
		logger.Warn("manual account unavailable", "account", name, "state", snap.State)
		writeJSONError(w, http.StatusServiceUnavailable, errorBody{
			Type:    "account_unavailable",
			Message: fmt.Sprintf("Account %q is not available", name),
			State:   string(snap.State),
		})
		return
	}

	m.pool.MarkUsed(name)
	logger.Info("account selected", "account", name, "mode", "manual")

	// A forwarded 429 marks the account before any byte reaches the client.
	bw := newBufferingWriter(w, false, func(h http.Header) {
		m.pool.MarkRateLimited(name, 0, h)
	})
	next.ServeHTTP(bw, m.replay(r, body, snap.Name, snap.Credentials.AccessToken))

	if bw.status == http.StatusUnauthorized || bw.status == http.StatusForbidden {
		m.pool.MarkAuthError(name, extractErrorMessage(bw.captured.Bytes(), bw.status))
	}
}

// serveAuto runs the rotation loop: up to maxRetries+1 attempts, each 429
// buffered and retried on the next account.
func (m *Middleware) serveAuto(w http.ResponseWriter, r *http.Request, next http.Handler, body []byte, logger *slog.Logger) {
	var tried []string

	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		snap, ok := m.pool.GetNext(tried)
		if !ok {
			// Every untried account is unavailable. With a small pool the
			// only sensible retry target is one we already tried.
			snap, ok = m.pool.GetNext(nil)
		}
		if !ok {
			if attempt == 0 {
				m.writeNoAccounts(w, logger)
				return
			}
			last := tried[len(tried)-1]
			snap, ok = m.pool.Lookup(last)
			if !ok {
				break
			}
		}

		tried = append(tried, snap.Name)
		logger.Info("account selected", "account", snap.Name, "attempt", attempt+1)

		bw := newBufferingWriter(w, true, nil)
		next.ServeHTTP(bw, m.replay(r, body, snap.Name, snap.Credentials.AccessToken))

		if bw.suppressed {
			m.pool.MarkRateLimited(snap.Name, 0, bw.header)
			logger.Warn("upstream rate limited, rotating", "account", snap.Name, "attempt", attempt+1)
			continue
		}

		if bw.status == http.StatusUnauthorized || bw.status == http.StatusForbidden {
			m.pool.MarkAuthError(snap.Name, extractErrorMessage(bw.captured.Bytes(), bw.status))
		}
		return
	}

	m.writeAllExhausted(w, tried, logger)
}

// replay clones the request with a fresh body reader and the selection in
// context, so each retry replays identical bytes.
func (m *Middleware) replay(r *http.Request, body []byte, name, token string) *http.Request {
	r2 := r.Clone(WithSelection(r.Context(), Selection{Name: name, AccessToken: token}))
	r2.Body = io.NopCloser(bytes.NewReader(body))
	r2.ContentLength = int64(len(body))
	return r2
}

type errorBody struct {
	Type          string   `json:"type"`
	Message       string   `json:"message"`
	State         string   `json:"state,omitempty"`
	TotalAccounts int      `json:"totalAccounts,omitempty"`
	RateLimited   int      `json:"rateLimited,omitempty"`
	AuthErrors    int      `json:"authErrors,omitempty"`
	TriedAccounts []string `json:"triedAccounts,omitempty"`
	RetryAfter    string   `json:"retryAfter,omitempty"`
}

func (m *Middleware) writeNoAccounts(w http.ResponseWriter, logger *slog.Logger) {
	var total, limited, authErrs int
	for _, snap := range m.pool.Snapshots() {
		total++
		switch snap.State {
		case account.StateRateLimited:
			limited++
		case account.StateAuthError:
			authErrs++
		}
	}

	logger.Warn("no accounts available", "total", total, "rate_limited", limited, "auth_errors", authErrs)
	writeJSONError(w, http.StatusServiceUnavailable, errorBody{
		Type:          "no_accounts_available",
		Message:       "No accounts are currently available to serve this request",
		TotalAccounts: total,
		RateLimited:   limited,
		AuthErrors:    authErrs,
	})
}

func (m *Middleware) writeAllExhausted(w http.ResponseWriter, tried []string, logger *slog.Logger) {
	body := errorBody{
		Type:          "all_accounts_rate_limited",
		Message:       "All accounts are rate limited; retry after the reset",
		TriedAccounts: tried,
	}
	if reset, ok := m.pool.EarliestReset(); ok {
		body.RetryAfter = time.UnixMilli(reset).UTC().Format(time.RFC3339)
	}

	logger.Warn("all accounts rate limited", "tried", tried, "retry_after", body.RetryAfter)
	w.Header().Set("Retry-After", retryAfterSeconds)
	writeJSONError(w, http.StatusTooManyRequests, body)
}

func writeJSONError(w http.ResponseWriter, status int, body errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(struct {
		Error errorBody `json:"error"`
	}{Error: body})
}

// extractErrorMessage pulls error.message out of an upstream error body.
func extractErrorMessage(body []byte, status int) string {
	if msg := gjson.GetBytes(body, "error.message").String(); msg != "" {
		return msg
	}
	return fmt.Sprintf("Authentication failed (HTTP %d)", status)
}
