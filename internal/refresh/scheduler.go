// Package refresh proactively renews OAuth access tokens before they expire
// so requests never go upstream with a stale bearer.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ccproxy-go/ccproxy/internal/account"
	"github.com/ccproxy-go/ccproxy/internal/oauth"
	"github.com/ccproxy-go/ccproxy/internal/pool"
)

const (
	defaultInterval = 60 * time.Second
	defaultBuffer   = 600 * time.Second
	maxAttempts     = 3
	initialBackoff  = 5 * time.Second
)

// terminalMessage is recorded on the account when the refresh token itself
// is dead and the user must re-authenticate.
const terminalMessage = "Refresh token expired. Please re-authenticate."

// outcome classifies one refresh attempt.
type outcome int

const (
	outcomeOK outcome = iota
	outcomeTransient
	outcomeTerminal
)

// Scheduler periodically scans the pool and refreshes any account whose
// token expires within the buffer window.
type Scheduler struct {
	pool     *pool.Pool
	client   *oauth.Client
	interval time.Duration
	buffer   time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// New builds a scheduler. Zero interval or buffer fall back to the defaults
// (60s tick, 600s buffer).
func New(p *pool.Pool, client *oauth.Client, interval, buffer time.Duration) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Scheduler{
		pool:     p,
		client:   client,
		interval: interval,
		buffer:   buffer,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs an immediate pass and then ticks until Stop or ctx cancel.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Stop halts the scheduler and waits for the loop to exit.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

// Sweep refreshes every account whose token expires within the buffer.
// Auth-error and disabled accounts are skipped; they need user action.
func (s *Scheduler) Sweep(ctx context.Context) {
	for _, snap := range s.pool.Snapshots() {
		if snap.State == account.StateAuthError || snap.State == account.StateDisabled ||
			snap.State == account.StateRefreshing {
			continue
		}
		if !snap.Credentials.NeedsRefresh(s.buffer) {
			continue
		}
		if err := s.refreshAccount(ctx, snap.Name); err != nil {
			slog.Warn("token refresh failed", "account", snap.Name, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// RefreshNow forces a refresh of one account, regardless of expiry.
func (s *Scheduler) RefreshNow(ctx context.Context, name string) error {
	if _, ok := s.pool.Lookup(name); !ok {
		return fmt.Errorf("unknown account %q", name)
	}
	return s.refreshAccount(ctx, name)
}

// refreshAccount runs the retry loop for one account. The pool mutex is
// never held across the network call; the account sits in the refreshing
// state so selection skips it meanwhile.
func (s *Scheduler) refreshAccount(ctx context.Context, name string) error {
	snap, ok := s.pool.Lookup(name)
	if !ok {
		return fmt.Errorf("unknown account %q", name)
	}

	prior, ok := s.pool.BeginRefresh(name)
	if !ok {
		return fmt.Errorf("account %q not refreshable in state %s", name, prior)
	}

	slog.Info("refreshing token", "account", name, "expires_in", snap.Credentials.ExpiresIn())

	var lastErr error
	backoff := initialBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		tokens, err := s.client.Refresh(ctx, snap.Credentials.RefreshToken)
		if err == nil {
			creds := account.Credentials{
				AccessToken:  tokens.AccessToken,
				RefreshToken: tokens.RefreshToken,
				ExpiresAt:    time.Now().UnixMilli() + tokens.ExpiresIn*1000,
			}
			if creds.RefreshToken == "" {
				creds.RefreshToken = snap.Credentials.RefreshToken
			}
			if !s.pool.CompleteRefresh(name, creds) {
				return fmt.Errorf("persist refreshed credentials for %q", name)
			}
			slog.Info("token refreshed", "account", name, "expires_in", tokens.ExpiresIn)
			return nil
		}

		lastErr = err
		switch classify(err) {
		case outcomeTerminal:
			s.pool.MarkAuthError(name, terminalMessage)
			return fmt.Errorf("refresh token rejected for %q: %w", name, err)
		case outcomeTransient:
			if attempt < maxAttempts {
				slog.Warn("token refresh attempt failed, retrying",
					"account", name, "attempt", attempt, "backoff", backoff, "error", err)
				select {
				case <-ctx.Done():
					s.pool.AbortRefresh(name, prior)
					return ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
			}
		}
	}

	// Retries exhausted on a transient failure: restore the prior state so
	// the account stays usable until its token actually expires.
	s.pool.AbortRefresh(name, prior)
	return fmt.Errorf("refresh failed after %d attempts for %q: %w", maxAttempts, name, lastErr)
}

// classify splits refresh failures into terminal (dead refresh token) and
// transient (network, 5xx, rate limit) outcomes. Only a 400 whose body names
// an invalid or expired grant is terminal.
func classify(err error) outcome {
	var te *oauth.TokenExchangeError
	if !errors.As(err, &te) {
		return outcomeTransient
	}
	if te.StatusCode != 400 {
		return outcomeTransient
	}
	body := strings.ToLower(te.ResponseText)
	if strings.Contains(body, "invalid_grant") || strings.Contains(body, "expired") {
		return outcomeTerminal
	}
	return outcomeTransient
}
