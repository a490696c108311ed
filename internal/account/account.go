package account

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"
)

// State is an account's availability state. Only credentials are persisted;
// state is process-local and resets to StateAvailable on startup.
type State string

const (
	StateAvailable   State = "available"
	StateRateLimited State = "rate_limited"
	StateAuthError   State = "auth_error"
	StateDisabled    State = "disabled"
	StateRefreshing  State = "refreshing"
)

const oneHourMillis = int64(60 * 60 * 1000)

var namePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ValidateName checks an account name: lowercase alphanumeric plus _ and -,
// at most 32 characters.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid account name %q: must be lowercase alphanumeric with underscores/hyphens", name)
	}
	if len(name) > 32 {
		return fmt.Errorf("account name %q too long: max 32 characters", name)
	}
	return nil
}

// Capacity holds best-effort usage headroom reported by the upstream. It is
// surfaced in status responses but never consulted by selection.
type Capacity struct {
	TokensLimit             int64
	TokensRemaining         int64
	TokensRemainingPercent  float64
	RequestsLimit           int64
	RequestsRemaining       int64
	RequestsRemainingPercent float64
	CheckedAt               int64 // unix ms
}

// Account is one pool member: credentials plus runtime state. Accounts are
// not safe for concurrent use on their own; the pool mutex serialises all
// access.
type Account struct {
	Name        string
	Credentials Credentials

	State            State
	RateLimitedUntil int64 // unix ms, 0 = none
	LastUsed         int64 // unix ms, 0 = never
	LastError        string
	Capacity         *Capacity
}

// New creates an available account, validating the name.
func New(name string, creds Credentials) (*Account, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return &Account{Name: name, Credentials: creds, State: StateAvailable}, nil
}

// IsAvailable reports whether the account can serve a request right now.
func (a *Account) IsAvailable() bool {
	return a.State == StateAvailable && !a.Credentials.IsExpired()
}

// MarkRateLimited puts the account into cooldown until resetAt (unix ms).
// A zero resetAt defaults to one hour from now.
func (a *Account) MarkRateLimited(resetAt int64) {
	if resetAt == 0 {
		resetAt = nowMillis() + oneHourMillis
	}
	a.State = StateRateLimited
	a.RateLimitedUntil = resetAt
	slog.Info("account rate limited", "account", a.Name, "until", time.UnixMilli(resetAt).UTC().Format(time.RFC3339))
}

// MarkAuthError records an authentication failure; the account stays out of
// rotation until re-authenticated.
func (a *Account) MarkAuthError(msg string) {
	a.State = StateAuthError
	a.LastError = msg
	slog.Error("account auth error", "account", a.Name, "error", msg)
}

// MarkAvailable restores the account and clears error state.
func (a *Account) MarkAvailable() {
	prev := a.State
	a.State = StateAvailable
	a.RateLimitedUntil = 0
	a.LastError = ""
	slog.Info("account available", "account", a.Name, "previous", string(prev))
}

// MarkRefreshing transitions into the refresh-in-progress state so selection
// skips the account. Only available or rate-limited accounts qualify.
func (a *Account) MarkRefreshing() bool {
	if a.State != StateAvailable && a.State != StateRateLimited {
		return false
	}
	a.State = StateRefreshing
	return true
}

// MarkRefreshComplete leaves the refreshing state. On failure the account
// becomes auth_error only if the caller already recorded a terminal error;
// transient failures should restore the prior state via MarkAvailable or a
// direct state write instead.
func (a *Account) MarkRefreshComplete(success bool) {
	if a.State != StateRefreshing {
		return
	}
	if success {
		a.MarkAvailable()
	} else {
		a.State = StateAuthError
	}
}

// MarkUsed stamps the last-used time. Only meaningful on available accounts.
func (a *Account) MarkUsed() {
	a.LastUsed = nowMillis()
}

// CheckRateLimitReset restores the account if its cooldown has elapsed.
// Returns true iff a transition occurred.
func (a *Account) CheckRateLimitReset() bool {
	if a.State != StateRateLimited || a.RateLimitedUntil == 0 {
		return false
	}
	if nowMillis() >= a.RateLimitedUntil {
		a.MarkAvailable()
		return true
	}
	return false
}

// UpdateCredentials swaps the token material, e.g. after a refresh.
func (a *Account) UpdateCredentials(creds Credentials) {
	a.Credentials = creds
	slog.Debug("account credentials updated", "account", a.Name)
}

// UpdateCapacity records headroom reported by upstream rate-limit headers.
func (a *Account) UpdateCapacity(tokensLimit, tokensRemaining, requestsLimit, requestsRemaining int64) {
	cap := &Capacity{
		TokensLimit:       tokensLimit,
		TokensRemaining:   tokensRemaining,
		RequestsLimit:     requestsLimit,
		RequestsRemaining: requestsRemaining,
		CheckedAt:         nowMillis(),
	}
	if tokensLimit > 0 {
		cap.TokensRemainingPercent = float64(tokensRemaining) / float64(tokensLimit) * 100
	}
	if requestsLimit > 0 {
		cap.RequestsRemainingPercent = float64(requestsRemaining) / float64(requestsLimit) * 100
	}
	a.Capacity = cap
}
