// Package pool implements the account rotation pool: an ordered set of
// OAuth accounts with round-robin selection, rate-limit failover and
// hot-reload reconciliation against the backing accounts.json file.
package pool

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ccproxy-go/ccproxy/internal/account"
	"github.com/ccproxy-go/ccproxy/internal/ratelimit"
)

// Snapshot is a point-in-time copy of one account, safe to use outside the
// pool mutex.
type Snapshot struct {
	Name             string
	State            account.State
	Credentials      account.Credentials
	RateLimitedUntil int64
	LastUsed         int64
	LastError        string
	Capacity         *account.Capacity
}

// IsAvailable mirrors account.IsAvailable for the captured state.
func (s Snapshot) IsAvailable() bool {
	return s.State == account.StateAvailable && !s.Credentials.IsExpired()
}

// Pool is the ordered account container. A single mutex serialises every
// operation, including reads, because reads sweep expired rate limits as a
// side effect. The mutex is never held across network or file-watcher I/O;
// the only I/O inside the lock is the accounts file itself.
type Pool struct {
	mu        sync.Mutex
	path      string
	order     []string
	byName    map[string]*account.Account
	cursor    int // index of the last selected account, -1 before first selection
	lastMtime time.Time
}

// New creates an empty pool backed by the given accounts file path.
func New(path string) *Pool {
	return &Pool{
		path:   path,
		byName: make(map[string]*account.Account),
		cursor: -1,
	}
}

// Path returns the backing file path.
func (p *Pool) Path() string { return p.path }

// Load reads the backing file, replacing the pool contents. Runtime state of
// accounts that survive the reload is preserved, with one exception: an
// auth_error account whose refresh token changed on disk was re-authenticated
// by the user and comes back available.
func (p *Pool) Load() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadLocked()
}

func (p *Pool) loadLocked() error {
	file, err := account.LoadFile(p.path)
	if err != nil {
		return err
	}

	next := make(map[string]*account.Account, len(file.Accounts))
	order := make([]string, 0, len(file.Accounts))
	for _, name := range file.Order {
		creds, ok := file.Accounts[name]
		if !ok {
			continue
		}
		acct, err := account.New(name, creds)
		if err != nil {
			continue
		}
		if old, exists := p.byName[name]; exists {
			reauthed := old.Credentials.RefreshToken != creds.RefreshToken &&
				old.State == account.StateAuthError
			if reauthed {
				slog.Info("account re-authenticated, clearing auth error",
					"account", name, "previous_error", old.LastError)
			} else {
				acct.State = old.State
				acct.RateLimitedUntil = old.RateLimitedUntil
				acct.LastError = old.LastError
			}
			acct.LastUsed = old.LastUsed
			acct.Capacity = old.Capacity
		}
		next[name] = acct
		order = append(order, name)
	}

	p.byName = next
	p.order = order
	p.cursor = -1

	if info, err := os.Stat(p.path); err == nil {
		p.lastMtime = info.ModTime()
	}

	slog.Info("rotation pool loaded", "count", len(p.order), "accounts", p.order)
	return nil
}

// Save persists credentials (and only credentials) to the backing file.
func (p *Pool) Save() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saveLocked()
}

func (p *Pool) saveLocked() bool {
	file := &account.File{
		Version:  account.FileVersion,
		Accounts: make(map[string]account.Credentials, len(p.byName)),
		Order:    append([]string(nil), p.order...),
	}
	for name, acct := range p.byName {
		file.Accounts[name] = acct.Credentials
	}
	if !account.SaveFile(file, p.path) {
		return false
	}
	if info, err := os.Stat(p.path); err == nil {
		p.lastMtime = info.ModTime()
	}
	return true
}

// HasFileChanged compares the backing file's mtime against the last load.
// A vanished file counts as changed if it was previously present.
func (p *Pool) HasFileChanged() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fileChangedLocked()
}

func (p *Pool) fileChangedLocked() bool {
	info, err := os.Stat(p.path)
	if err != nil {
		return !p.lastMtime.IsZero()
	}
	return !info.ModTime().Equal(p.lastMtime)
}

// ReloadIfChanged reloads the pool when the backing file changed on disk.
// Returns true if a reload happened.
func (p *Pool) ReloadIfChanged() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.fileChangedLocked() {
		return false, nil
	}
	slog.Info("accounts file changed, reloading")
	if err := p.loadLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// sweepLocked restores any accounts whose rate-limit cooldown has elapsed.
func (p *Pool) sweepLocked() {
	for _, acct := range p.byName {
		acct.CheckRateLimitReset()
	}
}

// GetNext selects the next available account in round-robin order, skipping
// names in exclude. The cursor advances only on successful selection, so a
// run of unavailable accounts does not skip ahead. The selected account is
// stamped as used.
func (p *Pool) GetNext(exclude []string) (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sweepLocked()

	if len(p.order) == 0 {
		slog.Warn("no accounts configured")
		return Snapshot{}, false
	}

	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}

	n := len(p.order)
	for i := 1; i <= n; i++ {
		idx := (p.cursor + i) % n
		name := p.order[idx]
		if excluded[name] {
			continue
		}
		acct := p.byName[name]
		if acct == nil || !acct.IsAvailable() {
			continue
		}
		p.cursor = idx
		acct.MarkUsed()
		slog.Debug("account selected", "account", name)
		return snapshotOf(acct), true
	}

	return Snapshot{}, false
}

// PeekNext reports which account GetNext would select, without advancing
// the cursor or stamping usage.
func (p *Pool) PeekNext() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sweepLocked()

	n := len(p.order)
	for i := 1; i <= n; i++ {
		name := p.order[(p.cursor+i)%n]
		if acct := p.byName[name]; acct != nil && acct.IsAvailable() {
			return name, true
		}
	}
	return "", false
}

// Lookup returns a snapshot of the named account regardless of state.
func (p *Pool) Lookup(name string) (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct, ok := p.byName[name]
	if !ok {
		return Snapshot{}, false
	}
	acct.CheckRateLimitReset()
	return snapshotOf(acct), true
}

// MarkUsed stamps the named account's last-used time (manual selection path).
func (p *Pool) MarkUsed(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acct, ok := p.byName[name]; ok {
		acct.MarkUsed()
	}
}

// MarkRateLimited puts an account into cooldown. When resetAt is zero the
// reset instant is derived from headers; when that fails too, the account
// cools down for ratelimit.DefaultCooldown.
func (p *Pool) MarkRateLimited(name string, resetAt int64, headers http.Header) {
	if resetAt == 0 && headers != nil {
		if t, ok := ratelimit.ParseResetTime(headers); ok {
			resetAt = t
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	acct, ok := p.byName[name]
	if !ok {
		slog.Warn("rate limit for unknown account", "account", name)
		return
	}
	acct.MarkRateLimited(resetAt)

	if tl, tr, rl, rr, found := ratelimit.ParseCapacity(headers); found {
		acct.UpdateCapacity(tl, tr, rl, rr)
	}
}

// MarkAuthError records an authentication failure for the named account.
func (p *Pool) MarkAuthError(name, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct, ok := p.byName[name]
	if !ok {
		slog.Warn("auth error for unknown account", "account", name)
		return
	}
	acct.MarkAuthError(msg)
}

// MarkAvailable restores the named account.
func (p *Pool) MarkAvailable(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct, ok := p.byName[name]
	if !ok {
		slog.Warn("mark available for unknown account", "account", name)
		return
	}
	acct.MarkAvailable()
}

// UpdateCredentials replaces an account's credentials, persisting the file
// when persist is set.
func (p *Pool) UpdateCredentials(name string, creds account.Credentials, persist bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct, ok := p.byName[name]
	if !ok {
		slog.Warn("credential update for unknown account", "account", name)
		return false
	}
	acct.UpdateCredentials(creds)
	if persist {
		return p.saveLocked()
	}
	return true
}

// UpdateCapacity records best-effort headroom for status reporting.
func (p *Pool) UpdateCapacity(name string, tokensLimit, tokensRemaining, requestsLimit, requestsRemaining int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acct, ok := p.byName[name]; ok {
		acct.UpdateCapacity(tokensLimit, tokensRemaining, requestsLimit, requestsRemaining)
	}
}

// BeginRefresh transitions an account into the refreshing state so selection
// skips it. Returns the prior state and whether the transition happened.
func (p *Pool) BeginRefresh(name string) (account.State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct, ok := p.byName[name]
	if !ok {
		return "", false
	}
	prior := acct.State
	if !acct.MarkRefreshing() {
		return prior, false
	}
	return prior, true
}

// CompleteRefresh installs new credentials after a successful refresh and
// returns the account to available, persisting the file.
func (p *Pool) CompleteRefresh(name string, creds account.Credentials) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct, ok := p.byName[name]
	if !ok {
		return false
	}
	acct.UpdateCredentials(creds)
	acct.MarkRefreshComplete(true)
	return p.saveLocked()
}

// AbortRefresh restores the pre-refresh state after a transient failure.
// Transient failures must not synthesise auth errors.
func (p *Pool) AbortRefresh(name string, prior account.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct, ok := p.byName[name]
	if !ok || acct.State != account.StateRefreshing {
		return
	}
	if prior == account.StateRateLimited && acct.RateLimitedUntil > 0 {
		acct.State = account.StateRateLimited
	} else {
		acct.MarkAvailable()
	}
}

// InstallAccount adds a new account (or replaces credentials of an existing
// one) and persists the file, creating it if absent. A re-installed
// auth_error account becomes available again.
func (p *Pool) InstallAccount(name string, creds account.Credentials) error {
	if err := account.ValidateName(name); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if acct, ok := p.byName[name]; ok {
		acct.UpdateCredentials(creds)
		if acct.State == account.StateAuthError {
			acct.MarkAvailable()
		}
	} else {
		acct, err := account.New(name, creds)
		if err != nil {
			return err
		}
		p.byName[name] = acct
		p.order = append(p.order, name)
		slog.Info("account added", "account", name)
	}

	if !p.saveLocked() {
		return fmt.Errorf("failed to persist accounts file %s", p.path)
	}
	return nil
}

// RemoveAccount deletes an account from the pool and the backing file,
// repositioning the cursor so rotation order is undisturbed.
func (p *Pool) RemoveAccount(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byName[name]; !ok {
		return false
	}
	delete(p.byName, name)

	for i, n := range p.order {
		if n == name {
			p.order = append(p.order[:i], p.order[i+1:]...)
			if i <= p.cursor {
				p.cursor--
			}
			break
		}
	}
	if p.cursor >= len(p.order) {
		p.cursor = len(p.order) - 1
	}

	slog.Info("account removed", "account", name)
	p.saveLocked()
	return true
}

// Snapshots returns copies of every account in rotation order, sweeping
// expired rate limits first.
func (p *Pool) Snapshots() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sweepLocked()

	out := make([]Snapshot, 0, len(p.order))
	for _, name := range p.order {
		if acct, ok := p.byName[name]; ok {
			out = append(out, snapshotOf(acct))
		}
	}
	return out
}

// AvailableCount returns the number of selectable accounts.
func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sweepLocked()

	n := 0
	for _, acct := range p.byName {
		if acct.IsAvailable() {
			n++
		}
	}
	return n
}

// Len returns the total number of accounts.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// EarliestReset returns the soonest rate-limit reset across the pool.
func (p *Pool) EarliestReset() (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var earliest int64
	for _, acct := range p.byName {
		if acct.State != account.StateRateLimited || acct.RateLimitedUntil == 0 {
			continue
		}
		if earliest == 0 || acct.RateLimitedUntil < earliest {
			earliest = acct.RateLimitedUntil
		}
	}
	return earliest, earliest != 0
}

func snapshotOf(acct *account.Account) Snapshot {
	s := Snapshot{
		Name:             acct.Name,
		State:            acct.State,
		Credentials:      acct.Credentials,
		RateLimitedUntil: acct.RateLimitedUntil,
		LastUsed:         acct.LastUsed,
		LastError:        acct.LastError,
	}
	if acct.Capacity != nil {
		cap := *acct.Capacity
		s.Capacity = &cap
	}
	return s
}
