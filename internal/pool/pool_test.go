package pool

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ccproxy-go/ccproxy/internal/account"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAccounts(t *testing.T, path string, entries ...[2]string) {
	t.Helper()
	body := `{"version": 1, "accounts": {`
	for i, e := range entries {
		if i > 0 {
			body += ","
		}
		body += fmt.Sprintf(`%q: {"accessToken": "at-%s", "refreshToken": %q, "expiresAt": 9999999999999}`,
			e[0], e[0], e[1])
	}
	body += `}}`
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func newTestPool(t *testing.T, names ...string) *Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.json")
	entries := make([][2]string, len(names))
	for i, n := range names {
		entries[i] = [2]string{n, "rt-" + n}
	}
	writeAccounts(t, path, entries...)

	p := New(path)
	require.NoError(t, p.Load())
	return p
}

func selectName(t *testing.T, p *Pool, exclude []string) string {
	t.Helper()
	snap, ok := p.GetNext(exclude)
	require.True(t, ok)
	return snap.Name
}

func TestRoundRobinOrder(t *testing.T) {
	p := newTestPool(t, "a", "b", "c")

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, selectName(t, p, nil))
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)
}

func TestGetNextSkipsUnavailable(t *testing.T) {
	p := newTestPool(t, "a", "b", "c")

	p.MarkRateLimited("b", time.Now().UnixMilli()+3600_000, nil)

	assert.Equal(t, "a", selectName(t, p, nil))
	assert.Equal(t, "c", selectName(t, p, nil))
	assert.Equal(t, "a", selectName(t, p, nil))
}

func TestGetNextExclusion(t *testing.T) {
	p := newTestPool(t, "a", "b")

	assert.Equal(t, "a", selectName(t, p, nil))
	assert.Equal(t, "a", selectName(t, p, []string{"b"}))

	_, ok := p.GetNext([]string{"a", "b"})
	assert.False(t, ok)
}

func TestGetNextEmptyPool(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "accounts.json"))
	_, ok := p.GetNext(nil)
	assert.False(t, ok)
}

func TestRateLimitSweepRestores(t *testing.T) {
	p := newTestPool(t, "a")

	p.MarkRateLimited("a", time.Now().UnixMilli()-1000, nil)
	assert.Equal(t, "a", selectName(t, p, nil))

	snap, ok := p.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, account.StateAvailable, snap.State)
	assert.Zero(t, snap.RateLimitedUntil)
}

func TestMarkRateLimitedFromHeaders(t *testing.T) {
	p := newTestPool(t, "a")

	h := http.Header{}
	h.Set("Retry-After", "120")
	before := time.Now().UnixMilli()
	p.MarkRateLimited("a", 0, h)

	snap, _ := p.Lookup("a")
	assert.Equal(t, account.StateRateLimited, snap.State)
	assert.GreaterOrEqual(t, snap.RateLimitedUntil, before+120_000)
	assert.Less(t, snap.RateLimitedUntil, before+130_000)
}

func TestCursorSurvivesSelectionFailures(t *testing.T) {
	p := newTestPool(t, "a", "b")

	assert.Equal(t, "a", selectName(t, p, nil))

	p.MarkRateLimited("b", time.Now().UnixMilli()+3600_000, nil)
	p.MarkRateLimited("a", time.Now().UnixMilli()+3600_000, nil)
	_, ok := p.GetNext(nil)
	require.False(t, ok)

	// The failed selections must not have advanced the cursor.
	p.MarkAvailable("b")
	assert.Equal(t, "b", selectName(t, p, nil))
}

func TestReloadPreservesRuntimeState(t *testing.T) {
	p := newTestPool(t, "a", "b")

	until := time.Now().UnixMilli() + 3600_000
	p.MarkRateLimited("a", until, nil)
	p.MarkAuthError("b", "bad token")

	require.NoError(t, p.Load())

	snapA, _ := p.Lookup("a")
	assert.Equal(t, account.StateRateLimited, snapA.State)
	assert.Equal(t, until, snapA.RateLimitedUntil)

	snapB, _ := p.Lookup("b")
	assert.Equal(t, account.StateAuthError, snapB.State)
	assert.Equal(t, "bad token", snapB.LastError)
}

func TestReloadClearsAuthErrorOnNewRefreshToken(t *testing.T) {
	p := newTestPool(t, "a")
	p.MarkAuthError("a", "Refresh token expired. Please re-authenticate.")

	// Same name, new refresh token: the user re-authenticated.
	writeAccounts(t, p.Path(), [2]string{"a", "rt-a-new"})
	require.NoError(t, p.Load())

	snap, _ := p.Lookup("a")
	assert.Equal(t, account.StateAvailable, snap.State)
	assert.Empty(t, snap.LastError)
	assert.Equal(t, "rt-a-new", snap.Credentials.RefreshToken)
}

func TestReloadKeepsAuthErrorOnSameRefreshToken(t *testing.T) {
	p := newTestPool(t, "a")
	p.MarkAuthError("a", "bad token")

	writeAccounts(t, p.Path(), [2]string{"a", "rt-a"})
	require.NoError(t, p.Load())

	snap, _ := p.Lookup("a")
	assert.Equal(t, account.StateAuthError, snap.State)
}

func TestReloadDropsRemovedAccounts(t *testing.T) {
	p := newTestPool(t, "a", "b")

	writeAccounts(t, p.Path(), [2]string{"a", "rt-a"})
	require.NoError(t, p.Load())

	assert.Equal(t, 1, p.Len())
	_, ok := p.Lookup("b")
	assert.False(t, ok)
}

func TestHasFileChanged(t *testing.T) {
	p := newTestPool(t, "a")
	assert.False(t, p.HasFileChanged())

	future := time.Now().Add(5 * time.Second)
	require.NoError(t, os.Chtimes(p.Path(), future, future))
	assert.True(t, p.HasFileChanged())

	reloaded, err := p.ReloadIfChanged()
	require.NoError(t, err)
	assert.True(t, reloaded)
	assert.False(t, p.HasFileChanged())
}

func TestHasFileChangedOnDeletion(t *testing.T) {
	p := newTestPool(t, "a")
	require.NoError(t, os.Remove(p.Path()))
	assert.True(t, p.HasFileChanged())
}

func TestInstallAccountPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	p := New(path)

	creds := account.Credentials{AccessToken: "at", RefreshToken: "rt", ExpiresAt: 9999999999999}
	require.NoError(t, p.InstallAccount("fresh", creds))

	file, err := account.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, creds, file.Accounts["fresh"])

	// Re-installing an auth_error account restores it.
	p.MarkAuthError("fresh", "dead")
	require.NoError(t, p.InstallAccount("fresh", creds))
	snap, _ := p.Lookup("fresh")
	assert.Equal(t, account.StateAvailable, snap.State)
}

func TestInstallAccountRejectsBadName(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "accounts.json"))
	err := p.InstallAccount("Bad Name", account.Credentials{
		AccessToken: "at", RefreshToken: "rt", ExpiresAt: 9999999999999,
	})
	require.Error(t, err)
}

func TestRemoveAccount(t *testing.T) {
	p := newTestPool(t, "a", "b", "c")

	assert.Equal(t, "a", selectName(t, p, nil))
	assert.Equal(t, "b", selectName(t, p, nil))

	require.True(t, p.RemoveAccount("a"))
	assert.False(t, p.RemoveAccount("a"))

	// Rotation continues from where it left off.
	assert.Equal(t, "c", selectName(t, p, nil))
	assert.Equal(t, "b", selectName(t, p, nil))

	file, err := account.LoadFile(p.Path())
	require.NoError(t, err)
	assert.NotContains(t, file.Accounts, "a")
}

func TestPeekNextDoesNotConsume(t *testing.T) {
	p := newTestPool(t, "a", "b")

	next, ok := p.PeekNext()
	require.True(t, ok)
	assert.Equal(t, "a", next)

	// Peeking again yields the same answer; selecting consumes it.
	next, _ = p.PeekNext()
	assert.Equal(t, "a", next)
	assert.Equal(t, "a", selectName(t, p, nil))

	next, _ = p.PeekNext()
	assert.Equal(t, "b", next)
}

func TestEarliestReset(t *testing.T) {
	p := newTestPool(t, "a", "b", "c")

	_, ok := p.EarliestReset()
	assert.False(t, ok)

	now := time.Now().UnixMilli()
	p.MarkRateLimited("a", now+7200_000, nil)
	p.MarkRateLimited("b", now+3600_000, nil)

	reset, ok := p.EarliestReset()
	require.True(t, ok)
	assert.Equal(t, now+3600_000, reset)
}

func TestBeginCompleteRefresh(t *testing.T) {
	p := newTestPool(t, "a")

	prior, ok := p.BeginRefresh("a")
	require.True(t, ok)
	assert.Equal(t, account.StateAvailable, prior)

	// Refreshing accounts are out of rotation.
	_, ok = p.GetNext(nil)
	assert.False(t, ok)

	creds := account.Credentials{AccessToken: "at-2", RefreshToken: "rt-2", ExpiresAt: 9999999999999}
	require.True(t, p.CompleteRefresh("a", creds))

	snap, _ := p.Lookup("a")
	assert.Equal(t, account.StateAvailable, snap.State)
	assert.Equal(t, "at-2", snap.Credentials.AccessToken)

	file, err := account.LoadFile(p.Path())
	require.NoError(t, err)
	assert.Equal(t, "rt-2", file.Accounts["a"].RefreshToken)
}

func TestAbortRefreshRestoresPriorState(t *testing.T) {
	p := newTestPool(t, "a")

	until := time.Now().UnixMilli() + 3600_000
	p.MarkRateLimited("a", until, nil)

	prior, ok := p.BeginRefresh("a")
	require.True(t, ok)
	assert.Equal(t, account.StateRateLimited, prior)

	p.AbortRefresh("a", prior)

	snap, _ := p.Lookup("a")
	assert.Equal(t, account.StateRateLimited, snap.State)
	assert.Equal(t, until, snap.RateLimitedUntil)
}
