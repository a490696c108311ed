package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ccproxy-go/ccproxy/internal/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAccounts(t *testing.T, path string, names ...string) {
	t.Helper()
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

func TestWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	writeAccounts(t, path, "a")

	p := pool.New(path)
	require.NoError(t, p.Load())
	require.Equal(t, 1, p.Len())

	w, err := New(p)
	require.NoError(t, err)
	defer w.Stop()

	// mtime granularity: make sure the rewrite looks newer.
	time.Sleep(20 * time.Millisecond)
	writeAccounts(t, path, "a", "b")
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	assert.Eventually(t, func() bool {
		return p.Len() == 2
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	writeAccounts(t, path, "a")

	p := pool.New(path)
	require.NoError(t, p.Load())

	w, err := New(p)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o600))

	time.Sleep(time.Second)
	assert.Equal(t, 1, p.Len())
}
