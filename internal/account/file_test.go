package account

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFilePreservesOrder(t *testing.T) {
	path := writeTestFile(t, `{
  "version": 1,
  "accounts": {
    "zeta": {"accessToken": "at-z", "refreshToken": "rt-z", "expiresAt": 9999999999999},
    "alpha": {"accessToken": "at-a", "refreshToken": "rt-a", "expiresAt": 9999999999999},
    "mid": {"accessToken": "at-m", "refreshToken": "rt-m", "expiresAt": 9999999999999}
  }
}`)

	file, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, file.Order)
	assert.Len(t, file.Accounts, 3)
	assert.Equal(t, "rt-a", file.Accounts["alpha"].RefreshToken)
}

func TestLoadFileSkipsInvalidEntries(t *testing.T) {
	path := writeTestFile(t, `{
  "version": 1,
  "accounts": {
    "good": {"accessToken": "at", "refreshToken": "rt", "expiresAt": 9999999999999},
    "Bad Name": {"accessToken": "at", "refreshToken": "rt", "expiresAt": 9999999999999},
    "notoken": {"refreshToken": "rt", "expiresAt": 9999999999999},
    "noexpiry": {"accessToken": "at", "refreshToken": "rt"}
  }
}`)

	file, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, file.Order)
	assert.Len(t, file.Accounts, 1)
}

func TestLoadFileMissingAccountsField(t *testing.T) {
	path := writeTestFile(t, `{"version": 1}`)
	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestLoadFileNotJSON(t *testing.T) {
	path := writeTestFile(t, `not json at all`)
	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestSaveFileKeepsInsertionOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	creds := Credentials{AccessToken: "at", RefreshToken: "rt", ExpiresAt: 9999999999999}

	file := &File{
		Version: FileVersion,
		Accounts: map[string]Credentials{
			"zeta": creds, "alpha": creds, "mid": creds,
		},
		Order: []string{"zeta", "alpha", "mid"},
	}
	require.True(t, SaveFile(file, path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, loaded.Order)
}

func TestSaveFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "accounts.json")

	file := &File{
		Version: FileVersion,
		Accounts: map[string]Credentials{
			"work": {AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().UnixMilli() + 3600_000},
		},
	}
	require.True(t, SaveFile(file, path))

	// Atomic write leaves no temp file behind.
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, file.Accounts["work"], loaded.Accounts["work"])
	assert.Equal(t, FileVersion, loaded.Version)
}
