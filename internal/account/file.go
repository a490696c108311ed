package account

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// FileVersion is the current accounts.json schema version.
const FileVersion = 1

// File is the persisted form of the pool: credentials only, keyed by account
// name. Runtime state never reaches disk. Order carries the names in file
// order so rotation follows insertion order rather than map iteration.
type File struct {
	Version  int                    `json:"version"`
	Accounts map[string]Credentials `json:"accounts"`
	Order    []string               `json:"-"`
}

// LoadFile reads and validates an accounts file. Entries with invalid names
// or incomplete credentials are skipped with a warning; the rest still load.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Version  int                        `json:"version"`
		Accounts map[string]json.RawMessage `json:"accounts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse accounts file %s: %w", path, err)
	}
	if raw.Accounts == nil {
		return nil, fmt.Errorf("invalid accounts file %s: missing 'accounts' field", path)
	}

	version := raw.Version
	if version == 0 {
		version = FileVersion
	}

	file := &File{Version: version, Accounts: make(map[string]Credentials, len(raw.Accounts))}
	for _, name := range accountKeyOrder(data) {
		entry, ok := raw.Accounts[name]
		if !ok {
			continue
		}
		var creds Credentials
		if err := json.Unmarshal(entry, &creds); err != nil {
			slog.Warn("invalid account skipped", "account", name, "error", err)
			continue
		}
		if err := validateEntry(name, creds); err != nil {
			slog.Warn("invalid account skipped", "account", name, "error", err)
			continue
		}
		file.Accounts[name] = creds
		file.Order = append(file.Order, name)
	}

	slog.Info("accounts loaded", "path", path, "count", len(file.Accounts))
	return file, nil
}

// MarshalJSON writes accounts in Order so the file keeps insertion order
// across save/load cycles. Entries missing from Order are appended sorted.
func (f *File) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, len(f.Accounts))
	seen := make(map[string]bool, len(f.Accounts))
	for _, name := range f.Order {
		if _, ok := f.Accounts[name]; ok && !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range f.Accounts {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	names = append(names, rest...)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, `{"version":%d,"accounts":{`, f.Version)
	for i, name := range names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f.Accounts[name])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteString("}}")
	return buf.Bytes(), nil
}

// accountKeyOrder walks the raw JSON to recover the key order of the
// top-level "accounts" object. encoding/json maps do not preserve it.
func accountKeyOrder(data []byte) []string {
	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil
		}
		key, _ := tok.(string)
		if key != "accounts" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil
			}
			continue
		}
		if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
			return nil
		}
		var order []string
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil
			}
			name, _ := tok.(string)
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil
			}
			order = append(order, name)
		}
		return order
	}
	return nil
}

func validateEntry(name string, creds Credentials) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if creds.AccessToken == "" {
		return fmt.Errorf("missing accessToken")
	}
	if creds.RefreshToken == "" {
		return fmt.Errorf("missing refreshToken")
	}
	if creds.ExpiresAt <= 0 {
		return fmt.Errorf("missing expiresAt")
	}
	return nil
}

// SaveFile writes the accounts file atomically: indented JSON to a temp file
// in the same directory, then rename over the target. The parent directory is
// created if missing. Returns false on any I/O failure.
func SaveFile(file *File, path string) bool {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		slog.Error("accounts save failed", "path", path, "error", err)
		return false
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		slog.Error("accounts save failed", "path", path, "error", err)
		return false
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		slog.Error("accounts save failed", "path", tmp, "error", err)
		return false
	}
	if err := os.Rename(tmp, path); err != nil {
		slog.Error("accounts save failed", "path", path, "error", err)
		os.Remove(tmp)
		return false
	}

	slog.Debug("accounts saved", "path", path, "count", len(file.Accounts))
	return true
}
