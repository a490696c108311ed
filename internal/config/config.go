package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultAccountsPath is used when CCPROXY_ACCOUNTS_PATH is not set.
const DefaultAccountsPath = "~/.claude/accounts.json"

type Config struct {
	// Server
	Host string
	Port int

	// Accounts
	AccountsPath    string
	RotationEnabled bool
	HotReload       bool

	// Upstream
	UpstreamURL      string
	UpstreamProxy    string
	RequestTimeout   time.Duration
	ClaudeAPIVersion string

	// Rotation
	MaxRetries    int
	RotationPaths []string

	// OAuth
	OAuthRedirectURI string

	// Refresh scheduler
	RefreshInterval time.Duration
	RefreshBuffer   time.Duration

	// Logging
	LogLevel string
	LogFile  string
}

func Load() (*Config, error) {
	accountsPath, err := resolveAccountsPath()
	if err != nil {
		return nil, err
	}

	return &Config{
		Host: envOr("CCPROXY_HOST", "0.0.0.0"),
		Port: envInt("CCPROXY_PORT", 8000),

		AccountsPath:    accountsPath,
		RotationEnabled: envOr("CCPROXY_ROTATION_ENABLED", "true") != "false",
		HotReload:       envOr("CCPROXY_HOT_RELOAD", "true") != "false",

		UpstreamURL:      envOr("CCPROXY_UPSTREAM_URL", "https://api.anthropic.com"),
		UpstreamProxy:    os.Getenv("CCPROXY_UPSTREAM_PROXY"),
		RequestTimeout:   envDuration("CCPROXY_REQUEST_TIMEOUT", 240*time.Second),
		ClaudeAPIVersion: envOr("CCPROXY_API_VERSION", "2023-06-01"),

		MaxRetries: envInt("CCPROXY_MAX_RETRIES", 3),
		RotationPaths: envList("CCPROXY_ROTATION_PATHS", []string{
			"/api/v1/chat/completions",
			"/api/v1/messages",
			"/v1/messages",
		}),

		OAuthRedirectURI: os.Getenv("CCPROXY_OAUTH_REDIRECT_URI"),

		RefreshInterval: envDuration("CCPROXY_REFRESH_INTERVAL", 60*time.Second),
		RefreshBuffer:   envDuration("CCPROXY_REFRESH_BUFFER", 600*time.Second),

		LogLevel: envOr("CCPROXY_LOG_LEVEL", "info"),
		LogFile:  os.Getenv("CCPROXY_LOG_FILE"),
	}, nil
}

// resolveAccountsPath returns the accounts file path, honouring the
// CCPROXY_ACCOUNTS_PATH override. Overrides must be absolute (or ~-prefixed)
// and point into an existing directory; the default path is used as-is.
func resolveAccountsPath() (string, error) {
	override := os.Getenv("CCPROXY_ACCOUNTS_PATH")
	if override == "" {
		return ExpandPath(DefaultAccountsPath), nil
	}

	if !strings.HasPrefix(override, "/") && !strings.HasPrefix(override, "~") {
		return "", fmt.Errorf("CCPROXY_ACCOUNTS_PATH must be an absolute path or start with ~, got %q", override)
	}

	expanded := ExpandPath(override)
	parent := filepath.Dir(expanded)
	if _, err := os.Stat(parent); err != nil {
		return "", fmt.Errorf("CCPROXY_ACCOUNTS_PATH parent directory does not exist: %s", parent)
	}
	return expanded, nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
