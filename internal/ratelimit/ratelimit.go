// Package ratelimit maps upstream rate-limit signals to reset instants.
package ratelimit

import (
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultCooldown is applied when a 429 carries no usable reset header.
const DefaultCooldown = time.Hour

// Patterns that mark an error message as rate limiting even off a 429.
var rateLimitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rate.?limit`),
	regexp.MustCompile(`(?i)usage.?limit`),
	regexp.MustCompile(`(?i)exceeded`),
	regexp.MustCompile(`(?i)too.?many.?requests`),
}

// IsRateLimitError reports whether a response looks like rate limiting:
// status 429 always, otherwise a message matching known limit phrasing.
func IsRateLimitError(statusCode int, message string) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	if message == "" {
		return false
	}
	for _, p := range rateLimitPatterns {
		if p.MatchString(message) {
			return true
		}
	}
	return false
}

// ParseResetTime extracts the rate-limit reset instant (unix ms) from
// response headers. Headers are tried in order of preference:
//
//  1. Retry-After (delta seconds, HTTP-date or ISO-8601)
//  2. anthropic-ratelimit-unified-reset (unix seconds)
//  3. anthropic-ratelimit-unified-7d-reset (unix seconds)
//  4. anthropic-ratelimit-tokens-reset (ISO-8601)
//  5. anthropic-ratelimit-requests-reset (ISO-8601)
//
// Unparseable values fall through to the next header. Returns ok=false when
// nothing matched; callers fall back to DefaultCooldown.
func ParseResetTime(headers http.Header) (int64, bool) {
	if v := headers.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			reset := time.Now().UnixMilli() + int64(secs)*1000
			slog.Debug("retry-after parsed", "seconds", secs, "reset_ms", reset)
			return reset, true
		}
		if t, ok := parseTimestamp(v); ok {
			return t, true
		}
	}

	// Unified headers carry unix seconds (Claude MAX accounts).
	for _, name := range []string{
		"anthropic-ratelimit-unified-reset",
		"anthropic-ratelimit-unified-7d-reset",
	} {
		if v := headers.Get(name); v != "" {
			if secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				slog.Debug("unified rate-limit reset parsed", "header", name, "reset_ms", secs*1000)
				return secs * 1000, true
			}
		}
	}

	// Legacy headers carry ISO-8601 timestamps.
	for _, name := range []string{
		"anthropic-ratelimit-tokens-reset",
		"anthropic-ratelimit-requests-reset",
	} {
		if v := headers.Get(name); v != "" {
			if t, ok := parseTimestamp(v); ok {
				slog.Debug("rate-limit reset parsed", "header", name, "reset_ms", t)
				return t, true
			}
		}
	}

	return 0, false
}

// parseTimestamp accepts HTTP-dates and ISO-8601, assuming UTC when the value
// carries no zone.
func parseTimestamp(value string) (int64, bool) {
	value = strings.TrimSpace(value)
	if t, err := http.ParseTime(value); err == nil {
		return t.UnixMilli(), true
	}
	for _, layout := range []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

// ParseCapacity pulls the token/request headroom headers, when present.
// All values are best-effort; missing headers yield -1.
func ParseCapacity(headers http.Header) (tokensLimit, tokensRemaining, requestsLimit, requestsRemaining int64, found bool) {
	get := func(name string) int64 {
		if v := headers.Get(name); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				found = true
				return n
			}
		}
		return -1
	}
	tokensLimit = get("anthropic-ratelimit-tokens-limit")
	tokensRemaining = get("anthropic-ratelimit-tokens-remaining")
	requestsLimit = get("anthropic-ratelimit-requests-limit")
	requestsRemaining = get("anthropic-ratelimit-requests-remaining")
	return
}
