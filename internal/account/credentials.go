package account

import "time"

// Credentials holds the OAuth token material for one account.
// ExpiresAt is a Unix timestamp in milliseconds.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// nowMillis is swapped out in tests.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// ExpiresAtTime converts ExpiresAt to a time.Time.
func (c Credentials) ExpiresAtTime() time.Time {
	return time.UnixMilli(c.ExpiresAt).UTC()
}

// IsExpired reports whether the access token has expired.
func (c Credentials) IsExpired() bool {
	return nowMillis() >= c.ExpiresAt
}

// ExpiresIn returns seconds until expiry (negative if already expired).
func (c Credentials) ExpiresIn() int64 {
	return (c.ExpiresAt - nowMillis()) / 1000
}

// NeedsRefresh reports whether the token expires within buffer of now.
func (c Credentials) NeedsRefresh(buffer time.Duration) bool {
	return c.ExpiresIn() < int64(buffer.Seconds())
}
