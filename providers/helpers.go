package providers

import (
	"time"
)

// DefaultTokenLifetime is assumed when a provider omits expires_in from
// its token response. One hour matches what the major providers issue.
const DefaultTokenLifetime = time.Hour

// NormalizeExpiry fills in a missing expiry with the default lifetime so
// the stored ExpiresAt always reflects a real deadline.
func NormalizeExpiry(expiry time.Time, now time.Time) time.Time {
	if expiry.IsZero() {
		return now.Add(DefaultTokenLifetime)
	}
	return expiry
}

// MergeRefreshToken applies the keep-previous-token default: when a
// refresh response omits the refresh token, the previously stored one is
// still valid and must be preserved.
func MergeRefreshToken(fresh *Token, previous string) {
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = previous
	}
}
