package security

import "time"

// DefaultClockSkewGracePeriod tolerates drift between this service, the
// provider, and NTP before declaring a token expired. Five seconds
// handles typical drift without materially extending token lifetime.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired checks expiry with the default clock skew grace period.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod checks expiry with a custom grace period.
// A zero expiry means the token does not expire.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}

// IsExpiringWithin reports whether the token expires inside the
// look-ahead window measured from now. This is the trigger for proactive
// refresh: a token inside the window is treated as not fresh enough to
// hand to a caller.
func IsExpiringWithin(expiresAt time.Time, window time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(window).After(expiresAt)
}
