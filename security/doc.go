// Package security provides the crypto envelope used to protect stored
// token material, per-identifier rate limiting, security audit logging,
// and clock-skew tolerant expiry checks.
package security
