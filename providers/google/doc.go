// Package google provides a Google OAuth 2.0 provider implementation.
//
// This package implements the providers.Provider interface for Google's
// OAuth 2.0 authorization server. It supports:
//   - OAuth 2.0 authorization code flow with offline access
//   - Token refresh via the standard token endpoint
//   - Token revocation via Google's revocation endpoint
//   - Liveness probing via the Gmail profile API
//
// The provider requests "openid", "email", and Gmail read-only access by
// default. Authorization URLs always carry access_type=offline and
// prompt=consent so Google issues a refresh token on every authorization,
// not just the first one.
//
// Example usage:
//
//	provider, err := google.NewProvider(&google.Config{
//	    ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
//	    ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
//	    RedirectURL:  "http://localhost:8080/oauth/google/callback",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// After a code exchange the provider resolves the account identity from
// Google's userinfo endpoint, so the returned token carries the stable
// Google subject ID and the account email.
package google
