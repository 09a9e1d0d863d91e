package providers

import (
	"context"
	"time"
)

// Provider is the capability interface implemented once per provider.
type Provider interface {
	// Name returns the provider name (e.g. "google", "slack").
	Name() string

	// AuthorizationURL builds the URL to redirect the user to, embedding
	// the anti-CSRF state and requested scopes.
	AuthorizationURL(state string, opts *AuthOptions) string

	// ExchangeCode exchanges an authorization code for tokens. The
	// redirect URI must match the one used in the authorize request.
	ExchangeCode(ctx context.Context, code, redirectURI string) (*Token, error)

	// RefreshToken exchanges a refresh token for a fresh access token.
	// Providers that rotate refresh tokens return the new one; providers
	// that do not leave Token.RefreshToken empty.
	RefreshToken(ctx context.Context, refreshToken string) (*Token, error)

	// CheckLiveness performs a minimal authenticated API call to verify
	// the token still works at the provider.
	CheckLiveness(ctx context.Context, accessToken string) (*LivenessResult, error)

	// RevokeToken revokes a token at the provider. Best effort: local
	// revocation proceeds even if this fails.
	RevokeToken(ctx context.Context, token string) error
}

// AuthOptions carries per-request parameters for AuthorizationURL.
type AuthOptions struct {
	// RedirectURI overrides the provider's configured redirect URI.
	RedirectURI string

	// Scopes overrides the provider's default scopes.
	Scopes []string

	// LoginHint pre-selects the account at providers that support it.
	LoginHint string
}

// Token is the provider-agnostic result of a code exchange or refresh.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scopes       []string
	ExpiresAt    time.Time

	// Identity surfaced by the exchange response, used to key the
	// stored connection. WorkspaceID is empty for providers without a
	// workspace concept.
	ProviderUserID string
	WorkspaceID    string
	Email          string
}

// LivenessResult is the outcome of a liveness probe.
type LivenessResult struct {
	Healthy bool
	Reason  string
}
