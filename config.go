package oauth

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/relayforge/oauth-connect/internal/util"
)

// Default durations for the token lifecycle. All tunable via Config.
const (
	// DefaultStateTTL is how long a pending authorization may sit between
	// the authorize redirect and its callback.
	DefaultStateTTL = 15 * time.Minute

	// DefaultRefreshLookAhead is the window before token expiry in which
	// a token is considered due for refresh.
	DefaultRefreshLookAhead = 5 * time.Minute

	// DefaultTokenCacheTTL bounds how long a decrypted access token may
	// live in the cache.
	DefaultTokenCacheTTL = 15 * time.Minute

	// DefaultRefreshInterval is how often the refresh scheduler scans for
	// expiring connections.
	DefaultRefreshInterval = 30 * time.Minute

	// DefaultHealthCheckInterval is how often the health monitor probes
	// active connections.
	DefaultHealthCheckInterval = 60 * time.Minute

	// DefaultProviderTimeout bounds any single provider API call.
	DefaultProviderTimeout = 10 * time.Second
)

// Config holds the connection manager configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// PublicBaseURL is the externally visible base URL of this service,
	// used to build provider redirect URIs. Trailing slashes are ignored.
	PublicBaseURL string

	// SuccessRedirectURL is where the callback handler sends the browser
	// after a connection is established.
	SuccessRedirectURL string

	// FailureRedirectURL is where the callback handler sends the browser
	// when the flow fails. The error code is appended as a query parameter.
	FailureRedirectURL string

	// Tokens configures the token lifecycle windows.
	Tokens TokenConfig

	// Jobs configures the background refresh and health loops.
	Jobs JobsConfig

	// RateLimit configures per-IP request limiting.
	RateLimit RateLimitConfig

	// Security holds key material and internal API credentials.
	Security SecurityConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// HTTPClient is a custom HTTP client handed to provider adapters.
	// If not provided, adapters use their own defaults.
	HTTPClient *http.Client
}

// TokenConfig holds token lifecycle windows
type TokenConfig struct {
	// StateTTL is the pending-authorization lifetime.
	// Default: 15 minutes.
	StateTTL time.Duration

	// RefreshLookAhead is the pre-expiry window that triggers a refresh.
	// Default: 5 minutes.
	RefreshLookAhead time.Duration

	// CacheTTL is the decrypted-token cache lifetime, capped at token
	// expiry. Default: 15 minutes. Caching is disabled by wiring no
	// TokenCache, not through this value.
	CacheTTL time.Duration

	// ProviderTimeout bounds each provider API call.
	// Default: 10 seconds.
	ProviderTimeout time.Duration
}

// JobsConfig holds background job configuration
type JobsConfig struct {
	// RefreshInterval is the refresh scheduler tick. Zero disables the
	// scheduler. Default: 30 minutes.
	RefreshInterval time.Duration

	// HealthCheckInterval is the health monitor tick. Zero disables the
	// monitor. Default: 60 minutes.
	HealthCheckInterval time.Duration

	// DisableJobs turns off both background loops regardless of the
	// intervals. Useful for tests and one-shot tools.
	DisableJobs bool
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool
}

// SecurityConfig holds key material and internal API settings
type SecurityConfig struct {
	// EncryptionKey is the AES-256 key (32 bytes) for token encryption at
	// rest. Required. Generate with security.GenerateKey().
	EncryptionKey []byte

	// InternalAPIKeyHash is the bcrypt hash of the API key trusted
	// internal callers present on /internal endpoints. Empty disables
	// the internal surface entirely.
	InternalAPIKeyHash string

	// EnableAuditLogging enables security audit logging.
	// Logs flow events, refresh outcomes, and violations (sensitive data hashed).
	EnableAuditLogging bool
}

// Validate checks the configuration and applies defaults for optional
// fields. Returns an error when required material is missing.
func (c *Config) Validate() error {
	if c.PublicBaseURL == "" {
		return fmt.Errorf("public base URL is required")
	}
	c.PublicBaseURL = util.NormalizeURL(c.PublicBaseURL)

	if len(c.Security.EncryptionKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes, got %d", len(c.Security.EncryptionKey))
	}

	if c.Tokens.StateTTL <= 0 {
		c.Tokens.StateTTL = DefaultStateTTL
	}
	if c.Tokens.RefreshLookAhead <= 0 {
		c.Tokens.RefreshLookAhead = DefaultRefreshLookAhead
	}
	if c.Tokens.CacheTTL < 0 {
		return fmt.Errorf("token cache TTL must not be negative")
	}
	if c.Tokens.CacheTTL == 0 {
		c.Tokens.CacheTTL = DefaultTokenCacheTTL
	}
	if c.Tokens.ProviderTimeout <= 0 {
		c.Tokens.ProviderTimeout = DefaultProviderTimeout
	}

	if c.Jobs.RefreshInterval == 0 {
		c.Jobs.RefreshInterval = DefaultRefreshInterval
	}
	if c.Jobs.HealthCheckInterval == 0 {
		c.Jobs.HealthCheckInterval = DefaultHealthCheckInterval
	}

	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	return nil
}

// CallbackURL returns the redirect URI registered with the given
// provider.
func (c *Config) CallbackURL(provider string) string {
	return fmt.Sprintf("%s/oauth/%s/callback", c.PublicBaseURL, provider)
}
