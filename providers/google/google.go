package google

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/relayforge/oauth-connect/providers"
)

const (
	defaultUserinfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"
	defaultRevokeURL   = "https://oauth2.googleapis.com/revoke"
)

// Provider implements providers.Provider for Google (Gmail-style mail).
type Provider struct {
	config     *oauth2.Config
	httpClient *http.Client

	userinfoURL string
	revokeURL   string
}

var _ providers.Provider = (*Provider)(nil)

// Config holds Google OAuth configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// Endpoint overrides the OAuth endpoints. Used in tests.
	Endpoint *oauth2.Endpoint

	// UserinfoURL and RevokeURL override the Google API URLs. Used in tests.
	UserinfoURL string
	RevokeURL   string
}

// NewProvider creates a new Google OAuth provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{
			"openid",
			"email",
			gmail.GmailReadonlyScope,
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	endpoint := google.Endpoint
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}

	userinfoURL := cfg.UserinfoURL
	if userinfoURL == "" {
		userinfoURL = defaultUserinfoURL
	}
	revokeURL := cfg.RevokeURL
	if revokeURL == "" {
		revokeURL = defaultRevokeURL
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		httpClient:  httpClient,
		userinfoURL: userinfoURL,
		revokeURL:   revokeURL,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "google"
}

// AuthorizationURL generates the Google OAuth authorization URL.
// access_type=offline with prompt=consent is required or Google only
// issues a refresh token on the very first authorization.
func (p *Provider) AuthorizationURL(state string, opts *providers.AuthOptions) string {
	if opts == nil {
		opts = &providers.AuthOptions{}
	}

	oauth2Opts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	}
	if opts.LoginHint != "" {
		oauth2Opts = append(oauth2Opts, oauth2.SetAuthURLParam("login_hint", opts.LoginHint))
	}

	config := p.configFor(opts.RedirectURI, opts.Scopes)
	return config.AuthCodeURL(state, oauth2Opts...)
}

// ExchangeCode exchanges an authorization code for tokens and resolves
// the Google account identity from the userinfo endpoint.
func (p *Provider) ExchangeCode(ctx context.Context, code, redirectURI string) (*providers.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	config := p.configFor(redirectURI, nil)
	token, err := config.Exchange(ctx, code)
	if err != nil {
		return nil, providers.Classify(p.Name(), "exchange", err)
	}

	out := p.toToken(token)

	// Resolve the account identity while we hold a fresh token.
	info, err := p.fetchUserinfo(ctx, token.AccessToken)
	if err != nil {
		return nil, providers.Classify(p.Name(), "exchange", err)
	}
	out.ProviderUserID = info.Sub
	out.Email = info.Email

	return out, nil
}

// RefreshToken exchanges a refresh token for a fresh access token.
// Google does not rotate refresh tokens; the response omits one and the
// caller keeps the stored value.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*providers.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	tokenSource := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	newToken, err := tokenSource.Token()
	if err != nil {
		return nil, providers.Classify(p.Name(), "refresh", err)
	}

	out := p.toToken(newToken)
	if newToken.RefreshToken == refreshToken {
		// TokenSource echoes the input token; only report a rotation
		// when the provider actually issued a new value.
		out.RefreshToken = ""
	}
	return out, nil
}

// CheckLiveness verifies the token by fetching the Gmail profile of the
// authenticated account, the cheapest authenticated Gmail call.
func (p *Provider) CheckLiveness(ctx context.Context, accessToken string) (*providers.LivenessResult, error) {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	})

	svc, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, providers.Classify(p.Name(), "liveness", err)
	}

	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return &providers.LivenessResult{
			Healthy: false,
			Reason:  fmt.Sprintf("gmail profile fetch failed: %v", err),
		}, nil
	}

	if profile.EmailAddress == "" {
		return &providers.LivenessResult{
			Healthy: false,
			Reason:  "gmail profile has no email address",
		}, nil
	}

	return &providers.LivenessResult{Healthy: true}, nil
}

// RevokeToken revokes a token at Google's revocation endpoint.
func (p *Provider) RevokeToken(ctx context.Context, token string) error {
	data := url.Values{}
	data.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL,
		strings.NewReader(data.Encode()))
	if err != nil {
		return providers.Classify(p.Name(), "revoke", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return providers.Classify(p.Name(), "revoke", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return providers.Classify(p.Name(), "revoke",
			fmt.Errorf("token revocation failed with status %d", resp.StatusCode))
	}
	return nil
}

func (p *Provider) configFor(redirectURI string, scopes []string) *oauth2.Config {
	if redirectURI == "" && len(scopes) == 0 {
		return p.config
	}
	config := *p.config
	if redirectURI != "" {
		config.RedirectURL = redirectURI
	}
	if len(scopes) > 0 {
		config.Scopes = scopes
	}
	return &config
}

func (p *Provider) toToken(token *oauth2.Token) *providers.Token {
	return &providers.Token{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresAt:    providers.NormalizeExpiry(token.Expiry, time.Now()),
		// golang.org/x/oauth2 does not expose granted scopes; assume the
		// requested set.
		Scopes: p.config.Scopes,
	}
}

type userinfo struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
}

func (p *Provider) fetchUserinfo(ctx context.Context, accessToken string) (*userinfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userinfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed with status %d", resp.StatusCode)
	}

	var info userinfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo: %w", err)
	}
	return &info, nil
}
