package slack

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	slackgo "github.com/slack-go/slack"

	"github.com/relayforge/oauth-connect/providers"
)

const defaultAuthorizeURL = "https://slack.com/oauth/v2/authorize"

// Slack error codes that mean the grant itself is dead and no retry
// will revive it.
var revokedErrorCodes = map[string]bool{
	"invalid_code":          true,
	"invalid_grant_type":    true,
	"invalid_refresh_token": true,
	"token_revoked":         true,
	"token_expired":         true,
	"account_inactive":      true,
	"invalid_auth":          true,
}

// Provider implements providers.Provider for Slack workspaces.
//
// Slack issues workspace-scoped user tokens via the OAuth v2 flow. With
// token rotation enabled the authed_user block carries a refresh token
// and an expiry; without rotation the user token never expires.
type Provider struct {
	clientID     string
	clientSecret string
	redirectURL  string
	scopes       []string
	httpClient   *http.Client

	authorizeURL string
	apiURL       string

	// exchange and refresh wrap the slack-go OAuth calls. Swapped out
	// in tests because slack-go pins them to slack.com.
	exchange func(ctx context.Context, client *http.Client, clientID, clientSecret, code, redirectURI string) (*slackgo.OAuthV2Response, error)
	refresh  func(ctx context.Context, client *http.Client, clientID, clientSecret, refreshToken string) (*slackgo.OAuthV2Response, error)
}

var _ providers.Provider = (*Provider)(nil)

// Config holds Slack OAuth configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Scopes are user scopes requested via the user_scope parameter.
	Scopes []string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// AuthorizeURL and APIURL override the Slack endpoints. Used in tests.
	AuthorizeURL string
	APIURL       string
}

// NewProvider creates a new Slack OAuth provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"channels:read", "chat:write", "users:read"}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	authorizeURL := cfg.AuthorizeURL
	if authorizeURL == "" {
		authorizeURL = defaultAuthorizeURL
	}

	return &Provider{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURL:  cfg.RedirectURL,
		scopes:       scopes,
		httpClient:   httpClient,
		authorizeURL: authorizeURL,
		apiURL:       cfg.APIURL,
		exchange: func(ctx context.Context, client *http.Client, clientID, clientSecret, code, redirectURI string) (*slackgo.OAuthV2Response, error) {
			return slackgo.GetOAuthV2ResponseContext(ctx, client, clientID, clientSecret, code, redirectURI)
		},
		refresh: func(ctx context.Context, client *http.Client, clientID, clientSecret, refreshToken string) (*slackgo.OAuthV2Response, error) {
			return slackgo.RefreshOAuthV2TokenContext(ctx, client, clientID, clientSecret, refreshToken)
		},
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "slack"
}

// AuthorizationURL generates the Slack OAuth v2 authorization URL. User
// scopes go in the user_scope parameter so Slack issues a user token
// rather than a bot token.
func (p *Provider) AuthorizationURL(state string, opts *providers.AuthOptions) string {
	if opts == nil {
		opts = &providers.AuthOptions{}
	}

	redirectURI := p.redirectURL
	if opts.RedirectURI != "" {
		redirectURI = opts.RedirectURI
	}
	scopes := p.scopes
	if len(opts.Scopes) > 0 {
		scopes = opts.Scopes
	}

	q := url.Values{}
	q.Set("client_id", p.clientID)
	q.Set("user_scope", strings.Join(scopes, ","))
	q.Set("state", state)
	if redirectURI != "" {
		q.Set("redirect_uri", redirectURI)
	}

	return p.authorizeURL + "?" + q.Encode()
}

// ExchangeCode exchanges an authorization code for a Slack user token.
func (p *Provider) ExchangeCode(ctx context.Context, code, redirectURI string) (*providers.Token, error) {
	resp, err := p.exchange(ctx, p.httpClient, p.clientID, p.clientSecret, code, redirectURI)
	if err != nil {
		return nil, classify(p.Name(), "exchange", err)
	}
	return p.toToken(resp)
}

// RefreshToken rotates a Slack user refresh token. Slack always issues
// a new refresh token alongside the new access token.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*providers.Token, error) {
	resp, err := p.refresh(ctx, p.httpClient, p.clientID, p.clientSecret, refreshToken)
	if err != nil {
		return nil, classify(p.Name(), "refresh", err)
	}
	return p.toToken(resp)
}

// CheckLiveness verifies the token with auth.test, Slack's canonical
// token validity probe.
func (p *Provider) CheckLiveness(ctx context.Context, accessToken string) (*providers.LivenessResult, error) {
	api := p.newClient(accessToken)

	resp, err := api.AuthTestContext(ctx)
	if err != nil {
		if isRevokedError(err) {
			return &providers.LivenessResult{
				Healthy: false,
				Reason:  fmt.Sprintf("auth.test rejected token: %v", err),
			}, nil
		}
		return nil, classify(p.Name(), "liveness", err)
	}

	if resp.UserID == "" {
		return &providers.LivenessResult{
			Healthy: false,
			Reason:  "auth.test returned no user identity",
		}, nil
	}
	return &providers.LivenessResult{Healthy: true}, nil
}

// RevokeToken revokes the token with auth.revoke.
func (p *Provider) RevokeToken(ctx context.Context, token string) error {
	api := p.newClient(token)

	if _, err := api.SendAuthRevokeContext(ctx, ""); err != nil {
		// A token Slack no longer recognizes is already revoked.
		if isRevokedError(err) {
			return nil
		}
		return classify(p.Name(), "revoke", err)
	}
	return nil
}

func (p *Provider) newClient(token string) *slackgo.Client {
	opts := []slackgo.Option{slackgo.OptionHTTPClient(p.httpClient)}
	if p.apiURL != "" {
		opts = append(opts, slackgo.OptionAPIURL(p.apiURL))
	}
	return slackgo.New(token, opts...)
}

func (p *Provider) toToken(resp *slackgo.OAuthV2Response) (*providers.Token, error) {
	user := resp.AuthedUser
	if user.AccessToken == "" {
		return nil, providers.NewError(p.Name(), "exchange",
			fmt.Errorf("response carries no user token; check user_scope configuration"), false, false)
	}

	var expiresAt time.Time
	if user.ExpiresIn > 0 {
		expiresAt = time.Now().Add(time.Duration(user.ExpiresIn) * time.Second)
	}

	var scopes []string
	if user.Scope != "" {
		scopes = strings.Split(user.Scope, ",")
	}

	return &providers.Token{
		AccessToken:    user.AccessToken,
		RefreshToken:   user.RefreshToken,
		TokenType:      "Bearer",
		Scopes:         scopes,
		ExpiresAt:      providers.NormalizeExpiry(expiresAt, time.Now()),
		ProviderUserID: user.ID,
		WorkspaceID:    resp.Team.ID,
	}, nil
}

// classify maps Slack API errors onto the shared provider error
// taxonomy. Slack reports failures as short error codes in the
// response body which slack-go surfaces as the error string.
func classify(provider, op string, err error) error {
	if isRevokedError(err) {
		return &providers.Error{
			Provider:     provider,
			Op:           op,
			GrantRevoked: true,
			Err:          err,
		}
	}
	return providers.Classify(provider, op, err)
}

func isRevokedError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for code := range revokedErrorCodes {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}
