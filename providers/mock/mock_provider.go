// Package mock provides mock implementations of the Provider interface for testing.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relayforge/oauth-connect/providers"
)

// MockProvider is a mock implementation of the Provider interface for testing
type MockProvider struct {
	// NameFunc is called when Name() is invoked
	NameFunc func() string

	// AuthorizationURLFunc is called when AuthorizationURL() is invoked
	AuthorizationURLFunc func(state string, opts *providers.AuthOptions) string

	// ExchangeCodeFunc is called when ExchangeCode() is invoked
	ExchangeCodeFunc func(ctx context.Context, code, redirectURI string) (*providers.Token, error)

	// RefreshTokenFunc is called when RefreshToken() is invoked
	RefreshTokenFunc func(ctx context.Context, refreshToken string) (*providers.Token, error)

	// CheckLivenessFunc is called when CheckLiveness() is invoked
	CheckLivenessFunc func(ctx context.Context, accessToken string) (*providers.LivenessResult, error)

	// RevokeTokenFunc is called when RevokeToken() is invoked
	RevokeTokenFunc func(ctx context.Context, token string) error

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.RWMutex
}

var _ providers.Provider = (*MockProvider)(nil)

// NewMockProvider creates a new mock provider with default implementations
func NewMockProvider() *MockProvider {
	return &MockProvider{
		CallCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		AuthorizationURLFunc: func(state string, opts *providers.AuthOptions) string {
			return fmt.Sprintf("https://mock.example.com/authorize?state=%s", state)
		},
		ExchangeCodeFunc: func(ctx context.Context, code, redirectURI string) (*providers.Token, error) {
			return &providers.Token{
				AccessToken:    "mock-access-token",
				RefreshToken:   "mock-refresh-token",
				TokenType:      "Bearer",
				Scopes:         []string{"mock.read"},
				ExpiresAt:      time.Now().Add(time.Hour),
				ProviderUserID: "mock-user-123",
				Email:          "mock@example.com",
			}, nil
		},
		RefreshTokenFunc: func(ctx context.Context, refreshToken string) (*providers.Token, error) {
			return &providers.Token{
				AccessToken:  "new-mock-access-token",
				RefreshToken: "new-mock-refresh-token",
				TokenType:    "Bearer",
				ExpiresAt:    time.Now().Add(time.Hour),
			}, nil
		},
		CheckLivenessFunc: func(ctx context.Context, accessToken string) (*providers.LivenessResult, error) {
			return &providers.LivenessResult{Healthy: true}, nil
		},
		RevokeTokenFunc: func(ctx context.Context, token string) error {
			return nil
		},
	}
}

// Name returns the provider name
func (m *MockProvider) Name() string {
	// LOCK PATTERN: Lock only to update counter and read function reference
	// Release lock BEFORE calling user function to prevent deadlocks
	// (user function might call other mock methods)
	m.mu.Lock()
	m.CallCounts["Name"]++
	fn := m.NameFunc
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return "mock"
}

// AuthorizationURL returns the mock authorization URL
func (m *MockProvider) AuthorizationURL(state string, opts *providers.AuthOptions) string {
	m.mu.Lock()
	m.CallCounts["AuthorizationURL"]++
	fn := m.AuthorizationURLFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(state, opts)
	}
	return ""
}

// ExchangeCode exchanges a mock authorization code for tokens
func (m *MockProvider) ExchangeCode(ctx context.Context, code, redirectURI string) (*providers.Token, error) {
	m.mu.Lock()
	m.CallCounts["ExchangeCode"]++
	fn := m.ExchangeCodeFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, code, redirectURI)
	}
	return nil, fmt.Errorf("ExchangeCodeFunc not set")
}

// RefreshToken refreshes a mock token
func (m *MockProvider) RefreshToken(ctx context.Context, refreshToken string) (*providers.Token, error) {
	m.mu.Lock()
	m.CallCounts["RefreshToken"]++
	fn := m.RefreshTokenFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, refreshToken)
	}
	return nil, fmt.Errorf("RefreshTokenFunc not set")
}

// CheckLiveness probes a mock token
func (m *MockProvider) CheckLiveness(ctx context.Context, accessToken string) (*providers.LivenessResult, error) {
	m.mu.Lock()
	m.CallCounts["CheckLiveness"]++
	fn := m.CheckLivenessFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, accessToken)
	}
	return nil, fmt.Errorf("CheckLivenessFunc not set")
}

// RevokeToken revokes a mock token
func (m *MockProvider) RevokeToken(ctx context.Context, token string) error {
	m.mu.Lock()
	m.CallCounts["RevokeToken"]++
	fn := m.RevokeTokenFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, token)
	}
	return nil
}

// GetCallCount returns the number of times a method was called
func (m *MockProvider) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}

// ResetCallCounts resets all call counters
func (m *MockProvider) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts = make(map[string]int)
}
