// Package testutil provides testing utilities and helpers shared by the
// package-level test suites.
package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/relayforge/oauth-connect/providers"
	"github.com/relayforge/oauth-connect/storage"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// NewMockHTTPServer creates a test HTTP server with the given handler
func NewMockHTTPServer(handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

// DiscardLogger returns a logger that drops everything. Tests that
// assert on behavior rather than log output use this.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// GenerateRandomString generates a random base64-encoded string of the
// given byte length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// NewTestProviderToken creates a provider token with sane defaults
func NewTestProviderToken() *providers.Token {
	return &providers.Token{
		AccessToken:    GenerateRandomString(32),
		RefreshToken:   GenerateRandomString(32),
		TokenType:      "Bearer",
		Scopes:         []string{"test.read"},
		ExpiresAt:      time.Now().Add(time.Hour),
		ProviderUserID: "test-user-123",
		Email:          "test@example.com",
	}
}

// NewTestConnection creates an active connection with sane defaults.
// The tokens are plausible ciphertext placeholders, not real envelopes;
// tests that exercise decryption build their own connections.
func NewTestConnection(id string) *storage.Connection {
	now := time.Now()
	return &storage.Connection{
		ID:                    id,
		UserID:                "test-user",
		TenantID:              "test-tenant",
		Provider:              "mock",
		ProviderUserID:        "test-user-123",
		Status:                storage.StatusActive,
		Scopes:                []string{"test.read"},
		EncryptedAccessToken:  GenerateRandomString(48),
		EncryptedRefreshToken: GenerateRandomString(48),
		TokenType:             "Bearer",
		ExpiresAt:             now.Add(time.Hour),
		CreatedAt:             now,
		UpdatedAt:             now,
		Version:               1,
	}
}

// AssertConnectionStatus fails the test if the connection status differs
func AssertConnectionStatus(t *testing.T, conn *storage.Connection, want storage.ConnectionStatus) {
	t.Helper()
	if conn == nil {
		t.Fatal("connection is nil")
	}
	if conn.Status != want {
		t.Errorf("connection status = %q, want %q", conn.Status, want)
	}
}
