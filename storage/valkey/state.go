package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relayforge/oauth-connect/internal/util"
	"github.com/relayforge/oauth-connect/storage"
)

// luaConsumeState atomically reads and deletes an authorization state.
// Running as a Lua script guarantees only ONE concurrent callback can
// consume a given state value; the loser sees NOT_FOUND.
const luaConsumeState = `
local value = redis.call('GET', KEYS[1])
if not value then
	return 'NOT_FOUND'
end
redis.call('DEL', KEYS[1])
return value
`

type authorizationStateJSON struct {
	State       string    `json:"state"`
	UserID      string    `json:"user_id"`
	TenantID    string    `json:"tenant_id"`
	Provider    string    `json:"provider"`
	RedirectURI string    `json:"redirect_uri"`
	Scopes      []string  `json:"scopes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func toAuthorizationStateJSON(state *storage.AuthorizationState) *authorizationStateJSON {
	return &authorizationStateJSON{
		State:       state.State,
		UserID:      state.UserID,
		TenantID:    state.TenantID,
		Provider:    state.Provider,
		RedirectURI: state.RedirectURI,
		Scopes:      state.Scopes,
		CreatedAt:   state.CreatedAt,
		ExpiresAt:   state.ExpiresAt,
	}
}

func fromAuthorizationStateJSON(j *authorizationStateJSON) *storage.AuthorizationState {
	return &storage.AuthorizationState{
		State:       j.State,
		UserID:      j.UserID,
		TenantID:    j.TenantID,
		Provider:    j.Provider,
		RedirectURI: j.RedirectURI,
		Scopes:      j.Scopes,
		CreatedAt:   j.CreatedAt,
		ExpiresAt:   j.ExpiresAt,
	}
}

// SaveState stores an authorization state with a TTL derived from its
// expiry. The server-side TTL is the primary expiry mechanism.
func (s *Store) SaveState(ctx context.Context, state *storage.AuthorizationState) error {
	if state == nil || state.State == "" {
		return fmt.Errorf("invalid authorization state")
	}

	ttl := calculateTTL(state.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization state already expired")
	}

	data, err := json.Marshal(toAuthorizationStateJSON(state))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization state: %w", err)
	}

	key := s.stateKey(state.State)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization state: %w", err)
	}

	s.logger.Debug("Saved authorization state",
		"state_prefix", util.SafeTruncate(state.State, tokenIDLogLength),
		"provider", state.Provider,
		"ttl", ttl)
	return nil
}

// ConsumeState atomically reads and deletes the state via a Lua script.
func (s *Store) ConsumeState(ctx context.Context, state string) (*storage.AuthorizationState, error) {
	key := s.stateKey(state)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeState).Numkeys(1).Key(key).Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization state: %w", err)
	}

	if result == "NOT_FOUND" {
		return nil, storage.ErrStateNotFound
	}

	var j authorizationStateJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization state: %w", err)
	}

	st := fromAuthorizationStateJSON(&j)

	// TTL should have evicted this, but double-check for safety.
	if time.Now().After(st.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired", storage.ErrStateNotFound)
	}

	s.logger.Debug("Consumed authorization state",
		"state_prefix", util.SafeTruncate(state, tokenIDLogLength),
		"provider", st.Provider)
	return st, nil
}
