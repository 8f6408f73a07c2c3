// Package oauthflow implements the bridging pieces between the tool and the
// Strava authorization flow: short-lived single-use state records, trusted
// return-address validation, and the one-time code broker.
package oauthflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/benamails/stravagptfaby/pkg/core"
)

// StateTTL bounds how long an authorization attempt may stay in flight.
const StateTTL = 10 * time.Minute

// trustedRedirectSuffix is the path every tool return address must end with.
const trustedRedirectSuffix = "/oauth/callback"

// trustedRedirectHosts are the only hosts allowed to receive the OAuth
// return redirect. Anything else would turn /authorize into an open
// redirector.
var trustedRedirectHosts = map[string]struct{}{
	"chat.openai.com":     {},
	"chatgpt.com":         {},
	"platform.openai.com": {},
}

// ErrUntrustedRedirect is returned when a tool return address fails the
// allow-list check.
var ErrUntrustedRedirect = errors.New("untrusted redirect_uri")

// ValidateToolRedirect checks a tool return address against the allow-list.
func ValidateToolRedirect(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return ErrUntrustedRedirect
	}
	if _, ok := trustedRedirectHosts[u.Hostname()]; !ok {
		return ErrUntrustedRedirect
	}
	if !strings.HasSuffix(u.Path, trustedRedirectSuffix) {
		return ErrUntrustedRedirect
	}
	return nil
}

// BuildReturnURL appends the one-time code (and the tool's echoed state) to
// a validated return address. Returns false when the address is untrusted.
func BuildReturnURL(toolRedirectURI, code, toolState string) (string, bool) {
	if ValidateToolRedirect(toolRedirectURI) != nil {
		return "", false
	}
	u, err := url.Parse(toolRedirectURI)
	if err != nil {
		return "", false
	}
	q := u.Query()
	q.Set("code", code)
	if toolState != "" {
		q.Set("state", toolState)
	}
	u.RawQuery = q.Encode()
	return u.String(), true
}

// StateManager creates and consumes the single-use OAuth state records that
// correlate an in-flight authorization with the tool's return address.
type StateManager struct {
	store core.Store
	ttl   time.Duration
}

// NewStateManager creates a state manager persisting records with StateTTL.
func NewStateManager(store core.Store) *StateManager {
	return &StateManager{
		store: store,
		ttl:   StateTTL,
	}
}

// Create validates the tool return address, persists a state record, and
// returns the opaque state identifier. If persistence fails the caller must
// not redirect the user to Strava: the callback could never be correlated.
func (m *StateManager) Create(ctx context.Context, toolRedirectURI, toolState, userID string) (string, error) {
	if toolRedirectURI != "" {
		if err := ValidateToolRedirect(toolRedirectURI); err != nil {
			return "", err
		}
	}

	state := NewSecret()
	record := &core.OAuthStateRecord{
		State:           state,
		ToolRedirectURI: toolRedirectURI,
		ToolState:       toolState,
		UserID:          userID,
		CreatedAt:       time.Now().Unix(),
	}
	if err := m.store.SaveState(ctx, record, m.ttl); err != nil {
		return "", fmt.Errorf("failed to persist oauth state: %w", err)
	}
	return state, nil
}

// Consume takes the state record out of the store. A second call with the
// same state returns core.ErrStateNotFound, as does an expired or unknown
// state; callers treat that as a stale link, not a server fault.
func (m *StateManager) Consume(ctx context.Context, state string) (*core.OAuthStateRecord, error) {
	return m.store.TakeState(ctx, state)
}

// NewSecret returns a high-entropy opaque identifier, URL-safe without padding.
func NewSecret() string {
	b := make([]byte, 24)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
