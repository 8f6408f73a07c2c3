// Package tokens owns the Strava token records: persistence through the
// store, and resolution of a currently-valid access token with proactive
// refresh near expiry.
package tokens

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/benamails/stravagptfaby/pkg/core"
	"github.com/benamails/stravagptfaby/pkg/strava"
)

// SafetyWindowSeconds is the margin before actual expiry at which an access
// token is refreshed. Chosen well above typical request latency so a token
// never expires mid-flight at Strava.
const SafetyWindowSeconds = 90

const (
	refreshLockTTL  = 30 * time.Second
	refreshWaitStep = 150 * time.Millisecond
	refreshWaitMax  = 2 * time.Second
)

// ErrRefreshContended is returned when another invocation holds the refresh
// lock and did not persist a fresh record within the wait budget. Racing a
// second refresh could burn a rotated refresh token, so waiters fail instead.
var ErrRefreshContended = errors.New("token refresh already in progress")

// Refresher is the slice of the Strava client the resolver needs.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*strava.TokenResponse, error)
}

// Manager is the token store and resolver. All mutation of token records
// goes through Save, which delegates stamping to the store layer.
type Manager struct {
	store  core.Store
	strava Refresher
	ttl    time.Duration
	now    func() time.Time
}

// NewManager creates a Manager persisting records with the given TTL.
func NewManager(store core.Store, client Refresher, recordTTL time.Duration) *Manager {
	return &Manager{
		store:  store,
		strava: client,
		ttl:    recordTTL,
		now:    time.Now,
	}
}

// FromTokenResponse maps a Strava token response to a TokenRecord. The
// athlete object is only present on the initial code exchange.
func FromTokenResponse(r *strava.TokenResponse) *core.TokenRecord {
	record := &core.TokenRecord{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    r.ExpiresAt,
		Scope:        r.Scope,
	}
	if r.Athlete != nil {
		record.AthleteID = r.Athlete.ID
	}
	return record
}

// Save upserts a token record.
func (m *Manager) Save(ctx context.Context, record *core.TokenRecord) error {
	return m.store.SaveTokens(ctx, record, m.ttl)
}

// Read returns the token record for an athlete, or core.ErrTokensNotFound.
func (m *Manager) Read(ctx context.Context, athleteID int64) (*core.TokenRecord, error) {
	return m.store.GetTokens(ctx, athleteID)
}

// Delete removes the token record for an athlete.
func (m *Manager) Delete(ctx context.Context, athleteID int64) error {
	return m.store.DeleteTokens(ctx, athleteID)
}

// ValidAccessToken resolves an access token usable right now. The common
// path is a single store read; only when the record is inside the safety
// window does it refresh against Strava and persist the result. A failed
// refresh is propagated unmodified: the caller must treat it as "the user
// has to re-authorize", never as transient.
func (m *Manager) ValidAccessToken(ctx context.Context, athleteID int64) (string, error) {
	record, err := m.store.GetTokens(ctx, athleteID)
	if err != nil {
		return "", err
	}
	if m.fresh(record) {
		return record.AccessToken, nil
	}
	return m.refreshLocked(ctx, athleteID, false)
}

// ForceRefresh refreshes regardless of the stored expiry, for callers that
// just saw Strava reject the current access token.
func (m *Manager) ForceRefresh(ctx context.Context, athleteID int64) (string, error) {
	if _, err := m.store.GetTokens(ctx, athleteID); err != nil {
		return "", err
	}
	return m.refreshLocked(ctx, athleteID, true)
}

func (m *Manager) fresh(record *core.TokenRecord) bool {
	return record.ExpiresAt-m.now().Unix() > SafetyWindowSeconds
}

// refreshLocked performs the refresh-and-save step under a per-athlete
// advisory lock so concurrent invocations refresh at most effectively once.
// Strava may rotate the refresh token on each use; a second concurrent
// refresh would either fail or silently overwrite a valid token set.
func (m *Manager) refreshLocked(ctx context.Context, athleteID int64, force bool) (string, error) {
	lockName := strconv.FormatInt(athleteID, 10)

	acquired, err := m.store.AcquireLock(ctx, lockName, refreshLockTTL)
	if err != nil {
		return "", err
	}
	if !acquired {
		return m.awaitRefresh(ctx, athleteID)
	}
	// Release even when the request context is already cancelled, otherwise
	// the lock blocks refreshes for the remainder of its TTL.
	defer m.store.ReleaseLock(context.WithoutCancel(ctx), lockName)

	// Re-read under the lock: another invocation may have refreshed between
	// our first read and the acquire.
	current, err := m.store.GetTokens(ctx, athleteID)
	if err != nil {
		return "", err
	}
	if !force && m.fresh(current) {
		return current.AccessToken, nil
	}

	logger := core.LoggerFromCtx(ctx)
	logger.Info("refreshing access token",
		"athlete_id", athleteID,
		"expires_at", current.ExpiresAt,
	)

	refreshed, err := m.strava.Refresh(ctx, current.RefreshToken)
	if err != nil {
		logger.Error("token refresh failed",
			"athlete_id", athleteID,
			"error", err,
			"refresh_token", core.Mask(current.RefreshToken),
		)
		return "", err
	}

	next := &core.TokenRecord{
		AthleteID:    athleteID,
		AccessToken:  refreshed.AccessToken,
		RefreshToken: refreshed.RefreshToken,
		ExpiresAt:    refreshed.ExpiresAt,
		Scope:        refreshed.Scope,
	}
	// Rotation is optional; keep what we have when the response omits it.
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}
	if next.Scope == "" {
		next.Scope = current.Scope
	}

	if err := m.store.SaveTokens(ctx, next, m.ttl); err != nil {
		return "", err
	}

	logger.Info("token refreshed", "athlete_id", athleteID, "expires_at", next.ExpiresAt)
	return next.AccessToken, nil
}

// awaitRefresh polls for the record the lock holder is about to persist.
func (m *Manager) awaitRefresh(ctx context.Context, athleteID int64) (string, error) {
	deadline := m.now().Add(refreshWaitMax)
	for m.now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(refreshWaitStep):
		}

		record, err := m.store.GetTokens(ctx, athleteID)
		if err != nil {
			return "", err
		}
		if m.fresh(record) {
			return record.AccessToken, nil
		}
	}
	return "", ErrRefreshContended
}
