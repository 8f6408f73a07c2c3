package core

import (
	"context"
	"errors"
	"time"
)

// OAuthStateRecord correlates one in-flight authorization attempt with the
// tool's return address. It is single-use: created at authorize time and
// consumed (read+deleted) at callback time.
type OAuthStateRecord struct {
	State           string `json:"state"`
	ToolRedirectURI string `json:"tool_redirect_uri,omitempty"`
	ToolState       string `json:"tool_state,omitempty"`
	UserID          string `json:"user_id,omitempty"`
	CreatedAt       int64  `json:"created_at"`
}

// TokenRecord holds the Strava credential set for one athlete.
// UpdatedAt is stamped by the store layer on every save, never by callers.
type TokenRecord struct {
	AthleteID    int64  `json:"athlete_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"` // epoch seconds
	Scope        string `json:"scope,omitempty"`
	UpdatedAt    int64  `json:"updated_at,omitempty"` // epoch seconds
}

var (
	// ErrStateNotFound is returned when an OAuth state is unknown, expired,
	// or already consumed.
	ErrStateNotFound = errors.New("oauth state not found")
	// ErrTokensNotFound is returned when no token record exists for an athlete.
	ErrTokensNotFound = errors.New("tokens not found")
	// ErrCodeNotFound is returned when a one-time code is unknown, expired,
	// or already consumed.
	ErrCodeNotFound = errors.New("one-time code not found")
	// ErrIndexNotFound is returned when no athlete is linked to a user id.
	ErrIndexNotFound = errors.New("athlete index not found")
)

// Store defines the persistence contract shared by all components. Every
// inbound request is an independent invocation; the store is the only shared
// state, so the take and lock operations must be atomic per key.
type Store interface {
	SaveState(ctx context.Context, record *OAuthStateRecord, ttl time.Duration) error
	// TakeState reads and deletes the record as one logical operation.
	// Two concurrent callers must not both receive the same record.
	TakeState(ctx context.Context, state string) (*OAuthStateRecord, error)

	SaveTokens(ctx context.Context, record *TokenRecord, ttl time.Duration) error
	GetTokens(ctx context.Context, athleteID int64) (*TokenRecord, error)
	DeleteTokens(ctx context.Context, athleteID int64) error

	SaveCode(ctx context.Context, code string, athleteID int64, ttl time.Duration) error
	// TakeCode consumes a one-time code. At most one caller can succeed for
	// a given code.
	TakeCode(ctx context.Context, code string) (int64, error)

	SaveAthleteIndex(ctx context.Context, userID string, athleteID int64, ttl time.Duration) error
	GetAthleteIndex(ctx context.Context, userID string) (int64, error)

	// AcquireLock sets an advisory lock key if absent. It returns false when
	// another invocation already holds the lock.
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name string) error
}
