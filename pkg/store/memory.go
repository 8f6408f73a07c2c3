package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/benamails/stravagptfaby/pkg/core"
)

var (
	// ErrNilRecord is returned when attempting to save a nil record.
	ErrNilRecord = errors.New("record cannot be nil")
	// ErrEmptyState is returned when the state string is empty.
	ErrEmptyState = errors.New("state cannot be empty")
	// ErrEmptyCode is returned when the one-time code string is empty.
	ErrEmptyCode = errors.New("code cannot be empty")
	// ErrEmptyUserID is returned when the user id string is empty.
	ErrEmptyUserID = errors.New("user id cannot be empty")
	// ErrInvalidAthleteID is returned when the athlete id is not positive.
	ErrInvalidAthleteID = errors.New("athlete id must be positive")
	// ErrEmptyLockName is returned when the lock name is empty.
	ErrEmptyLockName = errors.New("lock name cannot be empty")
)

type memoryItem struct {
	value     any
	expiresAt time.Time // zero means no expiry
}

func (it memoryItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// MemoryStore implements the core.Store interface using an in-memory map.
// It provides thread-safe storage with lazy TTL expiry. Intended for local
// development and tests; production deployments use the Redis store.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
}

// NewMemoryStore creates a new instance of MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]memoryItem),
	}
}

func (m *MemoryStore) set(key string, value any, ttl time.Duration) {
	it := memoryItem{value: value}
	if ttl > 0 {
		it.expiresAt = time.Now().Add(ttl)
	}
	m.items[key] = it
}

func (m *MemoryStore) get(key string) (any, bool) {
	it, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if it.expired(time.Now()) {
		delete(m.items, key)
		return nil, false
	}
	return it.value, true
}

// take removes and returns the value under key. The single lock makes the
// read and delete one atomic step, so a second concurrent take misses.
func (m *MemoryStore) take(key string) (any, bool) {
	v, ok := m.get(key)
	if !ok {
		return nil, false
	}
	delete(m.items, key)
	return v, true
}

// SaveState stores an OAuth state record with the given TTL.
func (m *MemoryStore) SaveState(ctx context.Context, record *core.OAuthStateRecord, ttl time.Duration) error {
	if record == nil {
		return ErrNilRecord
	}
	if record.State == "" {
		return ErrEmptyState
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *record
	m.set(stateKey(record.State), &cp, ttl)
	return nil
}

// TakeState consumes an OAuth state record.
// It returns core.ErrStateNotFound if the state is unknown or expired.
func (m *MemoryStore) TakeState(ctx context.Context, state string) (*core.OAuthStateRecord, error) {
	if state == "" {
		return nil, ErrEmptyState
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.take(stateKey(state))
	if !ok {
		return nil, core.ErrStateNotFound
	}
	record := v.(*core.OAuthStateRecord)
	cp := *record
	return &cp, nil
}

// SaveTokens upserts a token record, stamping UpdatedAt.
func (m *MemoryStore) SaveTokens(ctx context.Context, record *core.TokenRecord, ttl time.Duration) error {
	if record == nil {
		return ErrNilRecord
	}
	if record.AthleteID <= 0 {
		return ErrInvalidAthleteID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *record
	cp.UpdatedAt = time.Now().Unix()
	m.set(tokensKey(record.AthleteID), &cp, ttl)
	return nil
}

// GetTokens retrieves the token record for an athlete.
// It returns core.ErrTokensNotFound if no record exists.
func (m *MemoryStore) GetTokens(ctx context.Context, athleteID int64) (*core.TokenRecord, error) {
	if athleteID <= 0 {
		return nil, ErrInvalidAthleteID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.get(tokensKey(athleteID))
	if !ok {
		return nil, core.ErrTokensNotFound
	}
	record := v.(*core.TokenRecord)
	cp := *record
	return &cp, nil
}

// DeleteTokens removes the token record for an athlete.
func (m *MemoryStore) DeleteTokens(ctx context.Context, athleteID int64) error {
	if athleteID <= 0 {
		return ErrInvalidAthleteID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.items, tokensKey(athleteID))
	return nil
}

// SaveCode stores a one-time code bound to an athlete with the given TTL.
func (m *MemoryStore) SaveCode(ctx context.Context, code string, athleteID int64, ttl time.Duration) error {
	if code == "" {
		return ErrEmptyCode
	}
	if athleteID <= 0 {
		return ErrInvalidAthleteID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.set(codeKey(code), athleteID, ttl)
	return nil
}

// TakeCode consumes a one-time code and returns the bound athlete id.
// It returns core.ErrCodeNotFound if the code is unknown, expired, or
// already consumed.
func (m *MemoryStore) TakeCode(ctx context.Context, code string) (int64, error) {
	if code == "" {
		return 0, ErrEmptyCode
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.take(codeKey(code))
	if !ok {
		return 0, core.ErrCodeNotFound
	}
	return v.(int64), nil
}

// SaveAthleteIndex links an external user id to an athlete id.
func (m *MemoryStore) SaveAthleteIndex(ctx context.Context, userID string, athleteID int64, ttl time.Duration) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	if athleteID <= 0 {
		return ErrInvalidAthleteID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.set(indexKey(userID), athleteID, ttl)
	return nil
}

// GetAthleteIndex resolves the athlete id linked to a user id.
// It returns core.ErrIndexNotFound if no link exists.
func (m *MemoryStore) GetAthleteIndex(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrEmptyUserID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.get(indexKey(userID))
	if !ok {
		return 0, core.ErrIndexNotFound
	}
	return v.(int64), nil
}

// AcquireLock sets an advisory lock if absent. Returns false when another
// holder owns a non-expired lock.
func (m *MemoryStore) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if name == "" {
		return false, ErrEmptyLockName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.get(lockKey(name)); held {
		return false, nil
	}
	m.set(lockKey(name), struct{}{}, ttl)
	return true, nil
}

// ReleaseLock drops an advisory lock.
func (m *MemoryStore) ReleaseLock(ctx context.Context, name string) error {
	if name == "" {
		return ErrEmptyLockName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.items, lockKey(name))
	return nil
}

// Key prefixes shared by both backends. Keeping the namespaces separate
// avoids collisions and allows targeted purges.
const (
	statePrefix  = "state:"
	tokensPrefix = "tokens:"
	codePrefix   = "otc:"
	indexPrefix  = "athleteIndex:"
	lockPrefix   = "refreshLock:"
)

func stateKey(state string) string { return statePrefix + state }

func tokensKey(athleteID int64) string { return tokensPrefix + strconv.FormatInt(athleteID, 10) }

func codeKey(code string) string { return codePrefix + code }

func indexKey(userID string) string { return indexPrefix + userID }

func lockKey(name string) string { return lockPrefix + name }
