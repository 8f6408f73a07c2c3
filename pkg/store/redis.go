package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/benamails/stravagptfaby/pkg/core"
	"github.com/redis/rueidis"
)

// RedisStore implements the core.Store interface using Redis via rueidis.
// Single-use reads rely on GETDEL and the advisory lock on SET NX, so the
// atomicity guarantees hold across concurrent stateless invocations.
type RedisStore struct {
	client rueidis.Client
}

// NewRedisStore creates a new instance of RedisStore with the provided rueidis client.
func NewRedisStore(client rueidis.Client) *RedisStore {
	return &RedisStore{
		client: client,
	}
}

// RedisOptions contains configuration for Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStoreFromOptions creates a new RedisStore with simplified options.
func NewRedisStoreFromOptions(opts RedisOptions) (*RedisStore, error) {
	clientOpts := rueidis.ClientOption{
		InitAddress: []string{opts.Addr},
		Password:    opts.Password,
		SelectDB:    opts.DB,
	}
	client, err := rueidis.NewClient(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}
	return NewRedisStore(client), nil
}

// NewRedisStoreFromClientOption creates a new RedisStore with full rueidis client options.
func NewRedisStoreFromClientOption(opts rueidis.ClientOption) (*RedisStore, error) {
	client, err := rueidis.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}
	return NewRedisStore(client), nil
}

// Close closes the Redis client connection.
func (r *RedisStore) Close() {
	r.client.Close()
}

// Ping checks the Redis connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	cmd := r.client.B().Ping().Build()
	return r.client.Do(ctx, cmd).Error()
}

func (r *RedisStore) setString(ctx context.Context, key, value string, ttl time.Duration) error {
	var cmd rueidis.Completed
	if ttl > 0 {
		cmd = r.client.B().Set().Key(key).Value(value).ExSeconds(int64(ttl.Seconds())).Build()
	} else {
		cmd = r.client.B().Set().Key(key).Value(value).Build()
	}
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to set %s in redis: %w", key, err)
	}
	return nil
}

// takeString runs GETDEL so read and delete are one Redis command; two
// concurrent takers cannot both observe the value.
func (r *RedisStore) takeString(ctx context.Context, key string) (string, bool, error) {
	cmd := r.client.B().Getdel().Key(key).Build()
	value, err := r.client.Do(ctx, cmd).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to take %s from redis: %w", key, err)
	}
	return value, true, nil
}

// SaveState stores an OAuth state record with the given TTL.
func (r *RedisStore) SaveState(ctx context.Context, record *core.OAuthStateRecord, ttl time.Duration) error {
	if record == nil {
		return ErrNilRecord
	}
	if record.State == "" {
		return ErrEmptyState
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal state record: %w", err)
	}
	return r.setString(ctx, stateKey(record.State), string(data), ttl)
}

// TakeState consumes an OAuth state record.
// It returns core.ErrStateNotFound if the state is unknown or expired.
func (r *RedisStore) TakeState(ctx context.Context, state string) (*core.OAuthStateRecord, error) {
	if state == "" {
		return nil, ErrEmptyState
	}

	data, ok, err := r.takeString(ctx, stateKey(state))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.ErrStateNotFound
	}

	var record core.OAuthStateRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state record: %w", err)
	}
	return &record, nil
}

// SaveTokens upserts a token record, stamping UpdatedAt.
func (r *RedisStore) SaveTokens(ctx context.Context, record *core.TokenRecord, ttl time.Duration) error {
	if record == nil {
		return ErrNilRecord
	}
	if record.AthleteID <= 0 {
		return ErrInvalidAthleteID
	}

	cp := *record
	cp.UpdatedAt = time.Now().Unix()
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("failed to marshal token record: %w", err)
	}
	return r.setString(ctx, tokensKey(record.AthleteID), string(data), ttl)
}

// GetTokens retrieves the token record for an athlete.
// It returns core.ErrTokensNotFound if no record exists. Reads are never
// cached client-side: a concurrent invocation may have refreshed the record.
func (r *RedisStore) GetTokens(ctx context.Context, athleteID int64) (*core.TokenRecord, error) {
	if athleteID <= 0 {
		return nil, ErrInvalidAthleteID
	}

	cmd := r.client.B().Get().Key(tokensKey(athleteID)).Build()
	data, err := r.client.Do(ctx, cmd).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, core.ErrTokensNotFound
		}
		return nil, fmt.Errorf("failed to get tokens from redis: %w", err)
	}

	var record core.TokenRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token record: %w", err)
	}
	return &record, nil
}

// DeleteTokens removes the token record for an athlete.
func (r *RedisStore) DeleteTokens(ctx context.Context, athleteID int64) error {
	if athleteID <= 0 {
		return ErrInvalidAthleteID
	}

	cmd := r.client.B().Del().Key(tokensKey(athleteID)).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to delete tokens from redis: %w", err)
	}
	return nil
}

// SaveCode stores a one-time code bound to an athlete with the given TTL.
func (r *RedisStore) SaveCode(ctx context.Context, code string, athleteID int64, ttl time.Duration) error {
	if code == "" {
		return ErrEmptyCode
	}
	if athleteID <= 0 {
		return ErrInvalidAthleteID
	}
	return r.setString(ctx, codeKey(code), strconv.FormatInt(athleteID, 10), ttl)
}

// TakeCode consumes a one-time code and returns the bound athlete id.
// It returns core.ErrCodeNotFound if the code is unknown, expired, or
// already consumed.
func (r *RedisStore) TakeCode(ctx context.Context, code string) (int64, error) {
	if code == "" {
		return 0, ErrEmptyCode
	}

	value, ok, err := r.takeString(ctx, codeKey(code))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, core.ErrCodeNotFound
	}

	athleteID, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt one-time code value %q: %w", value, err)
	}
	return athleteID, nil
}

// SaveAthleteIndex links an external user id to an athlete id.
func (r *RedisStore) SaveAthleteIndex(ctx context.Context, userID string, athleteID int64, ttl time.Duration) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	if athleteID <= 0 {
		return ErrInvalidAthleteID
	}
	return r.setString(ctx, indexKey(userID), strconv.FormatInt(athleteID, 10), ttl)
}

// GetAthleteIndex resolves the athlete id linked to a user id.
// It returns core.ErrIndexNotFound if no link exists.
func (r *RedisStore) GetAthleteIndex(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrEmptyUserID
	}

	cmd := r.client.B().Get().Key(indexKey(userID)).Build()
	value, err := r.client.Do(ctx, cmd).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return 0, core.ErrIndexNotFound
		}
		return 0, fmt.Errorf("failed to get athlete index from redis: %w", err)
	}

	athleteID, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt athlete index value %q: %w", value, err)
	}
	return athleteID, nil
}

// AcquireLock sets an advisory lock via SET NX EX. Returns false when
// another invocation holds the lock.
func (r *RedisStore) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if name == "" {
		return false, ErrEmptyLockName
	}

	seconds := int64(ttl.Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	cmd := r.client.B().Set().Key(lockKey(name)).Value("1").Nx().ExSeconds(seconds).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			// SET NX returns nil when the key already exists
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lock in redis: %w", err)
	}
	return true, nil
}

// ReleaseLock drops an advisory lock.
func (r *RedisStore) ReleaseLock(ctx context.Context, name string) error {
	if name == "" {
		return ErrEmptyLockName
	}

	cmd := r.client.B().Del().Key(lockKey(name)).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to release lock in redis: %w", err)
	}
	return nil
}
