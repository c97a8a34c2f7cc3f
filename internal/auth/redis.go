package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisSessionPrefix  = "gatekit:session:"
	redisUserSetPrefix  = "gatekit:user_sessions:"
	redisUserSetPadding = time.Hour
)

// redisSessionRecord is the serialized key-value form of a session.
type redisSessionRecord struct {
	UserID         string            `json:"user_id"`
	UserData       map[string]string `json:"user_data"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	Active         bool              `json:"active"`
}

// RedisSessionStore externalizes sessions to Redis for horizontal scaling.
// Every record carries a store-native TTL equal to the idle timeout as a
// backstop, so abandoned sessions disappear even without a sweep. Calls are
// I/O-bound; callers pass a context with a deadline so a slow store cannot
// stall request handling.
type RedisSessionStore struct {
	client   redis.UniversalClient
	timeout  time.Duration
	now      func() time.Time
	randRead func([]byte) (int, error)
}

// RedisSessionOption configures RedisSessionStore behavior.
type RedisSessionOption func(*RedisSessionStore)

// WithRedisClock overrides the time source (useful for tests).
func WithRedisClock(fn func() time.Time) RedisSessionOption {
	return func(s *RedisSessionStore) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewRedisSessionStore constructs a store over an existing client.
func NewRedisSessionStore(client redis.UniversalClient, timeout time.Duration, opts ...RedisSessionOption) (*RedisSessionStore, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is required", ErrInvalidInput)
	}
	if timeout <= 0 {
		return nil, ErrInvalidInput
	}
	s := &RedisSessionStore{client: client, timeout: timeout, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RedisSessionStore) Create(ctx context.Context, userID string, userData map[string]string) (string, error) {
	if userID == "" {
		return "", ErrInvalidInput
	}
	id, err := newSessionID(s.randRead)
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	rec := redisSessionRecord{
		UserID:         userID,
		UserData:       userData,
		CreatedAt:      now,
		LastActivityAt: now,
		Active:         true,
	}
	if err := s.write(ctx, id, rec); err != nil {
		return "", err
	}
	// The user set outlives individual records slightly; stale members are
	// filtered out on read.
	if err := s.client.SAdd(ctx, redisUserSetPrefix+userID, id).Err(); err != nil {
		return "", storageErr(err)
	}
	if err := s.client.Expire(ctx, redisUserSetPrefix+userID, s.timeout+redisUserSetPadding).Err(); err != nil {
		return "", storageErr(err)
	}
	return id, nil
}

func (s *RedisSessionStore) Validate(ctx context.Context, sessionID string) (SessionView, error) {
	rec, err := s.read(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	if !rec.Active {
		return SessionView{}, ErrInactive
	}
	now := s.now().UTC()
	if now.Sub(rec.LastActivityAt) >= s.timeout {
		_ = s.remove(ctx, sessionID, rec.UserID)
		return SessionView{}, ErrExpired
	}
	rec.LastActivityAt = now
	if err := s.write(ctx, sessionID, rec); err != nil {
		return SessionView{}, err
	}
	return rec.view(sessionID), nil
}

func (s *RedisSessionStore) Update(ctx context.Context, sessionID string, userData map[string]string) (bool, error) {
	rec, err := s.read(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !rec.Active {
		return false, nil
	}
	if rec.UserData == nil {
		rec.UserData = make(map[string]string, len(userData))
	}
	for k, v := range userData {
		rec.UserData[k] = v
	}
	rec.LastActivityAt = s.now().UTC()
	if err := s.write(ctx, sessionID, rec); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisSessionStore) Destroy(ctx context.Context, sessionID string) (bool, error) {
	rec, err := s.read(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := s.remove(ctx, sessionID, rec.UserID); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisSessionStore) ListActive(ctx context.Context, userID string) ([]SessionView, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	ids, err := s.client.SMembers(ctx, redisUserSetPrefix+userID).Result()
	if err != nil {
		return nil, storageErr(err)
	}
	now := s.now().UTC()
	var out []SessionView
	for _, id := range ids {
		rec, err := s.read(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				_ = s.client.SRem(ctx, redisUserSetPrefix+userID, id).Err()
				continue
			}
			return nil, err
		}
		if !rec.Active || now.Sub(rec.LastActivityAt) >= s.timeout {
			continue
		}
		out = append(out, rec.view(id))
	}
	return out, nil
}

func (s *RedisSessionStore) read(ctx context.Context, sessionID string) (redisSessionRecord, error) {
	raw, err := s.client.Get(ctx, redisSessionPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return redisSessionRecord{}, ErrNotFound
		}
		return redisSessionRecord{}, storageErr(err)
	}
	var rec redisSessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return redisSessionRecord{}, storageErr(err)
	}
	return rec, nil
}

func (s *RedisSessionStore) write(ctx context.Context, sessionID string, rec redisSessionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return storageErr(err)
	}
	if err := s.client.Set(ctx, redisSessionPrefix+sessionID, raw, s.timeout).Err(); err != nil {
		return storageErr(err)
	}
	return nil
}

func (s *RedisSessionStore) remove(ctx context.Context, sessionID, userID string) error {
	if err := s.client.Del(ctx, redisSessionPrefix+sessionID).Err(); err != nil {
		return storageErr(err)
	}
	if userID != "" {
		if err := s.client.SRem(ctx, redisUserSetPrefix+userID, sessionID).Err(); err != nil {
			return storageErr(err)
		}
	}
	return nil
}

func (r redisSessionRecord) view(id string) SessionView {
	data := make(map[string]string, len(r.UserData))
	for k, v := range r.UserData {
		data[k] = v
	}
	return SessionView{
		ID:             id,
		UserID:         r.UserID,
		UserData:       data,
		CreatedAt:      r.CreatedAt,
		LastActivityAt: r.LastActivityAt,
	}
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

var _ SessionStore = (*RedisSessionStore)(nil)
