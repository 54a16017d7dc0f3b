package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"lokvaani/internal/codec"
	"lokvaani/internal/domain"
)

// DefaultRedisPrefix namespaces every key the store writes.
const DefaultRedisPrefix = "lokvaani:"

// Each session is a hash {data, version}; the key's PTTL is the session TTL.
var (
	setScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if ARGV[1] == '0' then
  if cur then return -1 end
else
  if not cur then return -2 end
  if cur ~= ARGV[1] then return -1 end
end
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'version', ARGV[3])
local ttl = tonumber(ARGV[4])
if redis.call('PTTL', KEYS[1]) < ttl then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

	touchScript = redis.NewScript(`
local pttl = redis.call('PTTL', KEYS[1])
if pttl == -2 then return -2 end
local ttl = tonumber(ARGV[1])
if pttl ~= -1 and pttl < ttl then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

	acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and cur ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

	releaseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return 1 end
if cur ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
return 1
`)
)

// RedisStore keeps sessions in Redis. Expiry is enforced by the server.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps client. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("repository: redis client must not be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (r *RedisStore) sessionKey(id string) string { return r.prefix + "session:" + id }
func (r *RedisStore) leaseKey(id string) string   { return r.prefix + "lease:" + id }

func (r *RedisStore) Get(ctx context.Context, sessionID string) (domain.Session, error) {
	vals, err := r.client.HMGet(ctx, r.sessionKey(sessionID), "data", "version").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Session{}, ErrNotFound
		}
		return domain.Session{}, fmt.Errorf("repository: redis Get: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return domain.Session{}, ErrNotFound
	}
	data, ok := vals[0].(string)
	if !ok {
		return domain.Session{}, fmt.Errorf("repository: redis Get: unexpected data type %T", vals[0])
	}
	verStr, _ := vals[1].(string)
	version, err := strconv.ParseInt(verStr, 10, 64)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: redis Get: parse version: %w", err)
	}

	var s domain.Session
	if err := codec.Unmarshal([]byte(data), &s); err != nil {
		return domain.Session{}, fmt.Errorf("repository: redis Get decode: %w", err)
	}
	s.Version = version
	return s, nil
}

func (r *RedisStore) Set(ctx context.Context, s domain.Session, ttl time.Duration) (domain.Session, error) {
	if s.ID == "" {
		return domain.Session{}, errors.New("repository: redis Set: session id is required")
	}
	next := s.Clone()
	next.Version = s.Version + 1
	data, err := codec.Marshal(next)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: redis Set encode: %w", err)
	}

	res, err := setScript.Run(ctx, r.client, []string{r.sessionKey(s.ID)},
		s.Version, data, next.Version, ttl.Milliseconds()).Int()
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: redis Set: %w", err)
	}
	switch res {
	case -1:
		return domain.Session{}, ErrVersionConflict
	case -2:
		return domain.Session{}, ErrNotFound
	}
	return next, nil
}

func (r *RedisStore) Touch(ctx context.Context, sessionID string, ttl time.Duration) error {
	res, err := touchScript.Run(ctx, r.client, []string{r.sessionKey(sessionID)}, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("repository: redis Touch: %w", err)
	}
	if res == -2 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.sessionKey(sessionID), r.leaseKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("repository: redis Delete: %w", err)
	}
	return nil
}

func (r *RedisStore) AcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) error {
	ok, err := acquireScript.Run(ctx, r.client, []string{r.leaseKey(sessionID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("repository: redis AcquireLease: %w", err)
	}
	if ok == 0 {
		return ErrLeaseHeld
	}
	return nil
}

func (r *RedisStore) ReleaseLease(ctx context.Context, sessionID, owner string) error {
	ok, err := releaseScript.Run(ctx, r.client, []string{r.leaseKey(sessionID)}, owner).Int()
	if err != nil {
		return fmt.Errorf("repository: redis ReleaseLease: %w", err)
	}
	if ok == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// Ping reports whether the server is reachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
