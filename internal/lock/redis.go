package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisPrefix = "shipforge:lock:"
	DefaultRedisTTL    = 10 * time.Minute
)

// release and refresh only touch the key while it still holds our token.
var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

	refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`)
)

// RedisLocker shares locks between machines through Redis. Locks expire after
// TTL unless refreshed; a held lock refreshes itself every TTL/3 until
// released.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLocker creates a locker. Empty prefix and zero ttl use the defaults.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

type redisValue struct {
	Token string `json:"token"`
	Info
}

type redisLock struct {
	key      string
	redisKey string
	value    string
	locker   *RedisLocker
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// Acquire sets the key with SET NX and a TTL.
func (r *RedisLocker) Acquire(ctx context.Context, key string, info Info) (Lock, error) {
	info.Key = key
	data, err := json.Marshal(redisValue{Token: uuid.NewString(), Info: info})
	if err != nil {
		return nil, fmt.Errorf("encode lock: %w", err)
	}
	redisKey := r.prefix + key

	ok, err := r.client.SetNX(ctx, redisKey, string(data), r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis acquire %s: %w", key, err)
	}
	if !ok {
		holder, err := r.Inspect(ctx, key)
		if err != nil {
			return nil, &HeldError{Key: key}
		}
		return nil, &HeldError{Key: key, Info: holder}
	}

	l := &redisLock{
		key:      key,
		redisKey: redisKey,
		value:    string(data),
		locker:   r,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go l.refresh()
	return l, nil
}

// Inspect returns the current holder of key.
func (r *RedisLocker) Inspect(ctx context.Context, key string) (*Info, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotLocked
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	var v redisValue
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("parse lock: %w", err)
	}
	return &v.Info, nil
}

// ForceRelease deletes the key regardless of its owner.
func (r *RedisLocker) ForceRelease(ctx context.Context, key string) error {
	n, err := r.client.Del(ctx, r.prefix+key).Result()
	if err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotLocked
	}
	return nil
}

func (l *redisLock) Key() string { return l.key }

// Release stops the refresher and deletes the key if we still own it.
func (l *redisLock) Release(ctx context.Context) error {
	l.once.Do(func() { close(l.stop) })
	<-l.done
	if err := releaseScript.Run(ctx, l.locker.client, []string{l.redisKey}, l.value).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", l.key, err)
	}
	return nil
}

func (l *redisLock) refresh() {
	defer close(l.done)
	ticker := time.NewTicker(l.locker.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			n, err := refreshScript.Run(context.Background(), l.locker.client,
				[]string{l.redisKey}, l.value, l.locker.ttl.Milliseconds()).Int()
			if err != nil {
				slog.Warn("lock refresh failed", "key", l.key, "error", err)
				continue
			}
			if n == 0 {
				slog.Warn("lock lost", "key", l.key)
				return
			}
		}
	}
}
