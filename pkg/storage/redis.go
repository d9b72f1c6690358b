// Package storage - Redis backend implementation
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisConfig represents Redis backend configuration.
type RedisConfig struct {
	Addr         string        `toml:"addr"`
	Password     string        `toml:"password"`
	DB           int           `toml:"db"`
	PoolSize     int           `toml:"poolSize"`
	DialTimeout  time.Duration `toml:"dialTimeout"`
	ReadTimeout  time.Duration `toml:"readTimeout"`
	WriteTimeout time.Duration `toml:"writeTimeout"`
	KeyPrefix    string        `toml:"keyPrefix"`
	MaxRetries   int           `toml:"maxRetries"`
}

// RedisBackend implements the Backend interface using Redis storage.
// Sliding windows are sorted sets scored by UnixNano; sessions, violation
// records and login attempts are JSON values with native TTLs.
type RedisBackend struct {
	client *redis.Client
	config RedisConfig
}

// NewRedisBackend creates a new Redis backend.
func NewRedisBackend(config RedisConfig) (*RedisBackend, error) {
	if config.PoolSize <= 0 {
		config.PoolSize = 10
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 3 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 3 * time.Second
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "siteguard:"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		MaxRetries:   config.MaxRetries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisBackend{client: client, config: config}, nil
}

// Redis key generation helpers
func (r *RedisBackend) windowKey(key string) string    { return r.config.KeyPrefix + "win:" + key }
func (r *RedisBackend) violationKey(key string) string { return r.config.KeyPrefix + "vio:" + key }
func (r *RedisBackend) sessionKey(token string) string { return r.config.KeyPrefix + "sess:" + token }
func (r *RedisBackend) attemptKey(key string) string   { return r.config.KeyPrefix + "login:" + key }

func (r *RedisBackend) readCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.config.ReadTimeout)
}

func (r *RedisBackend) writeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.config.WriteTimeout)
}

func (r *RedisBackend) RecordRequest(key string, window time.Duration) (int, error) {
	ctx, cancel := r.writeCtx()
	defer cancel()

	k := r.windowKey(key)
	now := time.Now()
	nowNano := now.UnixNano()
	minNano := now.Add(-window).UnixNano()

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(minNano, 10))
	pipe.ZAdd(ctx, k, &redis.Z{
		Score:  float64(nowNano),
		Member: nowNano,
	})
	card := pipe.ZCard(ctx, k)
	pipe.Expire(ctx, k, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to record request: %w", err)
	}
	return int(card.Val()), nil
}

func (r *RedisBackend) CountRequests(key string, window time.Duration) (int, error) {
	ctx, cancel := r.readCtx()
	defer cancel()

	minNano := time.Now().Add(-window).UnixNano()
	count, err := r.client.ZCount(ctx, r.windowKey(key), strconv.FormatInt(minNano, 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count requests: %w", err)
	}
	return int(count), nil
}

func (r *RedisBackend) IncrementViolation(key string, window time.Duration) (int, error) {
	ctx, cancel := r.writeCtx()
	defer cancel()

	k := r.violationKey(key)
	now := time.Now()

	var rec ViolationRecord
	raw, err := r.client.Get(ctx, k).Result()
	switch {
	case err == redis.Nil:
		rec = ViolationRecord{FirstSeenAt: now}
	case err != nil:
		return 0, fmt.Errorf("failed to read violation record: %w", err)
	default:
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			rec = ViolationRecord{FirstSeenAt: now}
		} else if now.Sub(rec.FirstSeenAt) > window {
			rec = ViolationRecord{FirstSeenAt: now}
		}
	}

	rec.Count++
	rec.LastSeenAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal violation record: %w", err)
	}
	if err := r.client.Set(ctx, k, data, window*2).Err(); err != nil {
		return 0, fmt.Errorf("failed to write violation record: %w", err)
	}
	return rec.Count, nil
}

func (r *RedisBackend) ClearViolations(key string) error {
	ctx, cancel := r.writeCtx()
	defer cancel()

	if err := r.client.Del(ctx, r.violationKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to clear violations: %w", err)
	}
	return nil
}

func (r *RedisBackend) PutSession(token string, s Session, ttl time.Duration) error {
	ctx, cancel := r.writeCtx()
	defer cancel()

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := r.client.Set(ctx, r.sessionKey(token), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (r *RedisBackend) GetSession(token string) (*Session, error) {
	ctx, cancel := r.readCtx()
	defer cancel()

	raw, err := r.client.Get(ctx, r.sessionKey(token)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("invalid session payload: %w", err)
	}
	if s.Expired(time.Now()) {
		// Redis TTL normally removes these before expiry is ever observed.
		r.DeleteSession(token)
		return nil, nil
	}
	return &s, nil
}

func (r *RedisBackend) DeleteSession(token string) error {
	ctx, cancel := r.writeCtx()
	defer cancel()

	if err := r.client.Del(ctx, r.sessionKey(token)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (r *RedisBackend) GetLoginAttempt(key string) (*LoginAttempt, error) {
	ctx, cancel := r.readCtx()
	defer cancel()

	raw, err := r.client.Get(ctx, r.attemptKey(key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read login attempt: %w", err)
	}

	var a LoginAttempt
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("invalid login attempt payload: %w", err)
	}
	return &a, nil
}

func (r *RedisBackend) PutLoginAttempt(key string, a LoginAttempt, ttl time.Duration) error {
	ctx, cancel := r.writeCtx()
	defer cancel()

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal login attempt: %w", err)
	}
	if err := r.client.Set(ctx, r.attemptKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store login attempt: %w", err)
	}
	return nil
}

func (r *RedisBackend) DeleteLoginAttempt(key string) error {
	ctx, cancel := r.writeCtx()
	defer cancel()

	if err := r.client.Del(ctx, r.attemptKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete login attempt: %w", err)
	}
	return nil
}

// Cleanup trims stale members from window sorted sets. Everything else
// carries a native Redis TTL and expires on its own.
func (r *RedisBackend) Cleanup(ctx context.Context) error {
	pattern := r.config.KeyPrefix + "win:*"
	cutoffNano := strconv.FormatInt(time.Now().Add(-time.Hour).UnixNano(), 10)

	var cursor uint64
	for {
		keys, nextCursor, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan window keys: %w", err)
		}

		if len(keys) > 0 {
			pipe := r.client.Pipeline()
			for _, key := range keys {
				pipe.ZRemRangeByScore(ctx, key, "-inf", cutoffNano)
			}
			pipe.Exec(ctx)
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return nil
}

func (r *RedisBackend) Stats() (BackendStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.ReadTimeout*2)
	defer cancel()

	stats := BackendStats{BackendType: "redis"}

	counts := map[string]*int{
		r.config.KeyPrefix + "win:*":   &stats.TrackedKeys,
		r.config.KeyPrefix + "sess:*":  &stats.ActiveSessions,
		r.config.KeyPrefix + "vio:*":   &stats.ViolationKeys,
		r.config.KeyPrefix + "login:*": &stats.LoginAttempters,
	}

	for pattern, target := range counts {
		var cursor uint64
		for {
			keys, nextCursor, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				break
			}
			*target += len(keys)
			cursor = nextCursor
			if cursor == 0 {
				break
			}
		}
	}

	return stats, nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
