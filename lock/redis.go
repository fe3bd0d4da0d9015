// Package lock provides economy.Locker implementations that span processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/economy-engine/economy"
)

// =============================================================================
// REDIS LOCKER - SET NX PX with compare-and-delete release
// =============================================================================

// Defaults for Redis locks.
const (
	DefaultTTL        = 30 * time.Second
	DefaultMinBackoff = 5 * time.Millisecond
	DefaultMaxBackoff = 250 * time.Millisecond
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Redis serializes keys across every process sharing one Redis. TTL must
// exceed the longest critical section, economy.MaxGrantLockHold. A holder
// that outlives it loses the lock silently: the version check still stops a
// lost balance update, but nothing stops a second payment of the same grant.
type Redis struct {
	Client     redis.UniversalClient
	Prefix     string
	TTL        time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *zap.Logger
}

// NewRedis connects to addr and checks the connection.
func NewRedis(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DB:              db,
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("redis connected", zap.String("addr", addr))

	return &Redis{Client: client, Prefix: "economy:lock:", Logger: logger}, nil
}

// Lock polls SET NX until it wins or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.Prefix + key
	token := uuid.NewString()
	backoff := r.minBackoff()

	for {
		ok, err := r.Client.SetNX(ctx, redisKey, token, r.ttl()).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return r.unlocker(redisKey, token), nil
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if limit := r.maxBackoff(); backoff > limit {
			backoff = limit
		}
	}
}

func (r *Redis) unlocker(redisKey, token string) func() {
	var once sync.Once
	return func() { once.Do(func() { r.release(redisKey, token) }) }
}

func (r *Redis) release(redisKey, token string) {
	// Release must run even when the caller's context is already done.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := releaseScript.Run(ctx, r.Client, []string{redisKey}, token).Int()
	switch {
	case err != nil && !errors.Is(err, redis.Nil):
		r.logger().Warn("lock release failed", zap.String("key", redisKey), zap.Error(err))
	case err == nil && n == 0:
		r.logger().Warn("lock expired before release", zap.String("key", redisKey))
	}
}

// Close closes the Redis client.
func (r *Redis) Close() error { return r.Client.Close() }

func (r *Redis) ttl() time.Duration {
	if r.TTL <= 0 {
		return DefaultTTL
	}
	return r.TTL
}

func (r *Redis) minBackoff() time.Duration {
	if r.MinBackoff <= 0 {
		return DefaultMinBackoff
	}
	return r.MinBackoff
}

func (r *Redis) maxBackoff() time.Duration {
	if r.MaxBackoff <= 0 {
		return DefaultMaxBackoff
	}
	return r.MaxBackoff
}

func (r *Redis) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

var _ economy.Locker = (*Redis)(nil)
