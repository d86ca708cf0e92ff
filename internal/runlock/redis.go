// Package runlock serializes reminder runs across replicas with Redis.
package runlock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"kinect/shared/reminders"
)

// Config holds Redis connection settings.
type Config struct {
	Address  string `yaml:"address" env:"ADDRESS"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

// NewClient returns a client for cfg, or nil when no address is set.
func NewClient(cfg Config) *redis.Client {
	if cfg.Address == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
}

// releaseScript deletes the key only if it still holds our token, so a run
// that outlived its TTL cannot drop a lock taken by the next run.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLock implements reminders.RunLock with SET NX PX.
type RedisLock struct {
	client redis.UniversalClient
	logger zerolog.Logger
}

// New creates a Redis-backed run lock.
func New(client redis.UniversalClient, logger zerolog.Logger) *RedisLock {
	return &RedisLock{
		client: client,
		logger: logger.With().Str("component", "runlock").Logger(),
	}
}

// Acquire takes the lock for ttl or returns reminders.ErrRunInProgress.
func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: acquire run lock: %w", reminders.ErrDataAccess, err)
	}
	if !ok {
		return nil, reminders.ErrRunInProgress
	}

	l.logger.Debug().Str("key", key).Str("token", token).Dur("ttl", ttl).Msg("run lock acquired")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
		switch {
		case err != nil:
			l.logger.Warn().Err(err).Str("key", key).Msg("failed to release run lock")
		case n == 0:
			l.logger.Warn().Str("key", key).Msg("run lock expired before release")
		}
	}, nil
}

// Ping checks the Redis connection.
func (l *RedisLock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
