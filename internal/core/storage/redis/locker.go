// Package redis provides a chain lock shared by every pipeline instance.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aevon-lab/aevon-meter/internal/core/storage"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "aevon:chain-lock:"

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Options configures the client behind a Locker.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Locker implements storage.ChainLocker with SET NX and a token-checked release.
type Locker struct {
	client redis.UniversalClient
	script *redis.Script
}

// NewClient opens a client with the given options. It does not ping.
func NewClient(opts Options) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// NewLocker wraps an existing client.
func NewLocker(client redis.UniversalClient) *Locker {
	return &Locker{
		client: client,
		script: redis.NewScript(releaseScript),
	}
}

// Lock acquires the chain lock for ttl. Returns storage.ErrLocked when
// another worker holds it.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (storage.Unlock, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("lock client not configured")
	}
	if key == "" {
		return nil, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}

	redisKey := keyPrefix + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire chain lock %s: %w", key, err)
	}
	if !ok {
		return nil, storage.ErrLocked
	}

	return func(ctx context.Context) error {
		if err := l.script.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
			slog.Warn("[RedisLocker] Release failed, lock expires with its ttl",
				"chain", key,
				"error", err)
			return fmt.Errorf("release chain lock %s: %w", key, err)
		}
		return nil
	}, nil
}

var _ storage.ChainLocker = (*Locker)(nil)
