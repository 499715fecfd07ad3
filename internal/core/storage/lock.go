package storage

import (
	"context"
	"errors"
	"time"
)

// ErrLocked is returned when another worker holds the chain lock.
var ErrLocked = errors.New("chain is locked by another worker")

// Unlock releases a lock obtained from a ChainLocker.
type Unlock func(ctx context.Context) error

// ChainLocker gives one worker at a time ownership of a chain across processes.
// Within a process the pipeline's partition sharding already does this.
type ChainLocker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (Unlock, error)
}

// NoopLocker always grants the lock. Used by single-instance deployments.
type NoopLocker struct{}

func (NoopLocker) Lock(context.Context, string, time.Duration) (Unlock, error) {
	return func(context.Context) error { return nil }, nil
}
