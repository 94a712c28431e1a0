package port

import (
	"context"
	"errors"
	"time"
)

// ErrLockNotHeld is returned by Release when the lock was no longer owned by
// the presented token. The orchestrator treats this as lock loss, which is
// fatal and alertable: another process may have run concurrently.
var ErrLockNotHeld = errors.New("lock not held by this token")

type StockCounter interface {
	// DecrementStock atomically decreases the available quantity for a SKU,
	// returns false if the remaining quantity is insufficient
	DecrementStock(ctx context.Context, stockID string, quantity int) (bool, error)

	// IncrementStock restores quantity (compensation on failure, cancellations)
	IncrementStock(ctx context.Context, stockID string, quantity int) error
}

type DistributedLock interface {
	// Acquire takes a TTL-bounded exclusive lock, returning an ownership token.
	// ok is false when another holder is present; the caller must not block or
	// retry internally
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)

	// Release frees the lock only if still owned by token; returns
	// ErrLockNotHeld otherwise
	Release(ctx context.Context, key, token string) error
}
