package ports

import (
	"context"
	"time"
)

// UnlockFunc releases a distributed lock.
type UnlockFunc func(ctx context.Context) error

// DistributedLocker coordinates work on a shared key across several workbench
// processes pointed at the same backend (e.g. kernel session creation for a notebook).
type DistributedLocker interface {
	// Lock blocks until the lock for key is held or ctx is done.
	// The returned UnlockFunc MUST be called to release it; ttl bounds an abandoned lock.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}
