// Package lock serializes assembly runs that target the same output image.
// The assembler never supports two concurrent runs writing one artifact, so
// callers take a per-image-name lock around the whole build.
package lock

import (
	"context"
)

// Locker provides locking for concurrent builds keyed by image name.
// AcquireLock blocks until the lock is acquired or the context is cancelled.
type Locker interface {
	AcquireLock(ctx context.Context, name string) (Lock, error)
}

// Lock represents an acquired lock that must be released
type Lock interface {
	Release() error
}
