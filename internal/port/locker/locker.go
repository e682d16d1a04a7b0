// Package locker defines the per-project exclusion port.
package locker

import (
	"context"
	"errors"
)

// ErrNotHeld is returned when releasing a lock that expired or was taken
// over.
var ErrNotHeld = errors.New("locker: lock not held")

// Locker hands out exclusive tokens per key. Acquire blocks until the token
// is free or ctx is done. The returned release function is safe to call
// more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
