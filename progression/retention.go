package progression

import (
	"context"
	"fmt"
	"time"
)

// LockRetention is the configured window; zero means disabled.
func (e *Engine) LockRetention() time.Duration { return e.retention }

// PurgeLocks deletes locks older than the retention window.
//
// A purged lock no longer blocks the fast path, so a retry after the window
// reaches the transaction log's own (user, source) index, which rejects it
// as a duplicate. Stores without that index would double-award; keep
// retention disabled for them.
func (e *Engine) PurgeLocks(ctx context.Context) (int, error) {
	if e.retention <= 0 {
		return 0, ErrLockRetentionDisabled
	}
	rs, ok := e.store.(RetentionStore)
	if !ok {
		return 0, fmt.Errorf("%w: store cannot purge locks", ErrLockRetentionDisabled)
	}
	cutoff := e.now().Add(-e.retention)
	n, err := rs.PurgeLocks(ctx, cutoff)
	if err != nil {
		return 0, storageErr("purge locks", err)
	}
	if n > 0 {
		e.log.Info("purged xp locks", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
