package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// AcquireLock takes the lease named key for owner. An expired lease held by
// someone else is taken over; a live one is not.
func (e *engine) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := e.now()
	n, err := e.db.exec(ctx,
		`INSERT INTO job_locks (lock_key, owner, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (lock_key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		 WHERE job_locks.expires_at < $4 OR job_locks.owner = $2`,
		key, owner, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "store: acquire lock %s", key)
	}
	return n == 1, nil
}

// ReleaseLock drops the lease if owner still holds it.
func (e *engine) ReleaseLock(ctx context.Context, key, owner string) error {
	_, err := e.db.exec(ctx, `DELETE FROM job_locks WHERE lock_key = $1 AND owner = $2`, key, owner)
	return eris.Wrapf(err, "store: release lock %s", key)
}
