package lock

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/stanstork/ocms-cron/internal/errs"
)

type postgresCoordinator struct {
	db     *sql.DB
	holder string
}

// NewPostgres returns a Coordinator backed by the shared job_locks table.
// Lease times come from the database clock, so instances with skewed clocks
// still agree on when a lock expires.
func NewPostgres(db *sql.DB, holder string) Coordinator {
	return &postgresCoordinator{db: db, holder: holder}
}

// The conflict branch only fires when the existing row has expired, so the
// insert-or-take-over is a single atomic statement. Holds are passed in
// milliseconds.
const acquireQuery = `
	INSERT INTO job_locks (name, locked_by, locked_at, lock_until, min_hold_until)
	VALUES ($1, $2, now(), now() + $3 * interval '1 millisecond', now() + $4 * interval '1 millisecond')
	ON CONFLICT (name) DO UPDATE
	SET locked_by = EXCLUDED.locked_by,
		locked_at = EXCLUDED.locked_at,
		lock_until = EXCLUDED.lock_until,
		min_hold_until = EXCLUDED.min_hold_until
	WHERE job_locks.lock_until <= EXCLUDED.locked_at
`

const releaseQuery = `
	UPDATE job_locks
	SET lock_until = GREATEST(min_hold_until, now())
	WHERE name = $1 AND locked_by = $2
`

func (c *postgresCoordinator) TryAcquire(ctx context.Context, name string, minHold, maxHold time.Duration) (bool, error) {
	if err := checkHold(name, minHold, maxHold); err != nil {
		return false, err
	}
	res, err := c.db.ExecContext(ctx, acquireQuery, name, c.holder, maxHold.Milliseconds(), minHold.Milliseconds())
	if err != nil {
		return false, errs.E(errs.KindTransientInfra, "lock.acquire", errors.Wrapf(err, "acquire %s", name))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n == 1, nil
}

func (c *postgresCoordinator) Release(ctx context.Context, name string) error {
	_, err := c.db.ExecContext(ctx, releaseQuery, name, c.holder)
	if err != nil {
		return errs.E(errs.KindTransientInfra, "lock.release", errors.Wrapf(err, "release %s", name))
	}
	return nil
}
