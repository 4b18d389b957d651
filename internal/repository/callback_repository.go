package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/stanstork/ocms-cron/internal/models"
)

// CallbackRepository persists the correlation table behind callback.Registry.
type CallbackRepository interface {
	Insert(ctx context.Context, cb models.PendingCallback) (bool, error)
	Resolve(ctx context.Context, requestID, token, ownerID string, now time.Time) (bool, error)
	Finish(ctx context.Context, requestID string, status models.CallbackStatus, token string, now time.Time) error
	ClaimResolved(ctx context.Context, ownerID string) ([]models.PendingCallback, error)
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

type callbackRepository struct {
	db *sql.DB
}

func NewCallbackRepository(db *sql.DB) CallbackRepository {
	return &callbackRepository{db: db}
}

// Insert returns false when request_id already exists.
func (r *callbackRepository) Insert(ctx context.Context, cb models.PendingCallback) (bool, error) {
	const query = `
		INSERT INTO pending_callbacks (request_id, job_name, owner_id, status, registered_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (request_id) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query, cb.RequestID, cb.JobName, cb.OwnerID, models.CallbackPending, cb.RegisteredAt, cb.ExpiresAt)
	if err != nil {
		return false, errors.Wrapf(err, "insert pending callback %s", cb.RequestID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Resolve records a token for a live entry owned by another instance. The
// owner picks it up on its next sweep.
func (r *callbackRepository) Resolve(ctx context.Context, requestID, token, ownerID string, now time.Time) (bool, error) {
	const query = `
		UPDATE pending_callbacks
		SET status = $2, token = $3, resolved_at = $5
		WHERE request_id = $1 AND status = 'PENDING' AND owner_id <> $4 AND expires_at > $5
	`
	res, err := r.db.ExecContext(ctx, query, requestID, models.CallbackResolved, token, ownerID, now)
	if err != nil {
		return false, errors.Wrapf(err, "resolve pending callback %s", requestID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *callbackRepository) Finish(ctx context.Context, requestID string, status models.CallbackStatus, token string, now time.Time) error {
	const query = `
		UPDATE pending_callbacks
		SET status = $2, token = NULLIF($3, ''), resolved_at = $4
		WHERE request_id = $1
	`
	_, err := r.db.ExecContext(ctx, query, requestID, status, token, now)
	return errors.Wrapf(err, "finish pending callback %s", requestID)
}

// ClaimResolved moves this owner's RESOLVED rows to COMPLETED and returns them.
func (r *callbackRepository) ClaimResolved(ctx context.Context, ownerID string) ([]models.PendingCallback, error) {
	const query = `
		UPDATE pending_callbacks
		SET status = 'COMPLETED'
		WHERE request_id IN (
			SELECT request_id FROM pending_callbacks
			WHERE owner_id = $1 AND status = 'RESOLVED'
			FOR UPDATE SKIP LOCKED
		)
		RETURNING request_id, job_name, owner_id, status, COALESCE(token, ''), registered_at, expires_at, resolved_at
	`
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "claim resolved callbacks")
	}
	defer rows.Close()

	var claimed []models.PendingCallback
	for rows.Next() {
		var (
			cb         models.PendingCallback
			resolvedAt sql.NullTime
		)
		if err := rows.Scan(&cb.RequestID, &cb.JobName, &cb.OwnerID, &cb.Status, &cb.Token, &cb.RegisteredAt, &cb.ExpiresAt, &resolvedAt); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			cb.ResolvedAt = &t
		}
		claimed = append(claimed, cb)
	}
	return claimed, rows.Err()
}

// ExpireStale times out PENDING rows whose owner never came back for them.
func (r *callbackRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	const query = `
		UPDATE pending_callbacks
		SET status = 'TIMEOUT', resolved_at = $1
		WHERE status = 'PENDING' AND expires_at <= $1
	`
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, errors.Wrap(err, "expire stale callbacks")
	}
	return res.RowsAffected()
}
