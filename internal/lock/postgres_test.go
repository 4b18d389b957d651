package lock

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stanstork/ocms-cron/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresAcquire(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c := NewPostgres(db, "host/1")

	// Lease times are computed by the database; only the holds travel.
	acquire := regexp.QuoteMeta("VALUES ($1, $2, now(), now() + $3 * interval '1 millisecond', now() + $4 * interval '1 millisecond')")
	mock.ExpectExec(acquire).
		WithArgs("lta_upload", "host/1", int64(1800000), int64(60000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(acquire).
		WithArgs("lta_upload", "host/1", int64(1800000), int64(60000)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := c.TryAcquire(context.Background(), "lta_upload", time.Minute, 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.TryAcquire(context.Background(), "lta_upload", time.Minute, 30*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAcquireDBErrorIsTransient(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c := NewPostgres(db, "host/1")
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO job_locks")).WillReturnError(errors.New("connection refused"))

	ok, err := c.TryAcquire(context.Background(), "lta_upload", 0, time.Minute)
	assert.False(t, ok)
	assert.True(t, errs.IsTransient(err))
}

func TestPostgresRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c := NewPostgres(db, "host/1")

	mock.ExpectExec(regexp.QuoteMeta("SET lock_until = GREATEST(min_hold_until, now())")).
		WithArgs("lta_upload", "host/1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, c.Release(context.Background(), "lta_upload"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
