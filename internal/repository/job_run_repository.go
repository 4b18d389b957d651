package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stanstork/ocms-cron/internal/models"
)

// JobRunRepository is the audit store: one row per job run, never deleted.
type JobRunRepository interface {
	Start(ctx context.Context, name string) (models.JobRun, error)
	Finish(ctx context.Context, id int64, status models.RunStatus, logText string) error
	AbandonRunning(ctx context.Context, name, reason string) (int64, error)
	ListRecent(ctx context.Context, name string, limit int) ([]models.JobRun, error)
}

type jobRunRepository struct {
	db *sql.DB
}

func NewJobRunRepository(db *sql.DB) JobRunRepository {
	return &jobRunRepository{db: db}
}

func (r *jobRunRepository) Start(ctx context.Context, name string) (models.JobRun, error) {
	const query = `
		INSERT INTO ocms_batch_job (name, run_status, log_text, start_run)
		VALUES ($1, 'R', '', NOW())
		RETURNING id, name, run_status, log_text, start_run, end_run
	`
	return scanJobRun(r.db.QueryRowContext(ctx, query, name))
}

func (r *jobRunRepository) Finish(ctx context.Context, id int64, status models.RunStatus, logText string) error {
	if status == models.RunStatusRunning {
		return fmt.Errorf("job run %d: cannot finish with status %s", id, status)
	}
	const query = `
		UPDATE ocms_batch_job
		SET run_status = $2, log_text = $3, end_run = NOW()
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, status.Code(), logText)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job run %d not found", id)
	}
	return nil
}

// AbandonRunning fails RUNNING rows left by a holder that died. Only call it
// while holding the job's lock.
func (r *jobRunRepository) AbandonRunning(ctx context.Context, name, reason string) (int64, error) {
	const query = `
		UPDATE ocms_batch_job
		SET run_status = 'F', log_text = log_text || $2, end_run = NOW()
		WHERE name = $1 AND run_status = 'R'
	`
	res, err := r.db.ExecContext(ctx, query, name, "\n"+reason)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *jobRunRepository) ListRecent(ctx context.Context, name string, limit int) ([]models.JobRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	const query = `
		SELECT id, name, run_status, log_text, start_run, end_run
		FROM ocms_batch_job
		WHERE name = $1
		ORDER BY start_run DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []models.JobRun{}
	for rows.Next() {
		run, err := scanJobRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanJobRun(scanner interface {
	Scan(dest ...interface{}) error
}) (models.JobRun, error) {
	var (
		run    models.JobRun
		code   string
		endRun sql.NullTime
	)
	if err := scanner.Scan(&run.ID, &run.JobName, &code, &run.LogText, &run.StartedAt, &endRun); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.JobRun{}, errors.New("job run not found")
		}
		return models.JobRun{}, err
	}
	status, err := models.RunStatusFromCode(code)
	if err != nil {
		return models.JobRun{}, err
	}
	run.RunStatus = status
	if endRun.Valid {
		t := endRun.Time
		run.EndedAt = &t
	}
	return run, nil
}
