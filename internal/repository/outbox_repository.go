package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stanstork/ocms-cron/internal/models"
)

// OutboxRepository reads notices queued for an agency and flips their sent
// marker once a file containing them was delivered.
type OutboxRepository interface {
	ListPending(ctx context.Context, agencyCode string) ([]models.OutboxRecord, error)
	MarkSent(ctx context.Context, ids []int64, fileName string) error
}

type outboxRepository struct {
	db *sql.DB
}

func NewOutboxRepository(db *sql.DB) OutboxRepository {
	return &outboxRepository{db: db}
}

func (r *outboxRepository) ListPending(ctx context.Context, agencyCode string) ([]models.OutboxRecord, error) {
	const query = `
		SELECT id, agency_code, notice_no, payload
		FROM agency_outbox
		WHERE agency_code = $1 AND sent_flag = 'N'
		ORDER BY notice_no, id
	`
	rows, err := r.db.QueryContext(ctx, query, agencyCode)
	if err != nil {
		return nil, errors.Wrapf(err, "list outbox for %s", agencyCode)
	}
	defer rows.Close()

	var records []models.OutboxRecord
	for rows.Next() {
		var (
			rec     models.OutboxRecord
			payload []byte
		)
		if err := rows.Scan(&rec.ID, &rec.AgencyCode, &rec.NoticeNo, &payload); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.Fields); err != nil {
				return nil, fmt.Errorf("outbox row %d: malformed payload: %w", rec.ID, err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *outboxRepository) MarkSent(ctx context.Context, ids []int64, fileName string) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `
		UPDATE agency_outbox
		SET sent_flag = 'Y', sent_at = NOW(), file_name = $2
		WHERE id = ANY($1) AND sent_flag = 'N'
	`
	_, err := r.db.ExecContext(ctx, query, pq.Array(ids), fileName)
	return errors.Wrap(err, "mark outbox rows sent")
}
