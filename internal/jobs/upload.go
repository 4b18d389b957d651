package jobs

import (
	"context"

	"github.com/stanstork/ocms-cron/internal/engine"
	"github.com/stanstork/ocms-cron/internal/models"
	"github.com/stanstork/ocms-cron/internal/pipeline"
	"github.com/stanstork/ocms-cron/internal/repository"
)

// AgencyUpload runs one agency file exchange under the engine.
type AgencyUpload struct {
	pipe *pipeline.Pipeline
}

func NewAgencyUpload(pipe *pipeline.Pipeline) *AgencyUpload {
	return &AgencyUpload{pipe: pipe}
}

func (j *AgencyUpload) Name() string { return j.pipe.Name() }

// Validate has nothing to check: an empty outbox is handled by the pipeline
// as a skipped run.
func (j *AgencyUpload) Validate(context.Context) error { return nil }

func (j *AgencyUpload) Execute(ctx context.Context) (engine.Report, error) {
	res := j.pipe.Run(ctx)
	return engine.Report{
		Success: res.Overall != models.StepFailed,
		Message: res.Message(),
		Detail:  res.Summary(),
	}, nil
}

// Outbox feeds the pipeline from agency_outbox and flips the sent marker.
type Outbox struct {
	repo   repository.OutboxRepository
	agency string
}

func NewOutbox(repo repository.OutboxRepository, agencyCode string) *Outbox {
	return &Outbox{repo: repo, agency: agencyCode}
}

func (o *Outbox) Extract(ctx context.Context) ([]models.OutboxRecord, error) {
	return o.repo.ListPending(ctx, o.agency)
}

func (o *Outbox) MarkSent(ctx context.Context, records []models.OutboxRecord, fileName string) error {
	ids := make([]int64, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return o.repo.MarkSent(ctx, ids, fileName)
}
