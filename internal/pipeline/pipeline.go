// Package pipeline runs the fixed agency file exchange:
// extract, render, encrypt, upload to blob storage, upload to the transfer host.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/stanstork/ocms-cron/internal/callback"
	"github.com/stanstork/ocms-cron/internal/errs"
	"github.com/stanstork/ocms-cron/internal/models"
)

// Correlator parks the pipeline until the encryption callback arrives.
type Correlator interface {
	Register(ctx context.Context, requestID, jobName string, cont callback.Continuation, ttl time.Duration) error
	Cancel(ctx context.Context, requestID string)
	Expire(ctx context.Context, requestID string) bool
}

type Settings struct {
	AppCode      string
	CallbackTTL  time.Duration
	MaxRetries   uint64
	InitialDelay time.Duration
}

type Pipeline struct {
	name       string
	stages     Stages
	correlator Correlator
	settings   Settings
	logger     zerolog.Logger
}

func New(name string, stages Stages, correlator Correlator, settings Settings, logger zerolog.Logger) (*Pipeline, error) {
	switch {
	case stages.Extractor == nil, stages.Renderer == nil, stages.Encryptor == nil:
		return nil, fmt.Errorf("pipeline %s: extractor, renderer and encryptor are required", name)
	case stages.Blob == nil, stages.Transfer == nil:
		return nil, fmt.Errorf("pipeline %s: blob and transfer uploaders are required", name)
	case correlator == nil:
		return nil, fmt.Errorf("pipeline %s: correlator is required", name)
	case settings.CallbackTTL <= 0:
		return nil, fmt.Errorf("pipeline %s: callback ttl must be positive", name)
	}
	if settings.AppCode == "" {
		settings.AppCode = "OCMS"
	}
	if settings.InitialDelay <= 0 {
		settings.InitialDelay = time.Second
	}
	return &Pipeline{
		name:       name,
		stages:     stages,
		correlator: correlator,
		settings:   settings,
		logger:     logger.With().Str("component", "pipeline").Str("job", name).Logger(),
	}, nil
}

func (p *Pipeline) Name() string { return p.name }

// Run executes one pass. It never returns an error: every failure is folded
// into the Result.
func (p *Pipeline) Run(ctx context.Context) Result {
	res := Result{Job: p.name, State: models.StateStart}

	records, err := p.stages.Extractor.Extract(ctx)
	if err != nil {
		res.add(failed(models.StepExtract, 0, err))
		return p.finish(res)
	}
	if len(records) == 0 {
		res.add(models.StepOutcome{Step: models.StepExtract, Status: models.StepSkipped, Detail: "no eligible records"})
		res.State = models.StateSkipped
		res.Overall = models.StepSkipped
		p.logger.Info().Msg("no eligible records, skipping")
		return res
	}
	res.Records = len(records)
	res.State = models.StateExtracted
	res.add(models.StepOutcome{Step: models.StepExtract, Status: models.StepSuccess, RecordCount: len(records)})

	file, err := p.stages.Renderer.Render(ctx, records)
	if err != nil {
		res.add(failed(models.StepRender, len(records), err))
		return p.finish(res)
	}
	res.FileName = file.Name
	res.State = models.StateRendered
	res.add(models.StepOutcome{Step: models.StepRender, Status: models.StepSuccess, RecordCount: len(records), Detail: file.Name})

	encrypted, err := p.encrypt(ctx, &res, file)
	if err != nil {
		res.add(failed(models.StepEncrypt, len(records), err))
		return p.finish(res)
	}
	res.State = models.StateEncrypted
	res.add(models.StepOutcome{Step: models.StepEncrypt, Status: models.StepSuccess, RecordCount: len(records), Detail: encrypted.Name})

	// Both uploads are attempted; a failure in one does not undo the other.
	blob := p.upload(ctx, models.StepUploadBlob, len(records), func(ctx context.Context) (string, error) {
		return p.stages.Blob.UploadBlob(ctx, encrypted)
	})
	res.add(blob)
	if blob.Status == models.StepSuccess {
		res.State = models.StateBlobUploaded
	}
	res.add(p.upload(ctx, models.StepUploadTransfer, len(records), func(ctx context.Context) (string, error) {
		return p.stages.Transfer.UploadTransfer(ctx, encrypted)
	}))

	res = p.finish(res)
	if res.Overall == models.StepSuccess && p.stages.Marker != nil {
		if err := p.stages.Marker.MarkSent(ctx, records, file.Name); err != nil {
			p.logger.Error().Err(err).Msg("file delivered but records could not be marked as sent")
			res.Notes = append(res.Notes, "records not marked as sent: "+err.Error())
		}
	}
	return res
}

func (p *Pipeline) encrypt(ctx context.Context, res *Result, file File) (File, error) {
	requestID := fmt.Sprintf("%s-%s", p.settings.AppCode, uuid.NewString())
	res.RequestID = requestID

	done := make(chan callback.Outcome, 1)
	cont := func(out callback.Outcome) { done <- out }
	if err := p.correlator.Register(ctx, requestID, p.name, cont, p.settings.CallbackTTL); err != nil {
		return File{}, errors.Wrap(err, "register encryption callback")
	}
	res.State = models.StateEncryptPending

	if err := p.stages.Encryptor.RequestToken(ctx, requestID, file); err != nil {
		p.correlator.Cancel(context.WithoutCancel(ctx), requestID)
		return File{}, errors.Wrap(err, "request encryption token")
	}
	p.logger.Info().Str("request_id", requestID).Msg("waiting for encryption callback")

	// The wait ends at the ttl even when no sweeper is running.
	deadline := time.NewTimer(p.settings.CallbackTTL)
	defer deadline.Stop()

	var out callback.Outcome
	select {
	case out = <-done:
	case <-deadline.C:
		p.correlator.Expire(context.WithoutCancel(ctx), requestID)
		// Whoever claimed the entry delivers exactly one outcome.
		select {
		case out = <-done:
		case <-ctx.Done():
			return File{}, errors.Wrap(ctx.Err(), "waiting for encryption callback")
		}
	case <-ctx.Done():
		p.correlator.Cancel(context.WithoutCancel(ctx), requestID)
		return File{}, errors.Wrap(ctx.Err(), "waiting for encryption callback")
	}
	if out.Err != nil {
		return File{}, out.Err
	}

	encrypted, err := p.stages.Encryptor.Apply(ctx, out.Token, file)
	if err != nil {
		return File{}, errors.Wrap(err, "apply encryption")
	}
	return encrypted, nil
}

// upload retries transient errors with exponential backoff; anything else
// fails the step on the spot.
func (p *Pipeline) upload(ctx context.Context, step models.StepName, count int, fn func(context.Context) (string, error)) models.StepOutcome {
	backoff := retry.WithMaxRetries(p.settings.MaxRetries, retry.NewExponential(p.settings.InitialDelay))

	attempts := 0
	var location string
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		loc, err := fn(ctx)
		if err != nil {
			if errs.IsTransient(err) {
				p.logger.Warn().Err(err).Str("step", string(step)).Int("attempt", attempts).Msg("transient upload failure, retrying")
				return retry.RetryableError(err)
			}
			return err
		}
		location = loc
		return nil
	})
	if err != nil {
		out := failed(step, count, err)
		out.Attempts = attempts
		return out
	}
	return models.StepOutcome{Step: step, Status: models.StepSuccess, RecordCount: count, Detail: location, Attempts: attempts}
}

func (p *Pipeline) finish(res Result) Result {
	res.Overall = models.StepSuccess
	res.State = models.StateDone
	for _, s := range res.Steps {
		if s.Status == models.StepFailed {
			res.Overall = models.StepFailed
			res.State = models.StateFailed
			break
		}
	}
	ev := p.logger.Info()
	if res.Overall == models.StepFailed {
		ev = p.logger.Error()
	}
	ev.Str("overall", string(res.Overall)).Int("records", res.Records).Str("file", res.FileName).Msg("pipeline finished")
	return res
}

func failed(step models.StepName, count int, err error) models.StepOutcome {
	return models.StepOutcome{Step: step, Status: models.StepFailed, RecordCount: count, Detail: err.Error(), Attempts: 1}
}
