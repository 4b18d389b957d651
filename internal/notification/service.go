package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/ocms-cron/internal/models"
)

type Event struct {
	Event    models.NotificationEvent
	Severity models.NotificationSeverity
	Title    string
	Message  string
	Metadata map[string]interface{}
}

// Service raises operator alerts. The engine calls NotifyJobFailed after a
// FAILED run has been audited.
type Service interface {
	Publish(ctx context.Context, evt Event) (models.Notification, error)
	NotifyJobFailed(ctx context.Context, jobName string, runID int64, reason string) error
}

type service struct {
	logger    zerolog.Logger
	now       func() time.Time
	notifiers []Notifier
}

func NewService(logger zerolog.Logger, notifiers ...Notifier) Service {
	s := &service{
		logger: logger.With().Str("component", "alerts").Logger(),
		now:    time.Now,
	}
	for _, n := range notifiers {
		if n != nil {
			s.notifiers = append(s.notifiers, n)
		}
	}
	return s
}

// Publish hands evt to every notifier. A channel that fails is logged and
// skipped; only a malformed event is returned as an error.
func (s *service) Publish(ctx context.Context, evt Event) (models.Notification, error) {
	notif, err := s.build(evt)
	if err != nil {
		return models.Notification{}, err
	}
	for _, n := range s.notifiers {
		if err := n.Notify(ctx, notif); err != nil {
			logDeliveryFailure(s.logger, err, channelOf(n), notif)
		}
	}
	return notif, nil
}

func (s *service) build(evt Event) (models.Notification, error) {
	if evt.Event == "" {
		return models.Notification{}, errors.New("notification event type is required")
	}
	notif := models.Notification{
		ID:        uuid.NewString(),
		EventType: evt.Event,
		Severity:  evt.Severity,
		Title:     strings.TrimSpace(evt.Title),
		Message:   strings.TrimSpace(evt.Message),
		CreatedAt: s.now(),
	}
	if notif.Severity == "" {
		notif.Severity = models.NotificationSeverityInfo
	}
	if notif.Title == "" {
		notif.Title = string(evt.Event)
	}
	if len(evt.Metadata) > 0 {
		raw, err := json.Marshal(evt.Metadata)
		if err != nil {
			return models.Notification{}, errors.Wrap(err, "encode notification metadata")
		}
		notif.Metadata = raw
	}
	return notif, nil
}

func (s *service) NotifyJobFailed(ctx context.Context, jobName string, runID int64, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "no reason recorded"
	}
	_, err := s.Publish(ctx, Event{
		Event:    models.NotificationEventJobFailed,
		Severity: models.NotificationSeverityError,
		Title:    "Job failed: " + jobName,
		Message:  fmt.Sprintf("Job %s run %d failed: %s", jobName, runID, reason),
		Metadata: map[string]interface{}{
			"job_name": jobName,
			"run_id":   runID,
			"reason":   reason,
		},
	})
	return err
}

func channelOf(n Notifier) string {
	if s, ok := n.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", n)
}
