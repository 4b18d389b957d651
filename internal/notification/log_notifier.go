package notification

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/stanstork/ocms-cron/internal/models"
)

// LogNotifier writes every notification to the service log. It is always
// active, so an alert is never lost when mail is not configured.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("notifier", "log").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, notif models.Notification) error {
	event := n.logger.Info()
	switch notif.Severity {
	case models.NotificationSeverityError:
		event = n.logger.Error()
	case models.NotificationSeverityWarning:
		event = n.logger.Warn()
	}
	event.
		Str("notification_id", notif.ID).
		Str("event_type", string(notif.EventType)).
		RawJSON("metadata", metadataOrEmpty(notif.Metadata)).
		Msg(notif.Title + ": " + notif.Message)
	return nil
}

func (n *LogNotifier) String() string {
	return "log"
}

func metadataOrEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}
