package notification

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stanstork/ocms-cron/internal/models"
)

// Notifier delivers one alert over a single channel.
type Notifier interface {
	Notify(ctx context.Context, notification models.Notification) error
}

// cleanRecipients trims addresses and drops blanks and duplicates.
func cleanRecipients(recipients []string) []string {
	seen := make(map[string]bool, len(recipients))
	cleaned := make([]string, 0, len(recipients))
	for _, r := range recipients {
		r = strings.TrimSpace(r)
		if r == "" || seen[strings.ToLower(r)] {
			continue
		}
		seen[strings.ToLower(r)] = true
		cleaned = append(cleaned, r)
	}
	return cleaned
}

func logDeliveryFailure(logger zerolog.Logger, err error, channel string, notif models.Notification) {
	logger.Warn().
		Err(err).
		Str("notification_id", notif.ID).
		Str("event_type", string(notif.EventType)).
		Str("channel", channel).
		Msg("alert not delivered")
}
