package notification

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/ocms-cron/internal/config"
	"github.com/stanstork/ocms-cron/internal/models"
)

const subjectPrefix = "[OCMS]"

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier mails job alerts to the operations distribution list.
type EmailNotifier struct {
	addr       string
	auth       smtp.Auth
	from       string
	recipients []string
	send       sendMailFunc
	logger     zerolog.Logger
}

func NewEmailNotifier(cfg config.EmailConfig, logger zerolog.Logger) (*EmailNotifier, error) {
	host := strings.TrimSpace(cfg.SMTPHost)
	if host == "" {
		return nil, errors.New("email.smtp_host is required for alert mail")
	}
	from := strings.TrimSpace(cfg.From)
	if from == "" {
		return nil, errors.New("email.from is required for alert mail")
	}
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}

	n := &EmailNotifier{
		addr:       fmt.Sprintf("%s:%d", host, port),
		from:       from,
		recipients: cleanRecipients(cfg.AlertRecipients),
		send:       smtp.SendMail,
		logger:     logger.With().Str("notifier", "email").Logger(),
	}
	if user := strings.TrimSpace(cfg.Username); user != "" {
		n.auth = smtp.PlainAuth("", user, cfg.Password, host)
	}
	return n, nil
}

func (n *EmailNotifier) Notify(_ context.Context, notif models.Notification) error {
	if len(n.recipients) == 0 {
		return nil
	}
	if err := n.send(n.addr, n.auth, n.from, n.recipients, n.compose(notif)); err != nil {
		return errors.Wrapf(err, "send alert %s", notif.ID)
	}
	n.logger.Info().
		Str("notification_id", notif.ID).
		Strs("recipients", n.recipients).
		Msg("alert mailed")
	return nil
}

func (n *EmailNotifier) compose(notif models.Notification) []byte {
	title := strings.TrimSpace(notif.Title)
	if title == "" {
		title = string(notif.EventType)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(n.recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s %s\r\n", subjectPrefix, title)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")

	b.WriteString(strings.TrimSpace(notif.Message))
	b.WriteString("\r\n\r\n")
	fmt.Fprintf(&b, "Severity: %s\r\n", notif.Severity)
	fmt.Fprintf(&b, "Raised:   %s\r\n", notif.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	if len(notif.Metadata) > 0 {
		fmt.Fprintf(&b, "Details:  %s\r\n", notif.Metadata)
	}
	return []byte(b.String())
}

func (n *EmailNotifier) String() string {
	return "email"
}
