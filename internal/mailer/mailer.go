package mailer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"price-alert-mailer/internal/notify"
)

// Message is a rendered email ready for transport.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Sender pushes a rendered message to the outside world. Implementations
// classify failures with notify.DeliveryError.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Mailer renders notification jobs and hands them to a Sender. Implements
// notify.Transport.
type Mailer struct {
	sender Sender
	logger zerolog.Logger
}

// New constructs a Mailer.
func New(sender Sender, logger zerolog.Logger) *Mailer {
	return &Mailer{
		sender: sender,
		logger: logger.With().Str("component", "mailer").Logger(),
	}
}

// Send renders and delivers one job.
func (m *Mailer) Send(ctx context.Context, job *notify.Job) error {
	msg, err := Render(job)
	if err != nil {
		// Rendering failures cannot heal on retry.
		return &notify.DeliveryError{Permanent: true, Reason: "render", Err: err}
	}
	if err := m.sender.Send(ctx, msg); err != nil {
		return err
	}
	m.logger.Debug().Str("to", msg.To).Str("subject", msg.Subject).Msg("邮件已投递")
	return nil
}

var _ notify.Transport = (*Mailer)(nil)

// LogSender writes messages to the log instead of sending them. Used by
// simulate-alert and when SMTP is disabled.
type LogSender struct {
	Logger zerolog.Logger
}

// Send logs the message.
func (l *LogSender) Send(ctx context.Context, msg Message) error {
	l.Logger.Info().
		Str("component", "log_sender").
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Int("html_bytes", len(msg.HTML)).
		Msg("模拟发送邮件")
	return nil
}

var _ Sender = (*LogSender)(nil)

// AdminReporter emails a terminal-failure notice to the admin address.
// Implements notify.Reporter.
type AdminReporter struct {
	sender Sender
	admin  string
	logger zerolog.Logger
}

// NewAdminReporter constructs the reporter. A blank admin address yields nil.
func NewAdminReporter(sender Sender, admin string, logger zerolog.Logger) *AdminReporter {
	if admin == "" {
		return nil
	}
	return &AdminReporter{
		sender: sender,
		admin:  admin,
		logger: logger.With().Str("component", "admin_reporter").Logger(),
	}
}

// ReportTerminal sends a failure notice. Best effort; errors are logged only.
func (r *AdminReporter) ReportTerminal(ctx context.Context, job *notify.Job, cause error) {
	body := fmt.Sprintf(
		"Notification %s to %s failed terminally after %d attempt(s).\nLast error: %v\n",
		job.ID, job.Recipient, job.Attempts, cause,
	)
	msg := Message{
		To:      r.admin,
		Subject: fmt.Sprintf("[alertmailer] delivery failed: %s", job.Recipient),
		Text:    body,
		HTML:    "<pre>" + body + "</pre>",
	}
	if err := r.sender.Send(ctx, msg); err != nil {
		r.logger.Error().Err(err).Stringer("job_id", job.ID).Msg("管理员通知发送失败")
	}
}

var _ notify.Reporter = (*AdminReporter)(nil)
