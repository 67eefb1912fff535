package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"price-alert-mailer/internal/notify"
)

// SMTPConfig parameterises the SMTP sender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTPSender delivers messages over SMTP with STARTTLS when the server
// offers it. Failures are classified: 5xx protocol replies and malformed
// addresses are permanent, everything else transient.
type SMTPSender struct {
	cfg    SMTPConfig
	logger zerolog.Logger
}

// NewSMTPSender constructs the sender.
func NewSMTPSender(cfg SMTPConfig, logger zerolog.Logger) *SMTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	return &SMTPSender{
		cfg:    cfg,
		logger: logger.With().Str("component", "smtp_sender").Logger(),
	}
}

// Send performs one SMTP conversation for the message.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if _, err := mail.ParseAddress(msg.To); err != nil {
		return &notify.DeliveryError{Permanent: true, Reason: "invalid recipient address", Err: err}
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &notify.DeliveryError{Reason: "dial smtp server", Err: err}
	}

	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return classify("smtp handshake", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return classify("starttls", err)
		}
	}

	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return classify("smtp auth", err)
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return classify("mail from", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return classify("rcpt to", err)
	}

	writer, err := client.Data()
	if err != nil {
		return classify("data", err)
	}
	if _, err := writer.Write(composeRFC822(s.cfg.From, msg)); err != nil {
		return &notify.DeliveryError{Reason: "write message body", Err: err}
	}
	if err := writer.Close(); err != nil {
		return classify("finish message body", err)
	}

	if err := client.Quit(); err != nil {
		s.logger.Debug().Err(err).Msg("smtp quit 返回错误")
	}
	return nil
}

var _ Sender = (*SMTPSender)(nil)

func classify(reason string, err error) error {
	var tpErr *textproto.Error
	permanent := errors.As(err, &tpErr) && tpErr.Code >= 500 && tpErr.Code < 600
	return &notify.DeliveryError{Permanent: permanent, Reason: reason, Err: err}
}

const altBoundary = "alertmailer-alt-boundary"

func composeRFC822(from string, msg Message) []byte {
	b := &strings.Builder{}
	writeHeader(b, "From", from)
	writeHeader(b, "To", msg.To)
	writeHeader(b, "Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader(b, "Date", time.Now().Format(time.RFC1123Z))
	writeHeader(b, "MIME-Version", "1.0")

	switch {
	case msg.HTML != "" && msg.Text != "":
		writeHeader(b, "Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", altBoundary))
		b.WriteString("\r\n")
		writePart(b, "text/plain; charset=utf-8", msg.Text)
		writePart(b, "text/html; charset=utf-8", msg.HTML)
		fmt.Fprintf(b, "--%s--\r\n", altBoundary)
	case msg.HTML != "":
		writeHeader(b, "Content-Type", "text/html; charset=utf-8")
		b.WriteString("\r\n")
		b.WriteString(msg.HTML)
		b.WriteString("\r\n")
	default:
		writeHeader(b, "Content-Type", "text/plain; charset=utf-8")
		b.WriteString("\r\n")
		b.WriteString(msg.Text)
		b.WriteString("\r\n")
	}

	return []byte(b.String())
}

func writeHeader(b *strings.Builder, key, value string) {
	b.WriteString(key)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\r\n")
}

func writePart(b *strings.Builder, contentType, body string) {
	fmt.Fprintf(b, "--%s\r\n", altBoundary)
	writeHeader(b, "Content-Type", contentType)
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
}
